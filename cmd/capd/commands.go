package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/capd/internal/admin"
	"github.com/danmuck/capd/internal/client"
	"github.com/danmuck/capd/internal/config"
	"github.com/danmuck/capd/internal/daemon"
	"github.com/danmuck/capd/internal/manifest"
	"github.com/danmuck/capd/internal/registry"
	"github.com/danmuck/capd/internal/workpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const callTimeout = 10 * time.Second

type rootFlags struct {
	config string
	root   string
	addr   string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "capd",
		Short:         "Local capability daemon: install, load and call plugin services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "", "daemon config file (TOML)")
	root.PersistentFlags().StringVar(&f.root, "root", "", "service root directory (overrides config)")
	root.PersistentFlags().StringVar(&f.addr, "addr", "", "daemon listen address (overrides config)")

	root.AddCommand(
		newServeCmd(f),
		newInstallCmd(f),
		newUninstallCmd(f),
		newStatusCmd(f),
		newSwitchCmd(f, "enable", true),
		newSwitchCmd(f, "disable", false),
		newListCmd(f),
		newCallCmd(f),
		newPingCmd(f),
		newInitCmd(),
	)
	return root
}

// load resolves the daemon config from the file and the flag overrides.
func (f *rootFlags) load() (daemon.Config, error) {
	cfg, err := loadDaemonConfig(f.config)
	if err != nil {
		return daemon.Config{}, err
	}
	if v := strings.TrimSpace(f.root); v != "" {
		cfg.Root = v
	}
	if v := strings.TrimSpace(f.addr); v != "" {
		cfg.ListenAddr = v
	}
	return cfg.WithDefaults()
}

// offlineRegistry works on the service root without a running daemon; it
// never loads plugins.
func (f *rootFlags) offlineRegistry() (*registry.Registry, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	return registry.New(registry.Options{
		Store:  config.NewStore(cfg.Root),
		Pool:   workpool.New(1),
		Runner: cfg.CommandRunner(),
	}), nil
}

func newServeCmd(f *rootFlags) *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("admin") {
				cfg.AdminAddr = strings.TrimSpace(adminAddr)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin", "", "admin HTTP address, empty disables it")
	return cmd
}

// serve runs the daemon and, when configured, the admin surface. Either one
// failing stops both.
func serve(ctx context.Context, cfg daemon.Config) error {
	srv, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	cfg = srv.Config()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.AdminAddr != "" {
		adm := admin.Appear("capd", cfg.AdminAddr, cfg.CorsOrigins, srv)
		g.Go(func() error { return adm.Serve(gctx) })
	}
	return g.Wait()
}

func newInstallCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install <manifest.json|dir>",
		Short: "Build a service from its manifest and install it under the root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(args[0])
			if err != nil {
				return err
			}
			r, err := f.offlineRegistry()
			if err != nil {
				return err
			}
			defer r.Close()
			cfg, err := r.Install(m)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s %s (%s, entry %s)\n", cfg.Name, cfg.Version, cfg.Class, cfg.Entry)
			return nil
		},
	}
}

func newUninstallCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <name>",
		Short: "Run a service's disable hooks and remove it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := f.offlineRegistry()
			if err != nil {
				return err
			}
			defer r.Close()
			if err := r.Uninstall(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", args[0])
			return nil
		},
	}
}

func newStatusCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Run a service's status hook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := f.offlineRegistry()
			if err != nil {
				return err
			}
			defer r.Close()
			ok, err := r.Report(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s capable=%t\n", args[0], ok)
			return nil
		},
	}
}

func newSwitchCmd(f *rootFlags, action string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <name>",
		Short: "Run a service's " + action + " hooks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := f.offlineRegistry()
			if err != nil {
				return err
			}
			defer r.Close()
			ok, err := r.Switch(args[0], enable)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s %s: hook reported failure", action, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", args[0], action)
			return nil
		},
	}
}

func newListCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := f.offlineRegistry()
			if err != nil {
				return err
			}
			defer r.Close()
			services, err := r.Installed()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "name\tclass\tversion\tfunctions")
			for _, s := range services {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Class, s.Version, strings.Join(s.Metadata.Names(), ","))
			}
			return w.Flush()
		},
	}
}

func (f *rootFlags) dial(ctx context.Context) (*client.Client, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, cfg.ListenAddr, client.Options{
		RequestCapacity: cfg.RequestCapacity,
		Backoff:         cfg.Backoff,
	})
}

func newCallCmd(f *rootFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <name> <func> [json-arg...]",
		Short: "Register a service on the running daemon and call one function",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			callArgs, err := parseCallArgs(args[2:])
			if err != nil {
				return err
			}
			c, err := f.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			reg, err := c.Register(ctx, args[0])
			if err != nil {
				return fmt.Errorf("register %s: %w", args[0], err)
			}
			defer c.Unregister(context.Background(), args[0])
			out, err := c.CallRaw(ctx, reg.Handle, args[1], callArgs)
			if err != nil {
				return fmt.Errorf("call %s.%s: %w", args[0], args[1], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", callTimeout, "how long to wait for each answer")
	return cmd
}

// parseCallArgs builds a positional argument array. Arguments that are not
// valid JSON are passed as strings.
func parseCallArgs(args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	values := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		if json.Valid([]byte(a)) {
			values = append(values, json.RawMessage(a))
			continue
		}
		s, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		values = append(values, s)
	}
	return json.Marshal(values)
}

func newPingCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers ALIVE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			start := time.Now()
			c, err := f.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Alive(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "alive id=%s rtt=%s\n", c.ID(), time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:       "init <daemon|manifest> <path>",
		Short:     "Write a starter daemon config or manifest",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"daemon", "manifest"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[1], args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s template to %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
