// Package commander runs the declarative build and runtime hooks of a
// capability manifest.
package commander

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/capd/internal/tools"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidSpec      = errors.New("commander: invalid spec")
	ErrSandboxViolation = errors.New("commander: sandbox violation")
	ErrUnknownManager   = errors.New("commander: unknown package manager")
	ErrNoOutput         = errors.New("commander: build produced no outputs")
	ErrCommandFailed    = errors.New("commander: command failed")
)

// DepMap maps a package manager to the packages it installs.
type DepMap map[string][]string

// BuildSpec is the build half of a manifest.
type BuildSpec struct {
	Dependency DepMap   `json:"dependency,omitempty" toml:"dependency,omitempty"`
	Script     []string `json:"script,omitempty" toml:"script,omitempty"`
	Output     []string `json:"output" toml:"output"`
}

// RuntimeSpec is the runtime half of a manifest; it is persisted with the
// service so status/enable/disable can run later.
type RuntimeSpec struct {
	Dependency DepMap   `json:"dependency,omitempty" toml:"dependency,omitempty"`
	Status     string   `json:"status,omitempty" toml:"status,omitempty"`
	Enable     []string `json:"enable,omitempty" toml:"enable,omitempty"`
	Disable    []string `json:"disable,omitempty" toml:"disable,omitempty"`
}

var installCommands = map[string][]string{
	"pip":   {"pip", "install"},
	"pip3":  {"pip3", "install"},
	"cargo": {"cargo", "install"},
	"npm":   {"npm", "install"},
	"go":    {"go", "install"},
}

// Commander executes hooks with src as the build working directory and dest
// as the install target. Every produced path stays inside dest.
type Commander struct {
	src    string
	dest   string
	runner tools.CommandRunner
}

func New(src, dest string, runner tools.CommandRunner) *Commander {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &Commander{src: filepath.Clean(src), dest: filepath.Clean(dest), runner: runner}
}

// Build runs dependency installs, the build script and output collection in
// order. It returns the installed paths relative to dest.
func (c *Commander) Build(spec BuildSpec) ([]string, error) {
	if err := c.BuildDependency(spec.Dependency); err != nil {
		return nil, err
	}
	if err := c.BuildScript(spec.Script); err != nil {
		return nil, err
	}
	return c.BuildOutput(spec.Output)
}

func (c *Commander) BuildDependency(deps DepMap) error {
	return c.installDeps(c.src, deps)
}

func (c *Commander) RuntimeDependency(deps DepMap) error {
	return c.installDeps(c.dest, deps)
}

func (c *Commander) installDeps(dir string, deps DepMap) error {
	managers := make([]string, 0, len(deps))
	for m := range deps {
		managers = append(managers, m)
	}
	sort.Strings(managers)
	for _, m := range managers {
		base, ok := installCommands[strings.ToLower(strings.TrimSpace(m))]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownManager, m)
		}
		for _, pkg := range deps[m] {
			pkg = strings.TrimSpace(pkg)
			if pkg == "" {
				continue
			}
			args := append(append([]string{}, base[1:]...), pkg)
			if err := c.runCommand(dir, base[0], args...); err != nil {
				return err
			}
		}
	}
	return nil
}

// BuildScript runs each line through bash in the source directory.
func (c *Commander) BuildScript(lines []string) error {
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := c.runCommand(c.src, "bash", "-c", line); err != nil {
			return err
		}
	}
	return nil
}

// BuildOutput copies each "src[@dest]" entry from the source directory into
// dest. The first entry is the service entry point. A failure removes what
// was already copied.
func (c *Commander) BuildOutput(outputs []string) ([]string, error) {
	if len(outputs) == 0 {
		return nil, ErrNoOutput
	}
	if err := os.MkdirAll(c.dest, 0o755); err != nil {
		return nil, err
	}
	installed := make([]string, 0, len(outputs))
	for _, raw := range outputs {
		rel, err := c.copyOutput(raw)
		if err != nil {
			_ = c.RemoveOutput(installed)
			return nil, err
		}
		installed = append(installed, rel)
	}
	return installed, nil
}

func (c *Commander) copyOutput(raw string) (string, error) {
	srcRel, destRel, err := ParseOutput(raw)
	if err != nil {
		return "", err
	}
	src := filepath.Join(c.src, srcRel)
	if !isWithin(src, c.src) {
		return "", fmt.Errorf("%w: output source %q", ErrSandboxViolation, srcRel)
	}
	dst := filepath.Join(c.dest, destRel)
	if !isWithin(dst, c.dest) || dst == c.dest {
		return "", fmt.Errorf("%w: output destination %q", ErrSandboxViolation, destRel)
	}
	info, err := os.Lstat(src)
	if err != nil {
		return "", fmt.Errorf("commander: output %q: %w", srcRel, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: symlinks are not allowed for output %q", ErrSandboxViolation, srcRel)
	}
	if info.IsDir() {
		err = copyDir(src, dst)
	} else {
		err = copyFile(src, dst, info.Mode().Perm())
	}
	if err != nil {
		return "", err
	}
	return filepath.Clean(destRel), nil
}

// ParseOutput splits "src@dest". A bare "src" installs under its base name.
func ParseOutput(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("%w: empty output entry", ErrInvalidSpec)
	}
	parts := strings.Split(raw, "@")
	switch len(parts) {
	case 1:
		return parts[0], filepath.Base(parts[0]), nil
	case 2:
		src, dst := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if src == "" || dst == "" {
			return "", "", fmt.Errorf("%w: output %q", ErrInvalidSpec, raw)
		}
		if filepath.IsAbs(dst) {
			return "", "", fmt.Errorf("%w: output destination must be relative: %q", ErrInvalidSpec, raw)
		}
		return src, dst, nil
	default:
		return "", "", fmt.Errorf("%w: output %q", ErrInvalidSpec, raw)
	}
}

// RemoveOutput deletes installed paths relative to dest.
func (c *Commander) RemoveOutput(files []string) error {
	var errs []error
	for _, rel := range files {
		target := filepath.Join(c.dest, rel)
		if !isWithin(target, c.dest) || target == c.dest {
			errs = append(errs, fmt.Errorf("%w: remove %q", ErrSandboxViolation, rel))
			continue
		}
		if err := os.RemoveAll(target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status runs the status command split on whitespace. A non-zero exit is a
// false status; a command that cannot start is an error.
func (c *Commander) Status(command string) (bool, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false, fmt.Errorf("%w: no status command", ErrInvalidSpec)
	}
	return c.probe(fields[0], fields[1:]...)
}

// Enable runs every enable command; all must succeed.
func (c *Commander) Enable(commands []string) (bool, error) {
	return c.runAll(commands)
}

// Disable runs every disable command; all must succeed.
func (c *Commander) Disable(commands []string) (bool, error) {
	return c.runAll(commands)
}

func (c *Commander) runAll(commands []string) (bool, error) {
	for _, line := range commands {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ok, err := c.probe("bash", "-c", line)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (c *Commander) probe(name string, args ...string) (bool, error) {
	stdout, stderr, exitCode, err := c.runner.Run(c.dest, name, args...)
	if err == nil {
		return true, nil
	}
	if exitCode == tools.ExitNotFound {
		return false, fmt.Errorf("%w: cmd=%s: %v", ErrCommandFailed, name, err)
	}
	log.Debug().
		Str("cmd", name).
		Strs("args", args).
		Int32("exit", exitCode).
		Str("stdout", strings.TrimSpace(string(stdout))).
		Str("stderr", strings.TrimSpace(string(stderr))).
		Msg("commander.probe false")
	return false, nil
}

func (c *Commander) runCommand(dir, name string, args ...string) error {
	log.Info().Str("dir", dir).Str("cmd", name).Str("args", strings.Join(args, " ")).Msg("commander.exec")
	stdout, stderr, exitCode, err := c.runner.Run(dir, name, args...)
	if err == nil {
		return nil
	}
	return fmt.Errorf(
		"%w: cmd=%s args=%q exit=%d stdout=%q stderr=%q: %v",
		ErrCommandFailed,
		name,
		strings.Join(args, " "),
		exitCode,
		strings.TrimSpace(string(stdout)),
		strings.TrimSpace(string(stderr)),
		err,
	)
}

func isWithin(path string, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && rel != "..")
}

func copyDir(src string, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.Type()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: symlinks are not allowed in output tree: %s", ErrSandboxViolation, path)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src string, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
