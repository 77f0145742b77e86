package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/capd/internal/testutil/testlog"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

const pingManifest = `{
  "name": "ping",
  "type": "python",
  "version": "0.2.0",
  "build": {"output": ["ping.py"]},
  "runtime": {"status": "true", "enable": ["true"], "disable": ["false"]},
  "metadata": {"ping": {"restype": "string", "args": []}}
}`

func TestInstallListStatusUninstall(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "manifest.json"), []byte(pingManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "ping.py"), []byte("def ping():\n    return 'pong'\n"), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}

	out, err := runCLI(t, "--root", root, "install", src)
	if err != nil {
		t.Fatalf("install: %v (%s)", err, out)
	}
	if !strings.Contains(out, "installed ping 0.2.0") {
		t.Fatalf("unexpected install output %q", out)
	}

	out, err = runCLI(t, "--root", root, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "ping") || !strings.Contains(lines[1], "python") {
		t.Fatalf("unexpected list output %q", out)
	}

	out, err = runCLI(t, "--root", root, "status", "ping")
	if err != nil || !strings.Contains(out, "capable=true") {
		t.Fatalf("status: out=%q err=%v", out, err)
	}
	if out, err = runCLI(t, "--root", root, "enable", "ping"); err != nil {
		t.Fatalf("enable: out=%q err=%v", out, err)
	}
	if _, err = runCLI(t, "--root", root, "disable", "ping"); err == nil {
		t.Fatalf("expected failing disable hook to be reported")
	}

	if out, err = runCLI(t, "--root", root, "uninstall", "ping"); err != nil {
		t.Fatalf("uninstall: out=%q err=%v", out, err)
	}
	if _, err := os.Stat(filepath.Join(root, "ping")); !os.IsNotExist(err) {
		t.Fatalf("expected service dir removed, stat err=%v", err)
	}
	if _, err := runCLI(t, "--root", root, "status", "ping"); err == nil {
		t.Fatalf("expected status of uninstalled service to fail")
	}
}

func TestInitWritesTemplates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	if _, err := runCLI(t, "init", "manifest", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := runCLI(t, "init", "manifest", path); err == nil {
		t.Fatalf("expected init to refuse overwriting")
	}
	if _, err := runCLI(t, "init", "manifest", path, "--force"); err != nil {
		t.Fatalf("init --force: %v", err)
	}
	if _, err := runCLI(t, "init", "widget", filepath.Join(dir, "x")); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
}

func TestParseCallArgs(t *testing.T) {
	raw, err := parseCallArgs([]string{"1", "hello", `{"a":true}`, `"quoted"`})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(raw) != `[1,"hello",{"a":true},"quoted"]` {
		t.Fatalf("unexpected args %s", raw)
	}
	raw, err = parseCallArgs(nil)
	if err != nil || raw != nil {
		t.Fatalf("no args: raw=%q err=%v", raw, err)
	}
}
