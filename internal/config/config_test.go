package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/capd/internal/commander"
	"github.com/danmuck/capd/internal/manifest"
	"github.com/danmuck/capd/internal/plugin"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func sampleService() ServiceConfig {
	return ServiceConfig{
		Name:    "math",
		Class:   "python",
		Version: "1.0.0",
		Entry:   "math.py",
		Files:   []string{"math.py", "data"},
		Metadata: plugin.Metadata{
			"add": {Restype: "number", Args: []plugin.Arg{{Name: "a", Type: "number"}, {Name: "b", Type: "number"}}},
			"pi":  {Restype: "number"},
		},
		Runtime: commander.RuntimeSpec{
			Dependency: commander.DepMap{"pip": {"numpy"}},
			Status:     "true",
			Enable:     []string{"echo on"},
		},
	}
}

func TestServiceRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	want := sampleService()
	if err := store.PutService(want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := store.GetService("math")
	if !ok {
		t.Fatalf("expected stored service")
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("service mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "math", ServiceFile)); err != nil {
		t.Fatalf("expected service file on disk: %v", err)
	}
}

func TestGetServiceAbsentOrCorrupt(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, ok := store.GetService("missing"); ok {
		t.Fatalf("absent service reported present")
	}
	if _, ok := store.GetService("../escape"); ok {
		t.Fatalf("invalid name reported present")
	}
	path := filepath.Join(store.Root(), "broken", ServiceFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("name = [unterminated"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := store.GetService("broken"); ok {
		t.Fatalf("corrupt service reported present")
	}

	other := sampleService()
	if err := store.Put(filepath.Join("renamed", ServiceFile), other); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := store.GetService("renamed"); ok {
		t.Fatalf("service stored under the wrong name reported present")
	}
}

func TestPutServiceRejectsInvalid(t *testing.T) {
	store := NewStore(t.TempDir())
	cfg := sampleService()
	cfg.Entry = " "
	if err := store.PutService(cfg); !errors.Is(err, ErrInvalidService) {
		t.Fatalf("expected ErrInvalidService, got %v", err)
	}
	cfg = sampleService()
	cfg.Class = "cobol"
	if err := store.PutService(cfg); !errors.Is(err, ErrInvalidService) {
		t.Fatalf("expected ErrInvalidService, got %v", err)
	}
}

func TestListAndRemove(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, name := range []string{"zeta", "alpha"} {
		cfg := sampleService()
		cfg.Name = name
		if err := store.PutService(cfg); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(store.Root(), "not-a-service"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	names, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"alpha", "zeta"}, names); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
	if err := store.RemoveService("alpha"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.RemoveService("alpha"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if _, ok := store.GetService("alpha"); ok {
		t.Fatalf("removed service still present")
	}
}

func TestListMissingRoot(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope"))
	names, err := store.List()
	if err != nil || len(names) != 0 {
		t.Fatalf("expected empty list, got %q err=%v", names, err)
	}
}

func TestFromManifest(t *testing.T) {
	m := manifest.Manifest{
		Name:     "ping",
		Type:     "c",
		Version:  "0.1.0",
		Runtime:  commander.RuntimeSpec{Status: "true"},
		Metadata: plugin.Metadata{"ping": {Restype: "string"}},
	}
	cfg := FromManifest(m, []string{"libping.so", "README"})
	if cfg.Entry != "libping.so" || cfg.Class != "c" || len(cfg.Files) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if err := ValidateServiceConfig(cfg); err != nil {
		t.Fatalf("converted config invalid: %v", err)
	}
}

func TestTemplates(t *testing.T) {
	for _, kind := range []string{"daemon", "manifest"} {
		body, err := Template(kind)
		if err != nil || body == "" {
			t.Fatalf("template %s: %v", kind, err)
		}
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	if err := WriteTemplate(path, "manifest", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if _, err := manifest.Load(dir); err != nil {
		t.Fatalf("manifest template does not load: %v", err)
	}
	if err := WriteTemplate(path, "manifest", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
}
