package plugin

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMetadataWireForm(t *testing.T) {
	raw := []byte(`{"add":{"restype":"number","args":[{"a":"number"},{"b":"number"}]},"ping":{"restype":"string","args":[]}}`)
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := Metadata{
		"add":  {Restype: "number", Args: []Arg{{Name: "a", Type: "number"}, {Name: "b", Type: "number"}}},
		"ping": {Restype: "string", Args: []Arg{}},
	}
	if diff := cmp.Diff(want, meta); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
	out, err := json.Marshal(meta["add"].Args[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"a":"number"}` {
		t.Fatalf("unexpected arg form: %s", out)
	}
}

func TestMetadataValidateRejectsWideArity(t *testing.T) {
	args := make([]Arg, MaxArity+1)
	for i := range args {
		args[i] = Arg{Name: string(rune('a' + i)), Type: "string"}
	}
	err := Metadata{"wide": {Args: args}}.Validate()
	if !errors.Is(err, ErrBadMetadata) {
		t.Fatalf("expected ErrBadMetadata, got %v", err)
	}
}

func TestBindForms(t *testing.T) {
	fn := Func{Restype: "string", Args: []Arg{{Name: "who", Type: "string"}, {Name: "n", Type: "number"}}}
	forms := []string{
		`["bob", 2]`,
		`[{"who":"bob"},{"n":2}]`,
		`{"n":2,"who":"bob"}`,
	}
	for _, form := range forms {
		vals, err := Bind(fn, json.RawMessage(form))
		if err != nil {
			t.Fatalf("bind %s: %v", form, err)
		}
		if len(vals) != 2 || vals[0].NativeString() != "bob" || vals[1].NativeString() != "2" {
			t.Fatalf("bind %s: unexpected values %+v", form, vals)
		}
	}
}

func TestBindRejects(t *testing.T) {
	fn := Func{Args: []Arg{{Name: "flag", Type: "bool"}}}
	cases := []struct {
		raw  string
		want error
	}{
		{`[]`, ErrArity},
		{`[true, false]`, ErrArity},
		{`["yes"]`, ErrArgType},
		{`[[true]]`, ErrArgType},
		{`"true"`, ErrArgType},
	}
	for _, tc := range cases {
		if _, err := Bind(fn, json.RawMessage(tc.raw)); !errors.Is(err, tc.want) {
			t.Fatalf("bind %s: expected %v, got %v", tc.raw, tc.want, err)
		}
	}
	if _, err := Bind(Func{}, nil); err != nil {
		t.Fatalf("zero-arity bind: %v", err)
	}
}

func TestKindOf(t *testing.T) {
	for class, want := range map[string]Kind{"c": KindNative, "CPP": KindNative, "rust": KindNativeOwned, "python": KindScript} {
		got, err := KindOf(class)
		if err != nil || got != want {
			t.Fatalf("class %q: got=%v err=%v", class, got, err)
		}
	}
	if _, err := KindOf("cobol"); !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("expected ErrUnknownClass, got %v", err)
	}
}

func TestNativeCallAgainstLibc(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("libc soname differs off linux")
	}
	meta := Metadata{
		"getenv":         {Restype: "string", Args: []Arg{{Name: "name", Type: "string"}}},
		"no_such_symbol": {Restype: "string", Args: []Arg{}},
	}
	p, err := Open("c", "libc.so.6", meta, Options{})
	if err != nil {
		t.Skipf("libc unavailable: %v", err)
	}
	defer p.Close()

	t.Setenv("CAPD_PLUGIN_TEST", "hello")
	out, ok := p.Call("getenv", json.RawMessage(`["CAPD_PLUGIN_TEST"]`))
	if !ok || out != "hello" {
		t.Fatalf("getenv: out=%q ok=%v", out, ok)
	}
	if _, ok := p.Call("no_such_symbol", nil); ok {
		t.Fatalf("expected missing symbol to fail")
	}
	if _, ok := p.Call("undeclared", nil); ok {
		t.Fatalf("expected undeclared function to fail")
	}
}

func TestScriptModuleCall(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	dir := t.TempDir()
	src := "def ping():\n    return 'pong'\n\ndef add(a, b):\n    return a + b\n\ndef boom():\n    raise RuntimeError('no')\n"
	entry := filepath.Join(dir, "calc.py")
	if err := os.WriteFile(entry, []byte(src), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	meta := Metadata{
		"ping": {Restype: "string", Args: []Arg{}},
		"add":  {Restype: "number", Args: []Arg{{Name: "a", Type: "number"}, {Name: "b", Type: "number"}}},
		"boom": {Restype: "string", Args: []Arg{}},
	}
	p, err := Open("python", entry, meta, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	if out, ok := p.Call("ping", nil); !ok || out != "pong" {
		t.Fatalf("ping: out=%q ok=%v", out, ok)
	}
	if out, ok := p.Call("add", json.RawMessage(`{"a":1,"b":2}`)); !ok || out != "3" {
		t.Fatalf("add: out=%q ok=%v", out, ok)
	}
	if _, ok := p.Call("boom", nil); ok {
		t.Fatalf("expected raising function to fail")
	}
	if out, ok := p.Call("ping", nil); !ok || out != "pong" {
		t.Fatalf("host should survive a failed call: out=%q ok=%v", out, ok)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := p.Call("ping", nil); ok {
		t.Fatalf("expected call after close to fail")
	}
}

func TestScriptModuleLoadFailure(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	entry := filepath.Join(t.TempDir(), "broken.py")
	if err := os.WriteFile(entry, []byte("this is not python\n"), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	if _, err := Open("python", entry, Metadata{}, Options{}); err == nil {
		t.Fatalf("expected load failure")
	}
}

func TestScriptModuleStartTimeout(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	entry := filepath.Join(t.TempDir(), "hang.py")
	if err := os.WriteFile(entry, []byte("import time\ntime.sleep(30)\n"), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	start := time.Now()
	_, err := Open("python", entry, Metadata{}, Options{StartTimeout: 200 * time.Millisecond})
	if !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("expected ErrStartTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("hung import was not cut short: %v", elapsed)
	}
}
