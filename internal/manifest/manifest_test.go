package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const pingManifest = `{
  "name": "ping",
  "type": "C",
  "version": "0.1.0",
  "build": {
    "dependency": {"pip": []},
    "script": ["cc -shared -fPIC -o libping.so ping.c"],
    "output": ["libping.so"]
  },
  "runtime": {"dependency": {}, "status": "true", "enable": [], "disable": []},
  "metadata": {
    "ping": {"restype": "string", "args": []},
    "echo": {"restype": "string", "args": [{"msg": "string"}]}
  }
}`

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(pingManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Name != "ping" || m.Type != "c" || m.Dir != dir {
		t.Fatalf("unexpected manifest: name=%q type=%q dir=%q", m.Name, m.Type, m.Dir)
	}
	if m.Metadata["echo"].Args[0].Name != "msg" {
		t.Fatalf("unexpected echo args: %+v", m.Metadata["echo"].Args)
	}
	if m.Runtime.Status != "true" {
		t.Fatalf("unexpected runtime status: %q", m.Runtime.Status)
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"bad json":   `{`,
		"bad name":   `{"name":"../x","type":"c","build":{"output":["a"]},"metadata":{}}`,
		"bad class":  `{"name":"x","type":"fortran","build":{"output":["a"]},"metadata":{}}`,
		"no output":  `{"name":"x","type":"c","build":{"output":[]},"metadata":{}}`,
		"bad arg ty": `{"name":"x","type":"c","build":{"output":["a"]},"metadata":{"f":{"restype":"string","args":[{"a":"blob"}]}}}`,
	}
	for label, raw := range cases {
		_, err := Parse([]byte(raw))
		if !errors.Is(err, ErrInvalidManifest) && !errors.Is(err, ErrInvalidName) {
			t.Fatalf("%s: expected manifest error, got %v", label, err)
		}
	}
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"ping", "math-v2", "a.b_c"} {
		if err := ValidateName(ok); err != nil {
			t.Fatalf("name %q rejected: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "..", "a/b", "a b"} {
		if err := ValidateName(bad); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("name %q: expected ErrInvalidName, got %v", bad, err)
		}
	}
}
