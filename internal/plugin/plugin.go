package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const MaxArity = 5

var (
	ErrUnknownClass = errors.New("plugin: unknown language class")
	ErrUnsupported  = errors.New("plugin: loader unsupported on this platform")
	ErrBadMetadata  = errors.New("plugin: invalid metadata")
	ErrArity        = errors.New("plugin: argument count mismatch")
	ErrArgType      = errors.New("plugin: argument type mismatch")
	ErrClosed       = errors.New("plugin: closed")
)

// Kind selects the calling convention. It is fixed at load time.
type Kind uint8

const (
	KindNative      Kind = iota + 1 // "c", "cpp": char* in, char* out, plugin owns the result
	KindNativeOwned                 // "rust": char* in, char* out handed back via free_string
	KindScript                      // "python": keyword call inside a module host process
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindNativeOwned:
		return "native-owned"
	case KindScript:
		return "script"
	default:
		return "unknown"
	}
}

func KindOf(class string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(class)) {
	case "c", "cpp", "c++":
		return KindNative, nil
	case "rust":
		return KindNativeOwned, nil
	case "python", "py":
		return KindScript, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
}

// Options tunes loaders that need host resources.
type Options struct {
	// Python interpreter used by KindScript. Defaults to python3.
	Python string
	// Stderr receives interpreter diagnostics. Nil discards them.
	Stderr io.Writer
	// StartTimeout bounds how long a script module may take to import.
	// Defaults to DefaultStartTimeout.
	StartTimeout time.Duration
}

const DefaultStartTimeout = 30 * time.Second

// Plugin is one loaded capability. Exactly one of native/script is set,
// matching kind.
type Plugin struct {
	kind   Kind
	entry  string
	meta   Metadata
	native *nativeLibrary
	script *scriptHost
}

// Open loads entry according to class.
func Open(class, entry string, meta Metadata, opts Options) (*Plugin, error) {
	kind, err := KindOf(class)
	if err != nil {
		return nil, err
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	p := &Plugin{kind: kind, entry: entry, meta: meta}
	switch kind {
	case KindNative, KindNativeOwned:
		p.native, err = openNative(entry, kind == KindNativeOwned)
	case KindScript:
		p.script, err = startScript(entry, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("plugin: open %s: %w", entry, err)
	}
	return p, nil
}

func (p *Plugin) Kind() Kind {
	return p.kind
}

func (p *Plugin) Metadata() Metadata {
	return p.meta
}

// Call invokes name with args. ok is false for an undeclared name, a
// missing symbol, a binding failure or any invocation failure; an empty
// string with ok=true is a successful empty result.
func (p *Plugin) Call(name string, args json.RawMessage) (string, bool) {
	fn, declared := p.meta[name]
	if !declared {
		return "", false
	}
	vals, err := Bind(fn, args)
	if err != nil {
		return "", false
	}
	switch p.kind {
	case KindNative, KindNativeOwned:
		out, err := p.native.call(name, vals)
		return out, err == nil
	case KindScript:
		out, err := p.script.call(name, vals)
		return out, err == nil
	default:
		return "", false
	}
}

// Close releases the library handle or stops the module host.
func (p *Plugin) Close() error {
	switch p.kind {
	case KindNative, KindNativeOwned:
		return p.native.close()
	case KindScript:
		return p.script.close()
	}
	return nil
}
