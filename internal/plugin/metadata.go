package plugin

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Arg is one declared argument. On the wire it is the single-key object
// {"<name>": "<type>"}.
type Arg struct {
	Name string `toml:"name"`
	Type string `toml:"type"`
}

func (a Arg) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{a.Name: a.Type})
}

func (a *Arg) UnmarshalJSON(b []byte) error {
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("plugin: arg: %w", err)
	}
	if name, ok := m["name"]; ok && len(m) == 2 {
		if typ, ok := m["type"]; ok {
			a.Name, a.Type = name, typ
			return nil
		}
	}
	if len(m) != 1 {
		return fmt.Errorf("plugin: arg must have exactly one name, got %d", len(m))
	}
	for k, v := range m {
		a.Name, a.Type = k, v
	}
	return nil
}

// Func is the declared signature of one exported function.
type Func struct {
	Restype string `json:"restype" toml:"restype"`
	Args    []Arg  `json:"args" toml:"args"`
}

func (f Func) Arity() int {
	return len(f.Args)
}

// Metadata maps function name to its signature.
type Metadata map[string]Func

// Names returns the declared function names in sorted order.
func (m Metadata) Names() []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m Metadata) Validate() error {
	for name, fn := range m {
		if name == "" {
			return fmt.Errorf("%w: empty function name", ErrBadMetadata)
		}
		if fn.Arity() > MaxArity {
			return fmt.Errorf("%w: %s declares %d args (max %d)", ErrBadMetadata, name, fn.Arity(), MaxArity)
		}
		seen := make(map[string]struct{}, len(fn.Args))
		for _, a := range fn.Args {
			if a.Name == "" {
				return fmt.Errorf("%w: %s has an unnamed arg", ErrBadMetadata, name)
			}
			if _, dup := seen[a.Name]; dup {
				return fmt.Errorf("%w: %s repeats arg %q", ErrBadMetadata, name, a.Name)
			}
			seen[a.Name] = struct{}{}
			if _, err := declaredType(a.Type); err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrBadMetadata, name, a.Name, err)
			}
		}
	}
	return nil
}
