//go:build darwin || linux

package plugin

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// freeSymbol is the optional export owned-string libraries provide to take
// back a returned buffer.
const freeSymbol = "free_string"

var errNullResult = errors.New("plugin: null result")

type nativeLibrary struct {
	mu     sync.RWMutex
	handle uintptr
	owned  bool
}

func openNative(path string, owned bool) (*nativeLibrary, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, err
	}
	return &nativeLibrary{handle: h, owned: owned}, nil
}

// call resolves the symbol on every invocation; nothing borrowed from the
// handle outlives the read lock.
func (l *nativeLibrary) call(name string, vals []Value) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.handle == 0 {
		return "", ErrClosed
	}
	sym, err := purego.Dlsym(l.handle, name)
	if err != nil {
		return "", err
	}
	args := make([]string, len(vals))
	for i, v := range vals {
		args[i] = v.NativeString()
	}
	ptr, err := invokeNative(sym, args)
	if err != nil {
		return "", err
	}
	if ptr == 0 {
		return "", errNullResult
	}
	out := cString(ptr)
	if l.owned {
		if free, err := purego.Dlsym(l.handle, freeSymbol); err == nil {
			var release func(uintptr)
			purego.RegisterFunc(&release, free)
			release(ptr)
		}
	}
	return out, nil
}

func invokeNative(sym uintptr, a []string) (uintptr, error) {
	switch len(a) {
	case 0:
		var fn func() uintptr
		purego.RegisterFunc(&fn, sym)
		return fn(), nil
	case 1:
		var fn func(string) uintptr
		purego.RegisterFunc(&fn, sym)
		return fn(a[0]), nil
	case 2:
		var fn func(string, string) uintptr
		purego.RegisterFunc(&fn, sym)
		return fn(a[0], a[1]), nil
	case 3:
		var fn func(string, string, string) uintptr
		purego.RegisterFunc(&fn, sym)
		return fn(a[0], a[1], a[2]), nil
	case 4:
		var fn func(string, string, string, string) uintptr
		purego.RegisterFunc(&fn, sym)
		return fn(a[0], a[1], a[2], a[3]), nil
	case 5:
		var fn func(string, string, string, string, string) uintptr
		purego.RegisterFunc(&fn, sym)
		return fn(a[0], a[1], a[2], a[3], a[4]), nil
	default:
		return 0, fmt.Errorf("%w: arity %d", ErrArity, len(a))
	}
}

func (l *nativeLibrary) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}

func cString(p uintptr) string {
	base := unsafe.Pointer(p) //nolint:govet
	n := 0
	for *(*byte)(unsafe.Add(base, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(base), n))
}
