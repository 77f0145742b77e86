//go:build !(darwin || linux)

package plugin

type nativeLibrary struct{}

func openNative(string, bool) (*nativeLibrary, error) {
	return nil, ErrUnsupported
}

func (l *nativeLibrary) call(string, []Value) (string, error) {
	return "", ErrUnsupported
}

func (l *nativeLibrary) close() error {
	return nil
}
