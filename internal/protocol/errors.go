package protocol

import "errors"

var (
	ErrInvalidPayload = errors.New("protocol: invalid payload")
	ErrMissingName    = errors.New("protocol: missing service name")
	ErrMissingFunc    = errors.New("protocol: missing function name")
	ErrEmptyChain     = errors.New("protocol: empty chain")
)
