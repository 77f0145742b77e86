package shm

import (
	"errors"
	"fmt"
)

const (
	IDLen          = 16
	RequestSuffix  = "_req"
	ResponseSuffix = "_res"
)

var ErrInvalidID = errors.New("shm: invalid connection id")

// ValidateID checks a bootstrap id. Ids become file and semaphore names, so
// only [A-Za-z0-9_-] is accepted.
func ValidateID(id string) error {
	if len(id) != IDLen {
		return fmt.Errorf("%w: length %d", ErrInvalidID, len(id))
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: byte %d", ErrInvalidID, i)
		}
	}
	return nil
}

func RequestName(id string) string {
	return id + RequestSuffix
}

func ResponseName(id string) string {
	return id + ResponseSuffix
}
