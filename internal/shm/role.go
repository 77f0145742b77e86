package shm

import "errors"

var (
	ErrTooLarge    = errors.New("shm: frame exceeds mailbox capacity")
	ErrUnavailable = errors.New("shm: named semaphores unavailable")
)

// Role is whose turn the slot is on. The flag byte stores the role that may
// acquire next.
type Role byte

const (
	Writer Role = 0
	Reader Role = 1
)

func (r Role) other() Role {
	if r == Writer {
		return Reader
	}
	return Writer
}

func (r Role) String() string {
	if r == Writer {
		return "writer"
	}
	return "reader"
}
