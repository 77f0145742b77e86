//go:build !(linux || darwin)

package shm

import "context"

type Mailbox struct{}

func Available() error { return ErrUnavailable }

func Dir() string { return "" }

func SetDir(string) {}

func CreateMailbox(string, int, BackoffConfig) (*Mailbox, error) { return nil, ErrUnavailable }

func OpenMailbox(string, BackoffConfig) (*Mailbox, error) { return nil, ErrUnavailable }

func UnlinkSemaphore(string) error { return ErrUnavailable }

func (m *Mailbox) Name() string { return "" }

func (m *Mailbox) Capacity() int { return 0 }

func (m *Mailbox) Put(context.Context, int, func([]byte) (int, error)) error { return ErrUnavailable }

func (m *Mailbox) Take(context.Context, func([]byte) error) error { return ErrUnavailable }

func (m *Mailbox) PeerGone() bool { return true }

func (m *Mailbox) Close() error { return nil }

func (m *Mailbox) Unlink() error { return nil }

func (m *Mailbox) Destroy() error { return nil }
