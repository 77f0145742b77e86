//go:build linux || darwin

package shm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"
)

// Mailbox is a single-slot, turn-alternating channel: one segment plus one
// semaphore sharing a name.
type Mailbox struct {
	name    string
	seg     *Segment
	sem     *Semaphore
	backoff BackoffConfig

	rngMu sync.Mutex
	rng   *rand.Rand
}

// CreateMailbox creates the segment and semaphore for name, with the slot
// ready for the writer.
func CreateMailbox(name string, size int, backoff BackoffConfig) (*Mailbox, error) {
	seg, err := CreateSegment(name, size)
	if err != nil {
		return nil, err
	}
	seg.Bytes()[0] = byte(Writer)
	sem, err := CreateSemaphore(name, 1)
	if err != nil {
		_ = seg.Close()
		_ = seg.Unlink()
		return nil, err
	}
	return newMailbox(name, seg, sem, backoff), nil
}

// OpenMailbox attaches to a mailbox created by the peer.
func OpenMailbox(name string, backoff BackoffConfig) (*Mailbox, error) {
	seg, err := OpenSegment(name)
	if err != nil {
		return nil, err
	}
	sem, err := OpenSemaphore(name)
	if err != nil {
		_ = seg.Close()
		return nil, err
	}
	return newMailbox(name, seg, sem, backoff), nil
}

func newMailbox(name string, seg *Segment, sem *Semaphore, backoff BackoffConfig) *Mailbox {
	return &Mailbox{
		name:    name,
		seg:     seg,
		sem:     sem,
		backoff: backoff,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Mailbox) Name() string {
	return m.name
}

// Capacity is the number of bytes one frame may occupy.
func (m *Mailbox) Capacity() int {
	return len(m.seg.Bytes()) - 1
}

// Acquire takes the slot for role. Losing the race to the wrong role puts
// the semaphore back and retries after a backoff.
func (m *Mailbox) Acquire(ctx context.Context, role Role) error {
	for attempt := 1; ; attempt++ {
		if err := m.sem.Wait(ctx); err != nil {
			return err
		}
		if Role(m.seg.Bytes()[0]) == role {
			return nil
		}
		if err := m.sem.Post(); err != nil {
			return err
		}
		if err := m.pause(ctx, attempt); err != nil {
			return err
		}
	}
}

func (m *Mailbox) pause(ctx context.Context, attempt int) error {
	m.rngMu.Lock()
	delay := NextBackoffDelay(m.backoff, attempt, m.rng)
	m.rngMu.Unlock()
	if delay <= 0 {
		runtime.Gosched()
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Release hands the slot to the other role.
func (m *Mailbox) Release(role Role) error {
	m.seg.Bytes()[0] = byte(role.other())
	return m.sem.Post()
}

// abandon gives the semaphore back without passing the turn.
func (m *Mailbox) abandon() error {
	return m.sem.Post()
}

// Put writes one frame as the writer. fill returns the encoded length; the
// turn is passed only when fill succeeds.
func (m *Mailbox) Put(ctx context.Context, need int, fill func(slot []byte) (int, error)) error {
	if need > m.Capacity() {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, need, m.Capacity())
	}
	if err := m.Acquire(ctx, Writer); err != nil {
		return err
	}
	if _, err := fill(m.seg.Bytes()[1:]); err != nil {
		return errors.Join(err, m.abandon())
	}
	return m.Release(Writer)
}

// Take reads one frame as the reader. The turn passes back to the writer
// even when drain fails; the frame has been consumed either way.
func (m *Mailbox) Take(ctx context.Context, drain func(slot []byte) error) error {
	if err := m.Acquire(ctx, Reader); err != nil {
		return err
	}
	derr := drain(m.seg.Bytes()[1:])
	if err := m.Release(Reader); err != nil {
		return errors.Join(derr, err)
	}
	return derr
}

// PeerGone reports that the segment name was unlinked.
func (m *Mailbox) PeerGone() bool {
	return !m.seg.Exists()
}

// Close unmaps the segment and closes the semaphore.
func (m *Mailbox) Close() error {
	return errors.Join(m.sem.Close(), m.seg.Close())
}

// Unlink removes both names so no new party can attach.
func (m *Mailbox) Unlink() error {
	return errors.Join(m.seg.Unlink(), m.sem.Unlink())
}

// Destroy is Close followed by Unlink.
func (m *Mailbox) Destroy() error {
	return errors.Join(m.Close(), m.Unlink())
}
