//go:build linux || darwin

package shm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/capd/internal/protocol/frame"
)

func requireTransport(t *testing.T) {
	t.Helper()
	if err := Available(); err != nil {
		t.Skipf("transport unavailable: %v", err)
	}
	prev := Dir()
	SetDir(t.TempDir())
	t.Cleanup(func() { SetDir(prev) })
}

func testName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("t%015d", rand.Int63n(1e15))
}

func TestValidateID(t *testing.T) {
	if err := ValidateID("0123456789abcdef"); err != nil {
		t.Fatalf("valid id rejected: %v", err)
	}
	for _, id := range []string{"short", "0123456789abcde/", "0123456789abcdef0", "../../etc/passw"} {
		if err := ValidateID(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("id %q: expected ErrInvalidID, got %v", id, err)
		}
	}
	if RequestName("x") != "x_req" || ResponseName("x") != "x_res" {
		t.Fatalf("unexpected mailbox names")
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 10 * time.Microsecond, Multiplier: 2, MaxDelay: 50 * time.Microsecond}
	want := []time.Duration{10 * time.Microsecond, 20 * time.Microsecond, 40 * time.Microsecond, 50 * time.Microsecond}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}

func TestBackoffWithDefaultsKeepsYieldOnlySpin(t *testing.T) {
	if got := (BackoffConfig{}).WithDefaults(); got != DefaultBackoff() {
		t.Fatalf("zero config: got %+v", got)
	}
	cfg := DefaultBackoff()
	cfg.InitialDelay = 0
	got := cfg.WithDefaults()
	if got.InitialDelay != 0 {
		t.Fatalf("zero initial delay replaced: %+v", got)
	}
	if got.Multiplier != cfg.Multiplier || got.MaxDelay != cfg.MaxDelay {
		t.Fatalf("set fields changed: %+v", got)
	}
	if d := NextBackoffDelay(got, 1, nil); d != 0 {
		t.Fatalf("expected yield-only first attempt, got %v", d)
	}

	partial := BackoffConfig{InitialDelay: 5 * time.Millisecond}.WithDefaults()
	if partial.Multiplier != DefaultBackoff().Multiplier || partial.MaxDelay != 5*time.Millisecond {
		t.Fatalf("partial config: got %+v", partial)
	}
}

func TestMailboxAlternatesTurns(t *testing.T) {
	requireTransport(t)
	name := testName(t)
	owner, err := CreateMailbox(name, 4096, DefaultBackoff())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer owner.Destroy()
	peer, err := OpenMailbox(name, DefaultBackoff())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 50
	errCh := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			payload := []byte(fmt.Sprintf("frame-%d", i))
			err := owner.Put(ctx, frame.ResponseHeaderLen+len(payload), func(slot []byte) (int, error) {
				return frame.EncodeResponse(slot, uint32(i), payload)
			})
			if err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for i := 0; i < n; i++ {
		err := peer.Take(ctx, func(slot []byte) error {
			h, payload, err := frame.DecodeResponse(slot)
			if err != nil {
				return err
			}
			if h.Seq != uint32(i) || string(payload) != fmt.Sprintf("frame-%d", i) {
				return fmt.Errorf("frame %d: got seq=%d payload=%q", i, h.Seq, payload)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writer: %v", err)
	}
}

func TestMailboxPutOverCapacityLeavesSlot(t *testing.T) {
	requireTransport(t)
	mb, err := CreateMailbox(testName(t), 64, DefaultBackoff())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer mb.Destroy()

	before := append([]byte(nil), mb.seg.Bytes()...)
	err = mb.Put(context.Background(), mb.Capacity()+1, func(slot []byte) (int, error) {
		t.Fatalf("fill must not run")
		return 0, nil
	})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if !bytes.Equal(before, mb.seg.Bytes()) {
		t.Fatalf("segment mutated by rejected write")
	}
}

func TestMailboxAcquireHonorsCancel(t *testing.T) {
	requireTransport(t)
	mb, err := CreateMailbox(testName(t), 64, DefaultBackoff())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer mb.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// fresh slot belongs to the writer, so a reader can never get it
	err = mb.Take(ctx, func([]byte) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMailboxPeerGoneAfterUnlink(t *testing.T) {
	requireTransport(t)
	name := testName(t)
	owner, err := CreateMailbox(name, 64, DefaultBackoff())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	peer, err := OpenMailbox(name, DefaultBackoff())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer peer.Close()
	if peer.PeerGone() {
		t.Fatalf("peer reported gone while linked")
	}
	if err := owner.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !peer.PeerGone() {
		t.Fatalf("expected peer gone after unlink")
	}
	if _, err := OpenMailbox(name, DefaultBackoff()); err == nil {
		t.Fatalf("expected open to fail after unlink")
	}
}
