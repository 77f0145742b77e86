//go:build linux || darwin

package shm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

// pollInterval bounds one blocking wait so callers observe cancellation.
const pollInterval = 50 * time.Millisecond

var ErrSemClosed = errors.New("shm: semaphore closed")

type libcSem struct {
	open      func(name string, oflag int32, mode uint32, value uint32) uintptr
	timedwait func(sem uintptr, abs *unix.Timespec) int32
	trywait   func(sem uintptr) int32
	post      func(sem uintptr) int32
	close     func(sem uintptr) int32
	unlink    func(name string) int32
	errno     func() uintptr
}

var (
	libcOnce sync.Once
	libc     *libcSem
	libcErr  error
)

func libcCandidates() []string {
	if runtime.GOOS == "darwin" {
		return []string{"/usr/lib/libSystem.B.dylib"}
	}
	return []string{"libc.so.6", "libpthread.so.0", "libc.so"}
}

func loadLibc() (*libcSem, error) {
	libcOnce.Do(func() {
		var lastErr error
		for _, name := range libcCandidates() {
			h, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err != nil {
				lastErr = err
				continue
			}
			if _, err := purego.Dlsym(h, "sem_open"); err != nil {
				lastErr = err
				continue
			}
			l := &libcSem{}
			purego.RegisterLibFunc(&l.open, h, "sem_open")
			purego.RegisterLibFunc(&l.trywait, h, "sem_trywait")
			purego.RegisterLibFunc(&l.post, h, "sem_post")
			purego.RegisterLibFunc(&l.close, h, "sem_close")
			purego.RegisterLibFunc(&l.unlink, h, "sem_unlink")
			if _, err := purego.Dlsym(h, "sem_timedwait"); err == nil {
				purego.RegisterLibFunc(&l.timedwait, h, "sem_timedwait")
			}
			errnoSym := "__errno_location"
			if runtime.GOOS == "darwin" {
				errnoSym = "__error"
			}
			if _, err := purego.Dlsym(h, errnoSym); err == nil {
				purego.RegisterLibFunc(&l.errno, h, errnoSym)
			}
			libc = l
			return
		}
		libcErr = fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
	})
	return libc, libcErr
}

// Available reports whether this host can run the mailbox transport.
func Available() error {
	_, err := loadLibc()
	return err
}

// lastErrno must run on the thread that made the failing call.
func (l *libcSem) lastErrno() syscall.Errno {
	if l.errno == nil {
		return syscall.EIO
	}
	if p := l.errno(); p != 0 {
		return syscall.Errno(*(*int32)(unsafe.Pointer(p))) //nolint:govet
	}
	return syscall.EIO
}

// Semaphore is a POSIX named semaphore.
type Semaphore struct {
	name string
	lib  *libcSem

	mu  sync.RWMutex
	ptr uintptr
}

func semName(name string) string {
	return "/" + name
}

func semFailed(p uintptr) bool {
	return p == 0 || p == ^uintptr(0)
}

// CreateSemaphore creates a new semaphore with the given initial value.
// It fails if the name already exists.
func CreateSemaphore(name string, value uint32) (*Semaphore, error) {
	return openSemaphore(name, unix.O_CREAT|unix.O_EXCL, value)
}

// OpenSemaphore opens an existing semaphore.
func OpenSemaphore(name string) (*Semaphore, error) {
	return openSemaphore(name, 0, 0)
}

func openSemaphore(name string, oflag int, value uint32) (*Semaphore, error) {
	lib, err := loadLibc()
	if err != nil {
		return nil, err
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	p := lib.open(semName(name), int32(oflag), 0o600, value)
	if semFailed(p) {
		return nil, fmt.Errorf("shm: sem_open %s: %w", name, lib.lastErrno())
	}
	return &Semaphore{name: name, lib: lib, ptr: p}, nil
}

func (s *Semaphore) Name() string {
	return s.name
}

// Wait blocks until the semaphore is acquired or ctx ends.
func (s *Semaphore) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := s.waitFor(pollInterval)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

// waitFor makes one bounded wait. It reports false on timeout.
func (s *Semaphore) waitFor(d time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ptr == 0 {
		return false, ErrSemClosed
	}
	if s.lib.timedwait == nil {
		return s.pollTry(d)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	deadline := unix.NsecToTimespec(time.Now().Add(d).UnixNano())
	for {
		if s.lib.timedwait(s.ptr, &deadline) == 0 {
			return true, nil
		}
		switch errno := s.lib.lastErrno(); errno {
		case syscall.EINTR:
			continue
		case syscall.ETIMEDOUT:
			return false, nil
		default:
			return false, fmt.Errorf("shm: sem_timedwait %s: %w", s.name, errno)
		}
	}
}

// pollTry covers platforms without sem_timedwait.
func (s *Semaphore) pollTry(d time.Duration) (bool, error) {
	deadline := time.Now().Add(d)
	step := 100 * time.Microsecond
	for {
		runtime.LockOSThread()
		rc := s.lib.trywait(s.ptr)
		errno := syscall.Errno(0)
		if rc != 0 {
			errno = s.lib.lastErrno()
		}
		runtime.UnlockOSThread()
		if rc == 0 {
			return true, nil
		}
		if errno != syscall.EAGAIN && errno != syscall.EINTR {
			return false, fmt.Errorf("shm: sem_trywait %s: %w", s.name, errno)
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(step)
		if step < 5*time.Millisecond {
			step *= 2
		}
	}
}

func (s *Semaphore) Post() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ptr == 0 {
		return ErrSemClosed
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if s.lib.post(s.ptr) != 0 {
		return fmt.Errorf("shm: sem_post %s: %w", s.name, s.lib.lastErrno())
	}
	return nil
}

// Close drops this process' reference. Waiters in other processes are
// unaffected.
func (s *Semaphore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptr == 0 {
		return nil
	}
	rc := s.lib.close(s.ptr)
	s.ptr = 0
	if rc != 0 {
		return fmt.Errorf("shm: sem_close %s: failed", s.name)
	}
	return nil
}

// Unlink removes the name; a missing name is not an error.
func (s *Semaphore) Unlink() error {
	return UnlinkSemaphore(s.name)
}

func UnlinkSemaphore(name string) error {
	lib, err := loadLibc()
	if err != nil {
		return err
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if lib.unlink(semName(name)) != 0 {
		if errno := lib.lastErrno(); errno != syscall.ENOENT {
			return fmt.Errorf("shm: sem_unlink %s: %w", name, errno)
		}
	}
	return nil
}
