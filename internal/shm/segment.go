//go:build linux || darwin

package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	dirMu sync.RWMutex
	dir   = defaultDir()
)

func defaultDir() string {
	if runtime.GOOS == "linux" {
		return "/dev/shm"
	}
	return filepath.Join(os.TempDir(), "capd-shm")
}

// Dir returns the directory that backs segments.
func Dir() string {
	dirMu.RLock()
	defer dirMu.RUnlock()
	return dir
}

// SetDir points segment storage somewhere else. Both ends of a connection
// must agree on it.
func SetDir(path string) {
	dirMu.Lock()
	defer dirMu.Unlock()
	dir = path
}

// Segment is one mapped shared-memory region.
type Segment struct {
	name string
	path string
	fd   int
	mem  []byte
}

// CreateSegment creates a new zeroed segment of size bytes. It fails if the
// name is already taken.
func CreateSegment(name string, size int) (*Segment, error) {
	if size <= 1 {
		return nil, fmt.Errorf("shm: segment %s: size %d too small", name, size)
	}
	base := Dir()
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, fmt.Errorf("shm: segment dir: %w", err)
	}
	path := filepath.Join(base, name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("shm: size %s: %w", name, err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("shm: map %s: %w", name, err)
	}
	return &Segment{name: name, path: path, fd: fd, mem: mem}, nil
}

// OpenSegment maps an existing segment at its current size.
func OpenSegment(name string) (*Segment, error) {
	path := filepath.Join(Dir(), name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", name, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("shm: stat %s: %w", name, err)
	}
	if st.Size <= 1 {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("shm: open %s: segment not sized", name)
	}
	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("shm: map %s: %w", name, err)
	}
	return &Segment{name: name, path: path, fd: fd, mem: mem}, nil
}

func (s *Segment) Name() string {
	return s.name
}

func (s *Segment) Bytes() []byte {
	return s.mem
}

// Exists reports whether the backing name is still linked. A peer unlinks
// its segment when it goes away.
func (s *Segment) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *Segment) Close() error {
	var errs []error
	if s.mem != nil {
		errs = append(errs, unix.Munmap(s.mem))
		s.mem = nil
	}
	if s.fd >= 0 {
		errs = append(errs, unix.Close(s.fd))
		s.fd = -1
	}
	return errors.Join(errs...)
}

// Unlink removes the name. Mappings stay valid until closed.
func (s *Segment) Unlink() error {
	if err := unix.Unlink(s.path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("shm: unlink %s: %w", s.name, err)
	}
	return nil
}
