// Package applog persists plugin stderr output in a bbolt database, one
// bucket per service.
package applog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var ErrClosed = errors.New("applog: store closed")

// Entry is one stored line.
type Entry struct {
	Time time.Time `json:"time"`
	Line string    `json:"line"`
}

// Store keeps the database open for the lifetime of the daemon.
type Store struct {
	state sync.RWMutex
	db    *bbolt.DB

	mu  sync.Mutex
	seq uint32
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("applog: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// key orders entries by time; the counter breaks ties within one nanosecond.
func (s *Store) key(t time.Time) []byte {
	s.mu.Lock()
	s.seq++
	n := s.seq
	s.mu.Unlock()
	k := make([]byte, 12)
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano()))
	binary.BigEndian.PutUint32(k[8:], n)
	return k
}

// Store saves line for service at t.
func (s *Store) Store(service string, t time.Time, line string) error {
	s.state.RLock()
	defer s.state.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	k := s.key(t)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(service))
		if err != nil {
			return fmt.Errorf("applog: bucket %s: %w", service, err)
		}
		return b.Put(k, []byte(line))
	})
}

// LogsSince returns the entries for service at or after t, oldest first.
func (s *Store) LogsSince(service string, t time.Time) ([]Entry, error) {
	s.state.RLock()
	defer s.state.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	logs := make([]Entry, 0)
	start := make([]byte, 8)
	if t.UnixNano() > 0 {
		binary.BigEndian.PutUint64(start, uint64(t.UnixNano()))
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(service))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			if len(k) < 8 {
				continue
			}
			logs = append(logs, Entry{
				Time: time.Unix(0, int64(binary.BigEndian.Uint64(k[:8]))),
				Line: string(v),
			})
		}
		return nil
	})
	return logs, err
}

// Services lists the services that have stored output.
func (s *Store) Services() ([]string, error) {
	s.state.RLock()
	defer s.state.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			out = append(out, string(name))
			return nil
		})
	})
	return out, err
}

// Drop deletes everything stored for service.
func (s *Store) Drop(service string) error {
	s.state.RLock()
	defer s.state.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(service))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (s *Store) Close() error {
	s.state.Lock()
	defer s.state.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Writer returns an io.Writer that stores each complete line written to it
// under service. Partial lines are held until the newline arrives.
func (s *Store) Writer(service string) io.Writer {
	return &lineWriter{store: s, service: service}
}

type lineWriter struct {
	store   *Store
	service string

	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf[:i], "\r"))
		w.buf = w.buf[i+1:]
		if line == "" {
			continue
		}
		if err := w.store.Store(w.service, time.Now(), line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
