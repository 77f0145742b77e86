package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/capd/internal/observability"
	"github.com/danmuck/capd/internal/protocol/frame"
	"github.com/danmuck/capd/internal/registry"
	"github.com/danmuck/capd/internal/shm"
	"github.com/rs/zerolog/log"
)

const (
	maxTrigger     = 64
	outboxDepth    = 16
	peerCheckEvery = 250 * time.Millisecond
)

var ErrHandshake = errors.New("daemon: handshake failed")

type response struct {
	seq     uint32
	payload []byte
}

// conn is one bootstrapped client: the request mailbox it created, the
// response mailbox the daemon owns, and the handles issued through it.
type conn struct {
	id      string
	remote  string
	started time.Time
	req     *shm.Mailbox
	res     *shm.Mailbox

	ctx    context.Context
	cancel context.CancelFunc
	out    chan response

	mu      sync.Mutex
	handles map[string][]registry.Handle

	loops atomic.Int32
	done  chan struct{}
}

func (c *conn) alive() bool {
	return c.loops.Load() == 2
}

func (c *conn) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) track(name string, h registry.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[name] = append(c.handles[name], h)
}

// untrack pops the newest handle issued for name.
func (c *conn) untrack(name string) (registry.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs := c.handles[name]
	if len(hs) == 0 {
		return 0, false
	}
	h := hs[len(hs)-1]
	if len(hs) == 1 {
		delete(c.handles, name)
	} else {
		c.handles[name] = hs[:len(hs)-1]
	}
	return h, true
}

func (c *conn) info() ConnectionInfo {
	c.mu.Lock()
	names := make([]string, 0, len(c.handles))
	for name := range c.handles {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return ConnectionInfo{
		ID:       c.id,
		Remote:   c.remote,
		Alive:    c.alive(),
		Services: names,
		Started:  c.started.UTC().Format(time.RFC3339),
	}
}

// respond queues a response for the writer loop. It gives up once the
// connection is closing.
func (c *conn) respond(seq uint32, payload []byte) {
	select {
	case c.out <- response{seq: seq, payload: payload}:
	case <-c.ctx.Done():
	}
}

// handshake runs the three-step bootstrap: read the id and create the
// response mailbox, echo the id, read the trigger and open the request
// mailbox. Any failure closes only this socket.
func (s *Server) handshake(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stop()
	remote := nc.RemoteAddr().String()

	c, err := s.bootstrap(ctx, nc)
	if err != nil {
		result := "failed"
		if errors.Is(err, errAdmission) {
			result = "rejected"
		}
		observability.RecordHandshake(result)
		log.Warn().Err(err).Str("remote", remote).Msg("daemon.handshake aborted")
		return
	}
	observability.RecordHandshake("ok")
	c.remote = remote
	s.start(c)
	log.Info().Str("id", c.id).Str("remote", remote).Int("active", s.activeCount()).Msg("daemon.handshake connected")
}

var errAdmission = errors.New("daemon: connection limit reached")

func (s *Server) bootstrap(ctx context.Context, nc net.Conn) (*conn, error) {
	_ = nc.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	raw := make([]byte, shm.IDLen)
	if _, err := io.ReadFull(nc, raw); err != nil {
		return nil, fmt.Errorf("%w: read id: %v", ErrHandshake, err)
	}
	id := string(raw)
	if err := shm.ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := s.loops.TryReserve(2); err != nil {
		return nil, errAdmission
	}

	res, err := shm.CreateMailbox(shm.ResponseName(id), s.cfg.ResponseCapacity+1, s.cfg.Backoff)
	if err != nil {
		s.loops.Release(2)
		return nil, fmt.Errorf("%w: create response mailbox: %v", ErrHandshake, err)
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &conn{
		id:      id,
		started: time.Now(),
		res:     res,
		ctx:     cctx,
		cancel:  cancel,
		out:     make(chan response, outboxDepth),
		handles: make(map[string][]registry.Handle),
		done:    make(chan struct{}),
	}
	// the writer owns the response mailbox from here on; the reader waits
	// for the request mailbox
	c.loops.Store(2)
	s.loops.Spawn(func() { s.loopExit(c, s.writeLoop(c)) })
	fail := func(err error) (*conn, error) {
		s.loops.Release(1)
		s.loopExit(c, nil)
		<-c.done
		return nil, err
	}

	if _, err := nc.Write(raw); err != nil {
		return fail(fmt.Errorf("%w: echo id: %v", ErrHandshake, err))
	}
	trigger := make([]byte, maxTrigger)
	n, err := nc.Read(trigger)
	if n == 0 {
		return fail(fmt.Errorf("%w: read trigger: %v", ErrHandshake, err))
	}
	req, err := shm.OpenMailbox(shm.RequestName(id), s.cfg.Backoff)
	if err != nil {
		return fail(fmt.Errorf("%w: open request mailbox: %v", ErrHandshake, err))
	}
	if req.Capacity() < frame.RequestHeaderLen {
		_ = req.Close()
		return fail(fmt.Errorf("%w: request mailbox too small", ErrHandshake))
	}
	if ctx.Err() != nil {
		_ = req.Close()
		return fail(ctx.Err())
	}
	c.req = req
	return c, nil
}

// start registers the connection and spawns the reader on the slot still
// reserved from bootstrap.
func (s *Server) start(c *conn) {
	s.addConn(c)
	go s.watchPeer(c)
	s.loops.Spawn(func() { s.loopExit(c, s.readLoop(c)) })
}

// watchPeer ends the connection once the client unlinks its request
// mailbox, which is how a departed client is noticed.
func (s *Server) watchPeer(c *conn) {
	t := time.NewTicker(peerCheckEvery)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if c.req.PeerGone() {
				log.Info().Str("id", c.id).Msg("daemon.conn peer gone")
				c.cancel()
				return
			}
		}
	}
}

// loopExit stops the sibling loop; the last loop out tears the connection
// down.
func (s *Server) loopExit(c *conn, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("id", c.id).Msg("daemon.conn loop exit")
	}
	c.cancel()
	if c.loops.Add(-1) > 0 {
		return
	}
	s.cleanup(c)
}

// cleanup drops every handle the connection still holds and releases both
// mailboxes. The response mailbox is ours, so it is unlinked as well.
func (s *Server) cleanup(c *conn) {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[string][]registry.Handle)
	c.mu.Unlock()
	for name, hs := range handles {
		for _, h := range hs {
			s.registry.Unregister(name, h)
		}
	}
	var reqErr error
	if c.req != nil {
		reqErr = c.req.Close()
	}
	if err := errors.Join(reqErr, c.res.Destroy()); err != nil {
		log.Warn().Err(err).Str("id", c.id).Msg("daemon.cleanup mailbox release")
	}
	close(c.done)
	observability.SetActiveConnections(s.activeCount())
	log.Info().Str("id", c.id).Int("released", len(handles)).Msg("daemon.conn closed")
}

// writeLoop drains queued responses into the response mailbox. A response
// larger than the mailbox is dropped; the connection stays up.
func (s *Server) writeLoop(c *conn) error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case r := <-c.out:
			err := c.res.Put(c.ctx, frame.ResponseHeaderLen+len(r.payload), func(slot []byte) (int, error) {
				return frame.EncodeResponse(slot, r.seq, r.payload)
			})
			if errors.Is(err, shm.ErrTooLarge) {
				log.Warn().Str("id", c.id).Uint32("seq", r.seq).Int("size", len(r.payload)).Msg("daemon.write response dropped")
				continue
			}
			if err != nil {
				return fmt.Errorf("write seq=%d: %w", r.seq, err)
			}
		}
	}
}

// readLoop takes one frame at a time from the request mailbox and
// dispatches it. A frame that does not decode ends the connection.
func (s *Server) readLoop(c *conn) error {
	for {
		var (
			hdr     frame.RequestHeader
			payload []byte
		)
		err := c.req.Take(c.ctx, func(slot []byte) error {
			h, p, derr := frame.DecodeRequest(slot)
			if derr != nil {
				return derr
			}
			// the slot belongs to the client again once Take returns
			hdr, payload = h, append([]byte(nil), p...)
			return nil
		})
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		observability.RecordCommand(hdr.Command.String())
		if err := s.dispatch(c, hdr, payload); err != nil {
			return fmt.Errorf("dispatch seq=%d cmd=%s: %w", hdr.Seq, hdr.Command, err)
		}
	}
}
