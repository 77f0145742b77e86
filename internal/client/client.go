// Package client connects to a capd daemon and issues commands over the
// shared-memory mailboxes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/capd/internal/plugin"
	"github.com/danmuck/capd/internal/protocol"
	"github.com/danmuck/capd/internal/protocol/frame"
	"github.com/danmuck/capd/internal/shm"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoResponse means ctx ended before the daemon answered. The daemon
	// stays silent for unknown names and handles, so callers see this too.
	ErrNoResponse = errors.New("client: no response")
	ErrClosed     = errors.New("client: connection closed")
	ErrHandshake  = errors.New("client: handshake failed")
)

const (
	DefaultRequestCapacity = 10 * 1024
	peerCheckEvery         = 250 * time.Millisecond
)

type Options struct {
	RequestCapacity int
	Backoff         shm.BackoffConfig
	DialTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.RequestCapacity <= 0 {
		o.RequestCapacity = DefaultRequestCapacity
	}
	o.Backoff = o.Backoff.WithDefaults()
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	return o
}

// Registration is a REGISTER answer. Spec is nil when the daemon withholds
// metadata for a service some other client already loaded.
type Registration struct {
	Handle uint64
	Spec   plugin.Metadata
}

type Client struct {
	id  string
	req *shm.Mailbox
	res *shm.Mailbox

	seq    atomic.Uint32
	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewID returns a fresh 16-character connection id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:shm.IDLen]
}

// Dial performs the bootstrap handshake with the daemon at addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	id := NewID()
	req, err := shm.CreateMailbox(shm.RequestName(id), opts.RequestCapacity+1, opts.Backoff)
	if err != nil {
		return nil, err
	}
	res, err := handshake(ctx, addr, id, opts)
	if err != nil {
		_ = req.Destroy()
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:      id,
		req:     req,
		res:     res,
		pending: make(map[uint32]chan []byte),
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.watchPeer()
	go c.readLoop()
	log.Debug().Str("id", id).Str("addr", addr).Msg("client.dial connected")
	return c, nil
}

func handshake(ctx context.Context, addr, id string, opts Options) (*shm.Mailbox, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer nc.Close()
	deadline := time.Now().Add(opts.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = nc.SetDeadline(deadline)

	if _, err := nc.Write([]byte(id)); err != nil {
		return nil, fmt.Errorf("%w: send id: %v", ErrHandshake, err)
	}
	echo := make([]byte, shm.IDLen)
	if _, err := io.ReadFull(nc, echo); err != nil {
		return nil, fmt.Errorf("%w: read echo: %v", ErrHandshake, err)
	}
	if !bytes.Equal(echo, []byte(id)) {
		return nil, fmt.Errorf("%w: echo mismatch", ErrHandshake)
	}
	res, err := shm.OpenMailbox(shm.ResponseName(id), opts.Backoff)
	if err != nil {
		return nil, fmt.Errorf("%w: open response mailbox: %v", ErrHandshake, err)
	}
	if _, err := nc.Write([]byte("ready")); err != nil {
		_ = res.Close()
		return nil, fmt.Errorf("%w: send trigger: %v", ErrHandshake, err)
	}
	return res, nil
}

func (c *Client) ID() string {
	return c.id
}

// Done is closed once the response loop stops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the response loop stopped.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) watchPeer() {
	t := time.NewTicker(peerCheckEvery)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if c.res.PeerGone() {
				c.cancel()
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		err := c.res.Take(c.ctx, func(slot []byte) error {
			h, payload, err := frame.DecodeResponse(slot)
			if err != nil {
				return err
			}
			// the slot is reused once Take returns
			c.deliver(h.Seq, append([]byte(nil), payload...))
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				err = ErrClosed
			}
			c.err = err
			c.cancel()
			return
		}
	}
}

func (c *Client) deliver(seq uint32, payload []byte) {
	c.mu.Lock()
	ch, ok := c.pending[seq]
	delete(c.pending, seq)
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("id", c.id).Uint32("seq", seq).Msg("client.read unmatched response")
		return
	}
	ch <- payload
}

// Raw sends one frame without waiting for an answer and returns its
// sequence number.
func (c *Client) Raw(ctx context.Context, cmd frame.Command, payload []byte) (uint32, error) {
	seq := c.seq.Add(1)
	return seq, c.send(ctx, seq, cmd, payload)
}

func (c *Client) send(ctx context.Context, seq uint32, cmd frame.Command, payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.req.Put(ctx, frame.RequestHeaderLen+len(payload), func(slot []byte) (int, error) {
		return frame.EncodeRequest(slot, seq, cmd, payload)
	})
}

// roundTrip sends a frame and waits for the response with the same
// sequence number.
func (c *Client) roundTrip(ctx context.Context, cmd frame.Command, payload []byte) ([]byte, error) {
	seq := c.seq.Add(1)
	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.pending[seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, seq, cmd, payload); err != nil {
		return nil, err
	}
	select {
	case p := <-ch:
		return p, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: seq=%d cmd=%s: %v", ErrNoResponse, seq, cmd, ctx.Err())
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) Alive(ctx context.Context) error {
	p, err := c.roundTrip(ctx, frame.CmdAlive, nil)
	if err != nil {
		return err
	}
	if len(p) != 0 {
		return fmt.Errorf("client: alive answered with %d bytes", len(p))
	}
	return nil
}

func (c *Client) Register(ctx context.Context, name string) (Registration, error) {
	payload, err := protocol.EncodeName(name)
	if err != nil {
		return Registration{}, err
	}
	p, err := c.roundTrip(ctx, frame.CmdRegister, payload)
	if err != nil {
		return Registration{}, err
	}
	res, err := protocol.DecodeRegisterResponse(p)
	if err != nil {
		return Registration{}, err
	}
	return Registration{Handle: res.Sig, Spec: res.Spec}, nil
}

// Unregister releases the newest handle this connection holds for name.
// The daemon sends no answer.
func (c *Client) Unregister(ctx context.Context, name string) error {
	payload, err := protocol.EncodeName(name)
	if err != nil {
		return err
	}
	_, err = c.Raw(ctx, frame.CmdUnregister, payload)
	return err
}

// Args encodes positional call arguments.
func Args(values ...any) (json.RawMessage, error) {
	if len(values) == 0 {
		return nil, nil
	}
	return json.Marshal(values)
}

// Call invokes fn with positional args and returns its string result.
func (c *Client) Call(ctx context.Context, sig uint64, fn string, args ...any) (string, error) {
	raw, err := Args(args...)
	if err != nil {
		return "", err
	}
	return c.CallRaw(ctx, sig, fn, raw)
}

// CallRaw invokes fn with pre-encoded args in any form the daemon accepts.
func (c *Client) CallRaw(ctx context.Context, sig uint64, fn string, args json.RawMessage) (string, error) {
	payload, err := protocol.EncodeCall(protocol.CallRequest{Sig: sig, Func: fn, Args: args})
	if err != nil {
		return "", err
	}
	p, err := c.roundTrip(ctx, frame.CmdCall, payload)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// OneWay invokes fn and discards the result.
func (c *Client) OneWay(ctx context.Context, sig uint64, fn string, args ...any) error {
	raw, err := Args(args...)
	if err != nil {
		return err
	}
	payload, err := protocol.EncodeCall(protocol.CallRequest{Sig: sig, Func: fn, Args: raw})
	if err != nil {
		return err
	}
	_, err = c.Raw(ctx, frame.CmdOneWay, payload)
	return err
}

// ChainCall runs steps as one chain and returns the last step's result.
// Use ResultRef to feed an earlier result into a later step.
func (c *Client) ChainCall(ctx context.Context, steps []protocol.CallRequest) (string, error) {
	payload, err := protocol.EncodeChain(steps)
	if err != nil {
		return "", err
	}
	p, err := c.roundTrip(ctx, frame.CmdChainCall, payload)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// ResultRef is the argument placeholder for the result of an earlier
// chain step.
func ResultRef(sig uint64, fn string) string {
	return protocol.ResultRef(sig, fn)
}

// Close stops the response loop and removes the request mailbox.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return errors.Join(c.req.Destroy(), c.res.Close())
}
