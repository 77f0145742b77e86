package plugin

import (
	"bufio"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

//go:embed shim.py
var shimSource string

const scriptStopGrace = 2 * time.Second

var (
	errScriptFailed = errors.New("plugin: script call failed")
	ErrStartTimeout = errors.New("plugin: module host did not start in time")
)

type scriptRequest struct {
	Func   string                     `json:"func"`
	Kwargs map[string]json.RawMessage `json:"kwargs"`
}

type scriptReply struct {
	OK     bool   `json:"ok"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

// scriptHost owns one interpreter process for one loaded module. Calls are
// serialized over its stdin/stdout.
type scriptHost struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    *bufio.Reader
	done   chan struct{}
	closed bool
}

func startScript(entry string, opts Options) (*scriptHost, error) {
	python := strings.TrimSpace(opts.Python)
	if python == "" {
		python = "python3"
	}
	cmd := exec.Command(python, "-u", "-c", shimSource, entry)
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &scriptHost{
		cmd:   cmd,
		stdin: stdin,
		out:   bufio.NewReader(stdout),
		done:  make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()

	ready, err := h.awaitReady(opts.StartTimeout)
	if errors.Is(err, ErrStartTimeout) {
		_ = cmd.Process.Kill()
		<-h.done
		return nil, fmt.Errorf("%w: %s", err, entry)
	}
	if err != nil {
		_ = h.close()
		return nil, fmt.Errorf("module host handshake: %w", err)
	}
	if !ready.OK {
		_ = h.close()
		return nil, fmt.Errorf("module host: %s", ready.Error)
	}
	return h, nil
}

// awaitReady reads the host's first reply, giving up after timeout.
func (h *scriptHost) awaitReady(timeout time.Duration) (scriptReply, error) {
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	type ready struct {
		reply scriptReply
		err   error
	}
	ch := make(chan ready, 1)
	go func() {
		reply, err := h.readReply()
		ch <- ready{reply, err}
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-ch:
		return r.reply, r.err
	case <-t.C:
		return scriptReply{}, ErrStartTimeout
	}
}

func (h *scriptHost) call(name string, vals []Value) (string, error) {
	kwargs := make(map[string]json.RawMessage, len(vals))
	for _, v := range vals {
		kwargs[v.Name] = v.Raw
	}
	line, err := json.Marshal(scriptRequest{Func: name, Kwargs: kwargs})
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", ErrClosed
	}
	if _, err := h.stdin.Write(append(line, '\n')); err != nil {
		return "", err
	}
	reply, err := h.readReply()
	if err != nil {
		return "", err
	}
	if !reply.OK {
		return "", fmt.Errorf("%w: %s", errScriptFailed, reply.Error)
	}
	return reply.Result, nil
}

func (h *scriptHost) readReply() (scriptReply, error) {
	raw, err := h.out.ReadBytes('\n')
	if err != nil {
		return scriptReply{}, err
	}
	var reply scriptReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return scriptReply{}, err
	}
	return reply, nil
}

// close ends stdin so the host exits on its own, then kills it after a
// short grace period.
func (h *scriptHost) close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	_ = h.stdin.Close()
	select {
	case <-h.done:
		return nil
	case <-time.After(scriptStopGrace):
	}
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	<-h.done
	return nil
}
