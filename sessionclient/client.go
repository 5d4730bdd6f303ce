// Package sessionclient implements the persistent-connection client used
// to talk to the account, message, and judge servers. One Client owns one
// TCP connection to one remote endpoint and provides:
//
//   - connect/reconnect lifecycle with an explicit state machine
//   - inbound frame decoding via a single reader goroutine
//   - strictly positional (FIFO) request/response correlation: the remote
//     servers echo no correlation id, so each inbound frame resolves the
//     oldest outstanding SendAndWait, whatever its tag
//   - an advisory per-connection lock with a FIFO waiter queue and direct
//     hand-off, which multi-frame conversations must hold so their frames
//     never interleave with another conversation's on the shared socket
//
// Frames that arrive with no outstanding request are surfaced through the
// event handler rather than dropped.
package sessionclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyberinferno/judge-dispatch/protocol"
)

// State represents the connection lifecycle state of a Client.
type State int

const (
	Disconnected State = iota // No socket; reconnect may be scheduled
	Connecting                // Dial in progress
	Connected                 // Socket established, reader running
	Faulted                   // Dial failed; transient, reconnect scheduled
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Faulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

var (
	// ErrNotConnected is returned by send primitives when the client has
	// no established connection.
	ErrNotConnected = errors.New("sessionclient: not connected")

	// ErrConnectionLost fails every outstanding request and queued lock
	// waiter when the connection drops.
	ErrConnectionLost = errors.New("sessionclient: connection lost")

	// ErrTimeout is returned by SendAndWait when no response frame
	// arrives within the request timeout.
	ErrTimeout = errors.New("sessionclient: request timeout")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("sessionclient: client closed")

	// ErrAlreadyConnected is returned by Connect when a connection is
	// already established or in progress; the call is a no-op.
	ErrAlreadyConnected = errors.New("sessionclient: already connected or connecting")
)

// Response is the status tag and body of one inbound frame. The tag is
// auxiliary information; it plays no part in correlation.
type Response struct {
	Tag  byte
	Body string
}

// EventHandler receives frames that arrived with no outstanding request.
// Handlers are invoked from their own goroutines and must be safe for
// concurrent use.
type EventHandler func(Response)

// Config holds the settings for one Client.
type Config struct {
	// Name identifies the client in logs, e.g. "account" or "3_submit".
	Name string
	// Addr is the "host:port" of the remote endpoint.
	Addr string
	// AutoReconnect enables reconnect scheduling after a lost connection
	// or failed dial.
	AutoReconnect bool
	// ReconnectDelay is the wait before a reconnect attempt. Default 10s.
	ReconnectDelay time.Duration
	// RequestTimeout bounds each SendAndWait. Default 15s.
	RequestTimeout time.Duration
	// ConnectTimeout bounds the dial. Default 10s.
	ConnectTimeout time.Duration
}

type callResult struct {
	resp Response
	err  error
}

type pendingCall struct {
	ch chan callResult
}

// Client is the persistent session client. It is safe for concurrent use;
// see Acquire for the conversation-level discipline callers must follow.
type Client struct {
	cfg Config
	log zerolog.Logger

	mu            sync.Mutex
	state         State
	conn          net.Conn
	gen           int // connection generation; stale reader callbacks are ignored
	pending       []*pendingCall
	locked        bool
	waiters       []chan error
	reconnect     *time.Timer
	autoReconnect bool
	closed        bool
	onEvent       EventHandler

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a Client in Disconnected state. Call Connect to establish
// the connection.
//
// Parameters:
//   - cfg: Connection settings; zero durations take the documented defaults
//   - log: Logger; the client derives a scoped logger tagged with cfg.Name
//
// Returns:
//   - A new *Client ready for Connect
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	return &Client{
		cfg:           cfg,
		log:           log.With().Str("client", cfg.Name).Str("addr", cfg.Addr).Logger(),
		state:         Disconnected,
		autoReconnect: cfg.AutoReconnect,
	}
}

// OnEvent registers the handler for unsolicited frames. Repeated calls
// replace the previous handler; pass nil to clear it.
func (c *Client) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = handler
}

// Name returns the client's log name.
func (c *Client) Name() string { return c.cfg.Name }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the client is in Connected state.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// AutoReconnect reports whether reconnect scheduling is enabled.
func (c *Client) AutoReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoReconnect && !c.closed
}

// Connect dials the remote endpoint. It is a no-op returning
// ErrAlreadyConnected when a connection is established or in progress.
// On dial failure the client enters Faulted state and, if AutoReconnect
// is enabled, schedules a new attempt after ReconnectDelay.
//
// Returns:
//   - nil on success; ErrClosed, ErrAlreadyConnected, or the dial error
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.stopReconnectLocked()
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.Dial("tcp", c.cfg.Addr)
	if err != nil {
		c.mu.Lock()
		c.state = Faulted
		c.scheduleReconnectLocked()
		c.mu.Unlock()

		c.log.Warn().Err(err).Msg("connect failed")
		return err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(10 * time.Second)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.state = Connected
	c.mu.Unlock()

	c.log.Info().Msg("connected")

	c.wg.Add(1)
	go c.readLoop(conn, gen)

	return nil
}

// Close permanently shuts the client down: auto-reconnect is disabled,
// the socket is closed, and every outstanding request and queued lock
// waiter fails with ErrConnectionLost. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.autoReconnect = false
	c.stopReconnectLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = Disconnected
	pend, waiters := c.takeContinuationsLocked()
	c.mu.Unlock()

	failContinuations(pend, waiters, ErrConnectionLost)
	c.wg.Wait()

	c.log.Info().Msg("closed")
	return nil
}

// SendOnly writes one frame without registering a response continuation.
// It resolves once the write is handed to the OS.
//
// Parameters:
//   - cmd: The command tag
//   - data: The frame body; may be empty
//
// Returns:
//   - nil on success; ErrNotConnected or the write error
func (c *Client) SendOnly(cmd byte, data string) error {
	return c.writeFrame(cmd, data)
}

// SendAndWait writes one frame and waits for the response that positional
// correlation assigns to it: the next inbound frame not claimed by an
// older outstanding request. Callers running multi-frame conversations
// must hold the advisory lock across all of them.
//
// On timeout the continuation is removed from the FIFO set, so a late
// frame resolves the next outstanding request instead of this one.
//
// Parameters:
//   - ctx: Bounds the wait in addition to RequestTimeout
//   - cmd: The command tag
//   - data: The frame body; may be empty
//
// Returns:
//   - The response frame's tag and body
//   - ErrNotConnected, ErrTimeout, ErrConnectionLost, a context error,
//     or a write error
func (c *Client) SendAndWait(ctx context.Context, cmd byte, data string) (Response, error) {
	p := &pendingCall{ch: make(chan callResult, 1)}

	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return Response{}, ErrNotConnected
	}
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	if err := c.writeFrame(cmd, data); err != nil {
		c.removePending(p)
		return Response{}, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		return r.resp, r.err
	case <-timer.C:
		c.removePending(p)
		return Response{}, ErrTimeout
	case <-ctx.Done():
		c.removePending(p)
		return Response{}, ctx.Err()
	}
}

// Acquire takes the per-connection advisory lock, queueing FIFO behind
// other waiters. There is no built-in acquisition timeout; waiters queue
// until the lock is handed over, the caller's context expires, or the
// connection is lost, which fails them with ErrConnectionLost. Release
// hands the lock directly to the next waiter with no re-contention
// window.
//
// Parameters:
//   - ctx: Bounds the wait; callers wanting the unbounded policy pass a
//     background context
//
// Returns:
//   - nil once the lock is held; ErrClosed, ErrConnectionLost, or a
//     context error otherwise
func (c *Client) Acquire(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.locked {
		c.locked = true
		c.mu.Unlock()
		return nil
	}

	w := make(chan error, 1)
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		for i, q := range c.waiters {
			if q == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				c.mu.Unlock()
				return ctx.Err()
			}
		}
		c.mu.Unlock()
		// The hand-off raced the context: the lock is ours or the
		// connection died. Give it back if we got it.
		if err := <-w; err == nil {
			c.Release()
		}
		return ctx.Err()
	}
}

// Release gives up the advisory lock. If waiters are queued, the lock is
// handed directly to the oldest one.
func (c *Client) Release() {
	c.mu.Lock()
	if len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		c.mu.Unlock()
		w <- nil
		return
	}
	c.locked = false
	c.mu.Unlock()
}

func (c *Client) writeFrame(cmd byte, data string) error {
	c.mu.Lock()
	if c.state != Connected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err := conn.Write(protocol.Encode(cmd, data))
	c.writeMu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Msg("write failed")
		// The reader will observe the closed socket and run the
		// disconnect path exactly once.
		_ = conn.Close()
	}

	return err
}

// readLoop is the single reader for one connection generation. It
// accumulates bytes, decodes complete frames, and resolves them against
// the FIFO pending set.
func (c *Client) readLoop(conn net.Conn, gen int) {
	defer c.wg.Done()

	var buf []byte
	chunk := make([]byte, 4096)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame, consumed, derr := protocol.Decode(buf)
				if derr != nil {
					if errors.Is(derr, protocol.ErrIncomplete) {
						break
					}
					// Fatal framing error: the stream can no longer be
					// trusted to be frame-aligned.
					c.log.Error().Err(derr).Msg("framing error, dropping connection")
					_ = conn.Close()
					c.handleDisconnect(gen, derr)
					return
				}
				buf = buf[consumed:]
				c.dispatchFrame(frame)
			}
		}
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
	}
}

// dispatchFrame resolves one inbound frame against the oldest pending
// continuation, or surfaces it as an event when none is outstanding.
func (c *Client) dispatchFrame(frame protocol.Frame) {
	resp := Response{Tag: frame.Tag, Body: frame.Body}

	c.mu.Lock()
	if len(c.pending) > 0 {
		p := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		p.ch <- callResult{resp: resp}
		return
	}
	handler := c.onEvent
	c.mu.Unlock()

	if handler != nil {
		go handler(resp)
	} else {
		c.log.Debug().Str("tag", string(frame.Tag)).Msg("unsolicited frame dropped")
	}
}

// handleDisconnect runs the transition into Disconnected: it fails every
// pending continuation and queued lock waiter, and schedules a reconnect
// when enabled. Calls for stale connection generations are ignored.
func (c *Client) handleDisconnect(gen int, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = Disconnected
	pend, waiters := c.takeContinuationsLocked()
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.log.Warn().Err(cause).Int("failed_requests", len(pend)).Msg("disconnected")
	failContinuations(pend, waiters, ErrConnectionLost)
}

func (c *Client) takeContinuationsLocked() ([]*pendingCall, []chan error) {
	pend := c.pending
	c.pending = nil
	waiters := c.waiters
	c.waiters = nil
	return pend, waiters
}

func failContinuations(pend []*pendingCall, waiters []chan error, err error) {
	for _, p := range pend {
		p.ch <- callResult{err: err}
	}
	for _, w := range waiters {
		w <- err
	}
}

func (c *Client) removePending(p *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *Client) scheduleReconnectLocked() {
	if !c.autoReconnect || c.closed {
		return
	}
	c.stopReconnectLocked()
	c.reconnect = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		_ = c.Connect()
	})
}

func (c *Client) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}
