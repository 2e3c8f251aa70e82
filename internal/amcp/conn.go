// SPDX-License-Identifier: MIT

package amcp

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// State is the lifecycle state of one Conn.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBusy
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBusy:
		return "busy"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// queueCapacity bounds the FIFO of queued batches per connection. The
// control plane never has more in-flight batches than there are effective
// slots (at most 20), so this is never a practical limit; when it is full,
// Send blocks until its context is done instead of growing memory without
// bound.
const queueCapacity = 256

// Result is the outcome of dispatching one batch.
type Result struct {
	Replies []Reply
}

type request struct {
	batch    *Batch
	resultCh chan requestResult
}

type requestResult struct {
	result Result
	err    error
}

// DialFunc opens a TCP connection to addr. Tests substitute this with a
// net.Pipe-backed dialer standing in for the remote engine.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Conn owns a persistent TCP session to one remote playout engine and
// serializes batches onto it one at a time, reconnecting with backoff on
// transport failure. One Conn exists per unique (host, port) referenced by
// any effective slot.
type Conn struct {
	addr   string
	dialFn DialFunc
	logger *slog.Logger
	audit  *AuditLog

	backoff *Backoff

	mu      sync.Mutex
	state   State
	netConn net.Conn
	reader  *bufio.Reader
	queue   chan *request
}

// NewConn creates a Conn for addr. If dialFn is nil, net.Dial("tcp", addr)
// is used. If logger is nil, log lines are discarded (nil-safe, matching
// the logging convention used throughout this codebase).
func NewConn(addr string, dialFn DialFunc, logger *slog.Logger, audit *AuditLog) *Conn {
	if dialFn == nil {
		dialFn = func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Conn{
		addr:    addr,
		dialFn:  dialFn,
		logger:  logger,
		audit:   audit,
		backoff: NewBackoff(500*time.Millisecond, 10*time.Second),
		queue:   make(chan *request, queueCapacity),
		state:   StateDisconnected,
	}
}

// Addr returns the (host, port) address this connection serves.
func (c *Conn) Addr() string {
	return c.addr
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) logf(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Info(msg, args...)
	}
}

// Send enqueues batch for dispatch and blocks until it completes or ctx is
// cancelled. A batch still queued when Run returns gets no result, so Send
// then waits for ctx. Batches from distinct
// slots on the same connection are processed strictly in submission
// order; batches on distinct connections proceed independently.
func (c *Conn) Send(ctx context.Context, batch *Batch) (Result, error) {
	req := &request{batch: batch, resultCh: make(chan requestResult, 1)}

	select {
	case c.queue <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case res := <-req.resultCh:
		return res.result, res.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Name satisfies the suture.Service / supervisor.Service interface.
func (c *Conn) Name() string {
	return "amcp-conn:" + c.addr
}

// Run is the connection's long-lived service loop: connect, then drain the
// queue one batch at a time, reconnecting with backoff whenever a
// NetworkError or ProtocolError is seen. It returns when ctx is cancelled.
func (c *Conn) Run(ctx context.Context) error {
	defer c.closeNet()

	for {
		if c.netConn == nil {
			if err := c.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue // connect() already waited out the backoff
			}
		}

		var req *request
		select {
		case req = <-c.queue:
		case <-ctx.Done():
			return ctx.Err()
		}

		c.setState(StateBusy)
		result, err := c.dispatch(req.batch)
		if err != nil {
			if isConnLevel(err) {
				req.resultCh <- requestResult{err: err}
				c.handleConnLoss(err)
				continue
			}
			// RemoteError: the connection is healthy, the command was
			// simply rejected. Deliver the partial result alongside the
			// error so callers can attribute the failure to the specific
			// reply that caused it.
			req.resultCh <- requestResult{result: result, err: err}
			c.setState(StateConnected)
			continue
		}

		c.backoff.Reset()
		c.setState(StateConnected)
		req.resultCh <- requestResult{result: result}
	}
}

func isConnLevel(err error) bool {
	switch err.(type) {
	case *NetworkError, *ProtocolError:
		return true
	default:
		return false
	}
}

// handleConnLoss drops the socket, drains any queued batches with
// NetworkError (the channel never silently swallows a reconnect failure),
// and transitions to reconnecting. The next loop iteration reconnects.
func (c *Conn) handleConnLoss(cause error) {
	c.logf("amcp connection lost, reconnecting", "addr", c.addr, "error", cause)
	c.closeNet()
	c.setState(StateReconnecting)

	netErr := &NetworkError{Addr: c.addr, Err: cause}
	for {
		select {
		case pending := <-c.queue:
			pending.resultCh <- requestResult{err: netErr}
		default:
			return
		}
	}
}

func (c *Conn) connect(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, err := c.dialFn(ctx, c.addr)
	if err != nil {
		c.logf("amcp dial failed", "addr", c.addr, "error", err, "attempt", c.backoff.Attempts()+1)
		if werr := c.backoff.Wait(ctx); werr != nil {
			return werr
		}
		c.backoff.RecordFailure()
		return err
	}

	c.mu.Lock()
	c.netConn = conn
	c.reader = bufio.NewReader(conn)
	c.mu.Unlock()

	c.backoff.Reset()
	c.setState(StateConnected)
	c.logf("amcp connected", "addr", c.addr)
	return nil
}

func (c *Conn) closeNet() {
	c.mu.Lock()
	conn := c.netConn
	c.netConn = nil
	c.reader = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// dispatch writes every line of batch to the wire and reads one reply per
// line. The batch as a whole fails with the first non-success reply (a
// RemoteError), but every reply is still read off the wire so the
// connection stays synchronized with the remote's transaction semantics.
func (c *Conn) dispatch(b *Batch) (Result, error) {
	lines := b.Lines()
	if len(lines) == 0 {
		return Result{}, nil
	}

	c.mu.Lock()
	conn := c.netConn
	reader := c.reader
	c.mu.Unlock()

	if conn == nil {
		return Result{}, &NetworkError{Addr: c.addr, Err: fmt.Errorf("not connected")}
	}

	if c.audit != nil {
		c.audit.Record(c.addr, lines)
	}

	var replies []Reply
	var firstRemoteErr error

	for _, line := range lines {
		if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
			return Result{}, &NetworkError{Addr: c.addr, Err: err}
		}

		reply, err := ReadReply(reader, c.addr)
		if err != nil {
			return Result{}, err
		}
		replies = append(replies, reply)

		if !reply.Success() && firstRemoteErr == nil {
			firstRemoteErr = &RemoteError{Code: reply.Code, Message: reply.Message}
		}
	}

	if firstRemoteErr != nil {
		return Result{Replies: replies}, firstRemoteErr
	}
	return Result{Replies: replies}, nil
}

// CallFrame sends a single CALL ... FRAME command outside of any DEFER
// envelope (the drift controller samples frames continuously and a
// one-line round trip is cheaper and has no atomicity requirement) and
// returns the parsed frame, or ok=false if the reply could not be parsed
// (a ParseError condition, treated as "drift unknown" by the caller).
func (c *Conn) CallFrame(ctx context.Context, l Layer) (frame int64, ok bool, err error) {
	b := NewQuery(c.addr, CallFrame(l))
	res, err := c.Send(ctx, b)
	if err != nil {
		return 0, false, err
	}
	if len(res.Replies) == 0 {
		return 0, false, nil
	}
	f, ok := ParseFrame(res.Replies[0])
	return f, ok, nil
}
