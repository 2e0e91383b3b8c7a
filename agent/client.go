package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmarsden/acolyte/acp"
	"github.com/tmarsden/acolyte/logger"
)

// Protocol-level failures surfaced by Client. Method-level failures from
// the agent come back as *acp.RequestError instead.
var (
	ErrNotInitialized = errors.New("client not initialized")
	ErrDisconnected   = errors.New("agent disconnected")
	ErrTimeout        = errors.New("request timed out")
	ErrClosed         = errors.New("client closed")
)

// DefaultCallTimeout bounds how long Call waits for a response when the
// caller's context carries no deadline of its own.
const DefaultCallTimeout = 60 * time.Second

// State tracks the client connection lifecycle. Transitions only move
// forward: Uninitialized → Handshaking → Ready → Closed.
type State int32

const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler services a request the agent sends to the client. Returning a
// *acp.RequestError produces a JSON-RPC error response; otherwise result
// is marshalled as the response payload.
type Handler func(ctx context.Context, params json.RawMessage) (any, *acp.RequestError)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout overrides the default per-call deadline.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithWireLog mirrors every frame sent and received to w, prefixed with
// the direction. The writer must tolerate concurrent writes.
func WithWireLog(w io.Writer) ClientOption {
	return func(c *Client) { c.wireLog = w }
}

// WithLogger overrides the client's logger.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// Client is one side of a newline-delimited JSON-RPC 2.0 conversation
// with an agent process. Outbound request ids are allocated from the
// client's own counter; inbound requests from the agent use the agent's
// counter and are matched only against inbound responses, so the two
// directions never collide.
type Client struct {
	w       io.Writer
	r       io.Reader
	log     *slog.Logger
	timeout time.Duration
	wireLog io.Writer

	writeMu sync.Mutex // serializes whole frames onto w

	state  atomic.Int32
	nextID atomic.Int64

	mu          sync.Mutex
	pending     map[int64]chan *acp.Message
	handlers    map[string]Handler
	subscribers map[int64]*subscriber
	nextSubID   int64

	// done is closed when the read loop exits; every blocked Call
	// observes it and fails with ErrDisconnected.
	done     chan struct{}
	doneOnce sync.Once

	// handlerCtx is cancelled on shutdown so in-flight inbound handlers
	// (a blocked terminal/wait_for_exit, say) unwind with the transport.
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	agentInfo *acp.InitializeResponse
}

// NewClient wraps an agent's stdin/stdout pair. Call Initialize before
// any other request.
func NewClient(w io.Writer, r io.Reader, opts ...ClientOption) *Client {
	c := &Client{
		w:           w,
		r:           r,
		log:         logger.WithComponent("transport"),
		timeout:     DefaultCallTimeout,
		pending:     make(map[int64]chan *acp.Message),
		handlers:    make(map[string]Handler),
		subscribers: make(map[int64]*subscriber),
		done:        make(chan struct{}),
	}
	c.handlerCtx, c.handlerCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// AgentInfo returns the initialize response, or nil before the handshake
// completes.
func (c *Client) AgentInfo() *acp.InitializeResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentInfo
}

// Handle registers a handler for a method the agent may call. Handlers
// run on their own goroutines; registering after Initialize is racy only
// in the sense that earlier requests for the method got MethodNotFound.
func (c *Client) Handle(method string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// Initialize performs the protocol handshake and moves the client to
// Ready. It may be called exactly once.
func (c *Client) Initialize(ctx context.Context, caps acp.ClientCapabilities) (*acp.InitializeResponse, error) {
	if !c.state.CompareAndSwap(int32(StateUninitialized), int32(StateHandshaking)) {
		return nil, fmt.Errorf("initialize in state %s", c.State())
	}

	req := acp.InitializeRequest{
		ProtocolVersion:    acp.ProtocolVersion,
		ClientCapabilities: caps,
	}
	var resp acp.InitializeResponse
	if err := c.call(ctx, acp.MethodInitialize, req, &resp); err != nil {
		// A failed handshake is unrecoverable for this client.
		c.state.CompareAndSwap(int32(StateHandshaking), int32(StateClosed))
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	if resp.ProtocolVersion > acp.ProtocolVersion {
		c.log.Warn("agent negotiated newer protocol version", "agent", resp.ProtocolVersion, "client", acp.ProtocolVersion)
	}

	c.mu.Lock()
	c.agentInfo = &resp
	c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateHandshaking), int32(StateReady)) {
		return nil, ErrDisconnected
	}
	c.log.Info("agent initialized", "protocolVersion", resp.ProtocolVersion)
	return &resp, nil
}

// Call sends a request and decodes the agent's result into result (which
// may be nil to discard it). An error response from the agent is returned
// as *acp.RequestError.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	switch c.State() {
	case StateReady:
	case StateClosed:
		return ErrDisconnected
	default:
		return fmt.Errorf("%w: call %s in state %s", ErrNotInitialized, method, c.State())
	}
	return c.call(ctx, method, params, result)
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID.Add(1)
	msg, err := acp.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *acp.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeMessage(msg); err != nil {
		return err
	}

	var timeoutCh <-chan time.Time
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-timeoutCh:
		return fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrDisconnected
	}
}

// Notify sends a notification; no response is expected or waited for.
func (c *Client) Notify(method string, params any) error {
	switch c.State() {
	case StateReady, StateHandshaking:
	case StateClosed:
		return ErrDisconnected
	default:
		return fmt.Errorf("%w: notify %s", ErrNotInitialized, method)
	}
	msg, err := acp.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.writeMessage(msg)
}

// writeMessage marshals msg and writes it as one newline-terminated
// frame. The write lock keeps concurrent frames from interleaving.
func (c *Client) writeMessage(msg *acp.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	c.logWire("->", data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *Client) logWire(dir string, frame []byte) {
	if c.wireLog == nil {
		return
	}
	fmt.Fprintf(c.wireLog, "%s %s\n", dir, frame)
}

// Close tears the client down without touching the process: pending
// calls fail with ErrDisconnected and subscriber channels close once
// drained. Closing the process pipes is the owner's job.
func (c *Client) Close() {
	c.shutdown()
}

func (c *Client) shutdown() {
	c.doneOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		c.handlerCancel()

		c.mu.Lock()
		subs := make([]*subscriber, 0, len(c.subscribers))
		for _, s := range c.subscribers {
			subs = append(subs, s)
		}
		c.subscribers = make(map[int64]*subscriber)
		c.mu.Unlock()

		for _, s := range subs {
			s.stop()
		}
	})
}

// readLoop consumes frames until the reader fails. It never blocks on
// downstream consumers: responses go to buffered pending channels,
// requests get their own goroutine, and notifications are queued per
// subscriber.
func (c *Client) readLoop() {
	defer c.shutdown()

	reader := bufio.NewReader(c.r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.handleFrame(line)
		}
		if err != nil {
			if err != io.EOF {
				c.log.Debug("read loop ended", "error", err)
			} else {
				c.log.Debug("agent closed stdout")
			}
			return
		}
	}
}

func (c *Client) handleFrame(line []byte) {
	c.logWire("<-", bytes.TrimRight(line, "\n"))

	var msg acp.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.log.Warn("dropping unparseable frame", "error", err)
		return
	}

	switch msg.Kind() {
	case acp.KindResponse:
		c.dispatchResponse(&msg)
	case acp.KindRequest:
		go c.dispatchRequest(&msg)
	case acp.KindNotification:
		c.dispatchNotification(&msg)
	default:
		c.log.Warn("dropping invalid frame", "method", msg.Method)
	}
}

func (c *Client) dispatchResponse(msg *acp.Message) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("response for unknown id", "id", *msg.ID)
		return
	}
	ch <- msg
}

// dispatchRequest services one agent-originated request. Runs on its own
// goroutine so a slow handler never stalls the read loop.
func (c *Client) dispatchRequest(msg *acp.Message) {
	c.mu.Lock()
	h, ok := c.handlers[msg.Method]
	c.mu.Unlock()

	if !ok {
		c.log.Debug("no handler for agent request", "method", msg.Method, "id", *msg.ID)
		c.respond(acp.NewErrorResponse(*msg.ID, acp.NewMethodNotFound(msg.Method)))
		return
	}

	result, reqErr := h(c.handlerCtx, msg.Params)
	if reqErr != nil {
		c.respond(acp.NewErrorResponse(*msg.ID, reqErr))
		return
	}
	resp, err := acp.NewResponse(*msg.ID, result)
	if err != nil {
		c.log.Error("failed to marshal handler result", "method", msg.Method, "error", err)
		c.respond(acp.NewErrorResponse(*msg.ID, acp.NewInternalError(err)))
		return
	}
	c.respond(resp)
}

func (c *Client) respond(msg *acp.Message) {
	if err := c.writeMessage(msg); err != nil {
		c.log.Debug("failed to write response", "id", msg.ID, "error", err)
	}
}

func (c *Client) dispatchNotification(msg *acp.Message) {
	if msg.Method == acp.MethodSessionUpdate {
		var note acp.SessionNotification
		if err := json.Unmarshal(msg.Params, &note); err != nil {
			c.log.Warn("dropping malformed session update", "error", err)
			return
		}
		c.mu.Lock()
		subs := make([]*subscriber, 0, len(c.subscribers))
		for _, s := range c.subscribers {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			s.enqueue(note)
		}
		return
	}

	c.mu.Lock()
	h, ok := c.handlers[msg.Method]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("dropping notification", "method", msg.Method)
		return
	}
	go func() {
		if _, reqErr := h(c.handlerCtx, msg.Params); reqErr != nil {
			c.log.Debug("notification handler failed", "method", msg.Method, "error", reqErr)
		}
	}()
}

// Subscribe returns a channel of session update notifications and an
// unsubscribe func. Updates are delivered in arrival order; a slow
// consumer delays only itself because each subscriber owns an unbounded
// queue drained by its own goroutine. The channel closes on unsubscribe
// or when the client shuts down.
func (c *Client) Subscribe() (<-chan acp.SessionNotification, func()) {
	s := newSubscriber()

	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	closed := c.State() == StateClosed
	if !closed {
		c.subscribers[id] = s
	}
	c.mu.Unlock()

	if closed {
		s.stop()
		return s.out, func() {}
	}

	unsubscribe := func() {
		c.mu.Lock()
		_, ok := c.subscribers[id]
		delete(c.subscribers, id)
		c.mu.Unlock()
		if ok {
			s.stop()
		}
	}
	return s.out, unsubscribe
}

// subscriber decouples the read loop from one consumer. enqueue never
// blocks; the forward goroutine drains the queue into out at the
// consumer's pace and closes out once stopped and drained.
type subscriber struct {
	mu      sync.Mutex
	queue   []acp.SessionNotification
	stopped bool
	signal  chan struct{}
	out     chan acp.SessionNotification
}

func newSubscriber() *subscriber {
	s := &subscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan acp.SessionNotification),
	}
	go s.forward()
	return s
}

func (s *subscriber) enqueue(note acp.SessionNotification) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, note)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// stop discards any queued backlog. The consumer is gone, so delivering
// the remainder would just block the forward goroutine.
func (s *subscriber) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) forward() {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			close(s.out)
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.signal
			continue
		}
		note := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		// The send races with stop(); a stopped consumer may or may
		// not receive this final note, which is fine.
		select {
		case s.out <- note:
		case <-s.signal:
			s.mu.Lock()
			if !s.stopped {
				// Signal was just a new enqueue; requeue the note at
				// the front to preserve order.
				s.queue = append([]acp.SessionNotification{note}, s.queue...)
				s.mu.Unlock()
				continue
			}
			s.mu.Unlock()
			close(s.out)
			return
		}
	}
}
