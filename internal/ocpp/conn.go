package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultCallTimeout bounds how long an outbound call waits for the
	// charge point's response.
	DefaultCallTimeout = 60 * time.Second

	handlerTimeout = 30 * time.Second
)

var (
	ErrConnClosed  = errors.New("ocpp: connection closed")
	ErrCallTimeout = errors.New("ocpp: call timed out")
	ErrOffline     = errors.New("ocpp: charge point offline")
)

// Socket is the part of *websocket.Conn a Conn needs.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ConnectorLive is the in-memory state of one connector on a live connection.
type ConnectorLive struct {
	ConnectorID int             `json:"connectorId"`
	Status      ConnectorStatus `json:"status"`
	ErrorCode   string          `json:"errorCode,omitempty"`
	StatusAt    time.Time       `json:"statusAt"`
	LastMeterAt *time.Time      `json:"lastMeterAt,omitempty"`
}

type pendingCall struct {
	action   string
	deadline time.Time
	done     chan callResult
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// Conn is one live charge point connection.
type Conn struct {
	identity    string
	version     Version
	protocol    Dispatcher
	socket      Socket
	logger      *slog.Logger
	callTimeout time.Duration
	connectedAt time.Time

	writeMu sync.Mutex

	mu         sync.Mutex
	connectors map[int]ConnectorLive
	pending    map[string]*pendingCall

	closed    chan struct{}
	closeOnce sync.Once
}

type ConnOption func(*Conn)

func WithCallTimeout(d time.Duration) ConnOption {
	return func(c *Conn) { c.callTimeout = d }
}

func WithLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) { c.logger = l }
}

func NewConn(identity string, protocol Dispatcher, socket Socket, opts ...ConnOption) *Conn {
	c := &Conn{
		identity:    identity,
		version:     protocol.Version(),
		protocol:    protocol,
		socket:      socket,
		logger:      slog.Default(),
		callTimeout: DefaultCallTimeout,
		connectedAt: time.Now().UTC(),
		connectors:  make(map[int]ConnectorLive),
		pending:     make(map[string]*pendingCall),
		closed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("charge_point", identity, "ocpp_version", string(c.version))
	return c
}

func (c *Conn) Identity() string { return c.identity }
func (c *Conn) Version() Version { return c.version }
func (c *Conn) Protocol() Dispatcher { return c.protocol }
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) IsOpen() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Close closes the socket and fails every call still waiting for a response.
// It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.socket.Close(); err != nil {
			c.logger.Debug("socket close failed", "error", err)
		}
	})
}

func (c *Conn) ConnectorStatus(connectorID int) (ConnectorLive, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.connectors[connectorID]
	return st, ok
}

// Connectors returns the live connector states ordered by connector id.
func (c *Conn) Connectors() []ConnectorLive {
	c.mu.Lock()
	out := make([]ConnectorLive, 0, len(c.connectors))
	for _, st := range c.connectors {
		out = append(out, st)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out
}

func (c *Conn) SetConnectorStatus(connectorID int, status ConnectorStatus, errorCode string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.connectors[connectorID]
	st.ConnectorID = connectorID
	st.Status = status
	st.ErrorCode = errorCode
	st.StatusAt = at
	c.connectors[connectorID] = st
}

// TouchMeter records the time of the latest meter report for a connector
// whose status is already known.
func (c *Conn) TouchMeter(connectorID int, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.connectors[connectorID]
	if !ok {
		return
	}
	st.LastMeterAt = &at
	c.connectors[connectorID] = st
}

// PendingCalls is the number of outbound calls awaiting a response.
func (c *Conn) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call sends a CALL and blocks until the matching CALLRESULT or CALLERROR
// arrives, the call timeout elapses, ctx is done, or the connection closes.
// A CALLERROR is returned as *CallError.
func (c *Conn) Call(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	if !c.IsOpen() {
		return nil, fmt.Errorf("%s: %w", action, ErrConnClosed)
	}

	id := uuid.NewString()
	frame, err := EncodeCall(id, action, payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", action, err)
	}

	p := &pendingCall{
		action:   action,
		deadline: time.Now().Add(c.callTimeout),
		done:     make(chan callResult, 1),
	}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	defer c.dropPending(id)

	if err := c.write(frame); err != nil {
		return nil, fmt.Errorf("send %s: %w", action, err)
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case r := <-p.done:
		return r.payload, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", action, ErrCallTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", action, ctx.Err())
	case <-c.closed:
		return nil, fmt.Errorf("%s: %w", action, ErrConnClosed)
	}
}

// Reply is the outcome of a command as the charge point reported it.
type Reply struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Send issues a request built by the connection's dispatcher and extracts
// the status field of the response.
func (c *Conn) Send(ctx context.Context, req Request) (Reply, error) {
	raw, err := c.Call(ctx, req.Action, req.Payload)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Status: c.protocol.ResultStatus(req.Action, raw), Payload: raw}, nil
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.IsOpen() {
		return ErrConnClosed
	}
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

// Serve runs the receive loop until the socket fails, ctx is cancelled, or
// Close is called. Frames are handled one at a time in arrival order. The
// connection is always closed when Serve returns.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.Close()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if !c.IsOpen() || ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Conn) handleFrame(ctx context.Context, data []byte) {
	f, err := ParseFrame(data)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) && pe.UniqueID != "" {
			c.replyError(pe.UniqueID, NewCallError(c.version.formatViolation(), "%s", pe.Reason))
			return
		}
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	switch f.Type {
	case MessageCall:
		c.handleCall(ctx, f)
	case MessageCallResult:
		c.resolve(f.UniqueID, callResult{payload: f.Payload})
	case MessageCallError:
		c.resolve(f.UniqueID, callResult{err: &CallError{
			Code:        f.ErrorCode,
			Description: f.ErrorDescription,
			Details:     f.ErrorDetails,
		}})
	}
}

func (c *Conn) resolve(id string, r callResult) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("no pending call for response", "unique_id", id)
		return
	}
	p.done <- r
}

func (c *Conn) handleCall(ctx context.Context, f *Frame) {
	hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	resp, err := c.invoke(hctx, f)
	if err != nil {
		var ce *CallError
		if !errors.As(err, &ce) {
			c.logger.Error("handler failed", "action", f.Action, "error", err)
			ce = NewCallError(ErrorInternal, "internal error")
		}
		c.replyError(f.UniqueID, ce)
		return
	}

	out, err := EncodeCallResult(f.UniqueID, resp)
	if err != nil {
		c.logger.Error("encode call result", "action", f.Action, "error", err)
		c.replyError(f.UniqueID, NewCallError(ErrorInternal, "internal error"))
		return
	}
	if err := c.write(out); err != nil {
		c.logger.Warn("write call result", "action", f.Action, "error", err)
	}
}

func (c *Conn) invoke(ctx context.Context, f *Frame) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic", "action", f.Action, "panic", r, "stack", string(debug.Stack()))
			err = NewCallError(ErrorInternal, "internal error")
		}
	}()
	return c.protocol.Handle(ctx, c, f.Action, f.Payload)
}

func (c *Conn) replyError(id string, ce *CallError) {
	out, err := EncodeCallError(id, ce)
	if err != nil {
		c.logger.Error("encode call error", "error", err)
		return
	}
	if err := c.write(out); err != nil {
		c.logger.Warn("write call error", "error", err)
	}
}
