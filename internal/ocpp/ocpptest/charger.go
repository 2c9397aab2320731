// Package ocpptest provides a scripted charge point that talks to an
// ocpp.Conn over an in-memory socket.
package ocpptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"ocpphub/internal/ocpp"

	"github.com/google/uuid"
)

// Reply is what the simulated charger answers to one server call. Err sends
// a CALLERROR; Drop sends nothing so the server call times out.
type Reply struct {
	Payload any
	Err     *ocpp.CallError
	Drop    bool
}

// Responder decides the answer to a server call.
type Responder func(action string, payload json.RawMessage) Reply

// Accept answers every call with {"status":"Accepted"}.
func Accept(string, json.RawMessage) Reply {
	return Reply{Payload: map[string]any{"status": ocpp.ResultAccepted}}
}

// Call is one server-initiated call the charger received.
type Call struct {
	Action  string
	Payload json.RawMessage
}

var errClosed = errors.New("ocpptest: socket closed")

// Charger owns the server-side ocpp.Conn and plays the device end of it.
type Charger struct {
	Conn *ocpp.Conn

	respond Responder
	socket  *pipeSocket

	mu      sync.Mutex
	calls   []Call
	waiting map[string]chan ocpp.Frame
}

// New starts a server connection for identity and serves it until ctx is
// done or Close is called.
func New(ctx context.Context, identity string, d ocpp.Dispatcher, respond Responder, opts ...ocpp.ConnOption) *Charger {
	if respond == nil {
		respond = Accept
	}
	ch := &Charger{respond: respond, waiting: make(map[string]chan ocpp.Frame)}
	ch.socket = &pipeSocket{
		toServer: make(chan []byte, 64),
		closed:   make(chan struct{}),
		onWrite:  ch.fromServer,
	}
	ch.Conn = ocpp.NewConn(identity, d, ch.socket, opts...)
	go func() { _ = ch.Conn.Serve(ctx) }()
	return ch
}

// Close drops the connection as a device disconnect would.
func (c *Charger) Close() { c.Conn.Close() }

// Calls returns the server calls received so far.
func (c *Charger) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallCount counts received server calls for action.
func (c *Charger) CallCount(action string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Action == action {
			n++
		}
	}
	return n
}

// Send issues a device-initiated call and waits for the server's answer.
func (c *Charger) Send(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	frame, err := ocpp.EncodeCall(id, action, payload)
	if err != nil {
		return nil, err
	}
	done := make(chan ocpp.Frame, 1)
	c.mu.Lock()
	c.waiting[id] = done
	c.mu.Unlock()

	if err := c.socket.push(frame); err != nil {
		return nil, err
	}
	select {
	case f := <-done:
		if f.Type == ocpp.MessageCallError {
			return nil, &ocpp.CallError{Code: f.ErrorCode, Description: f.ErrorDescription}
		}
		return f.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.socket.closed:
		return nil, errClosed
	}
}

// SendRaw pushes an arbitrary frame to the server without waiting.
func (c *Charger) SendRaw(data []byte) error { return c.socket.push(data) }

// StatusNotification reports a 1.6 connector status and waits for the ack.
func (c *Charger) StatusNotification(ctx context.Context, connectorID int, status string) error {
	_, err := c.Send(ctx, "StatusNotification", map[string]any{
		"connectorId": connectorID,
		"errorCode":   "NoError",
		"status":      status,
	})
	return err
}

func (c *Charger) fromServer(data []byte) {
	f, err := ocpp.ParseFrame(data)
	if err != nil {
		return
	}
	switch f.Type {
	case ocpp.MessageCall:
		c.mu.Lock()
		c.calls = append(c.calls, Call{Action: f.Action, Payload: f.Payload})
		c.mu.Unlock()

		r := c.respond(f.Action, f.Payload)
		if r.Drop {
			return
		}
		var out []byte
		if r.Err != nil {
			out, err = ocpp.EncodeCallError(f.UniqueID, r.Err)
		} else {
			out, err = ocpp.EncodeCallResult(f.UniqueID, r.Payload)
		}
		if err != nil {
			panic(fmt.Sprintf("ocpptest: encode reply: %v", err))
		}
		_ = c.socket.push(out)
	default:
		c.mu.Lock()
		done, ok := c.waiting[f.UniqueID]
		delete(c.waiting, f.UniqueID)
		c.mu.Unlock()
		if ok {
			done <- *f
		}
	}
}

// pipeSocket is the server side of the in-memory link. Server writes are
// handed to the charger synchronously; charger frames are queued for the
// server's receive loop.
type pipeSocket struct {
	toServer chan []byte
	onWrite  func([]byte)

	closed chan struct{}
	once   sync.Once
}

func (p *pipeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-p.toServer:
		return 1, data, nil
	case <-p.closed:
		return 0, nil, errClosed
	}
}

func (p *pipeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case <-p.closed:
		return errClosed
	default:
	}
	p.onWrite(append([]byte(nil), data...))
	return nil
}

func (p *pipeSocket) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeSocket) push(data []byte) error {
	select {
	case p.toServer <- data:
		return nil
	case <-p.closed:
		return errClosed
	}
}
