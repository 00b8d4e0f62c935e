// Package realtimetest provides an in-memory Dialer and Conn for exercising
// realtime channels without a network.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"

	"github.com/RCcoders/Medical-Porject-sub001/internal/realtime"
)

var (
	errConnClosed   = errors.New("realtimetest: connection closed")
	errWriteTimeout = errors.New("realtimetest: write timeout")
)

// Conn is an in-memory realtime.Conn. Frames pushed with Push are returned
// by ReadMessage; text frames written by the channel are recorded.
type Conn struct {
	URL    string
	Header http.Header

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	dropOnce  sync.Once

	mu       sync.Mutex
	sent     [][]byte
	stalled  bool
	deadline time.Time
}

func NewConn() *Conn {
	return &Conn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return gorillawebsocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	stalled, deadline := c.stalled, c.deadline
	c.mu.Unlock()
	return c.write(messageType, data, stalled, deadline)
}

func (c *Conn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	stalled := c.stalled
	c.mu.Unlock()
	return c.write(messageType, data, stalled, deadline)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

// Stall makes every later write block until its deadline passes or the
// connection is closed, like a peer that stopped reading.
func (c *Conn) Stall() {
	c.mu.Lock()
	c.stalled = true
	c.mu.Unlock()
}

func (c *Conn) write(messageType int, data []byte, stalled bool, deadline time.Time) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if stalled {
		var expired <-chan time.Time
		if !deadline.IsZero() {
			timer := time.NewTimer(time.Until(deadline))
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-expired:
			return errWriteTimeout
		case <-c.closed:
			return errConnClosed
		}
	}
	if messageType != gorillawebsocket.TextMessage {
		return nil
	}
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push JSON-encodes v and queues it as an inbound frame.
func (c *Conn) Push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.PushRaw(data)
}

// PushRaw queues an inbound frame verbatim.
func (c *Conn) PushRaw(data []byte) {
	c.in <- data
}

// Drop simulates the remote end going away.
func (c *Conn) Drop() {
	c.dropOnce.Do(func() { close(c.in) })
}

// Sent returns a copy of every text frame written so far.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentTypes returns the "type" field of each written frame.
func (c *Conn) SentTypes() []string {
	var types []string
	for _, frame := range c.Sent() {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(frame, &env)
		types = append(types, env.Type)
	}
	return types
}

// Dialer hands out a fresh Conn per Dial. Set Fail to make dials error.
type Dialer struct {
	Fail func(url string) error

	mu    sync.Mutex
	conns []*Conn
	dials chan *Conn
}

func NewDialer() *Dialer {
	return &Dialer{dials: make(chan *Conn, 64)}
}

func (d *Dialer) Dial(_ context.Context, url string, header http.Header) (realtime.Conn, error) {
	if d.Fail != nil {
		if err := d.Fail(url); err != nil {
			return nil, err
		}
	}
	c := NewConn()
	c.URL = url
	c.Header = header
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	d.dials <- c
	return c, nil
}

// Conns returns every connection dialed so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// NextConn waits for the next successful dial.
func (d *Dialer) NextConn(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-d.dials:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// WaitFor polls cond until it holds or the timeout elapses.
func WaitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
