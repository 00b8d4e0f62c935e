// Package realtime provides the duplex message channel used by the
// notification service and the call engine. A Channel dials one websocket
// endpoint, dispatches inbound frames to a single handler in arrival order
// and drops outbound messages while it is not open.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrNotOpen is returned by Send when the channel is not in the open state.
	ErrNotOpen = errors.New("realtime: channel not open")
	// ErrClosed is returned by Open after Close has been called.
	ErrClosed = errors.New("realtime: channel closed")
	// ErrAlreadyOpened is returned when Open is called twice.
	ErrAlreadyOpened = errors.New("realtime: channel already opened")
)

// State is the observable lifecycle of a Channel.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler receives each inbound text frame.
type Handler func(data []byte)

// DefaultWriteTimeout bounds a single outbound frame.
const DefaultWriteTimeout = 10 * time.Second

// Conn abstracts a websocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn to a websocket url.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	Dialer *gorillawebsocket.Dialer
}

func (d GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = gorillawebsocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// ReconnectPolicy controls redialing after the connection drops. A nil
// policy means the channel stays closed once the connection is lost.
type ReconnectPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int // 0 means unlimited
}

func (p ReconnectPolicy) delay(attempt int) time.Duration {
	d := p.Initial
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Option configures a Channel.
type Option func(*Channel)

// WithDialer replaces the default gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithHeader sets headers sent on the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(c *Channel) { c.header = h }
}

// WithBearerToken sends an Authorization header on the handshake.
func WithBearerToken(token string) Option {
	return func(c *Channel) {
		if token == "" {
			return
		}
		if c.header == nil {
			c.header = http.Header{}
		}
		c.header.Set("Authorization", "Bearer "+token)
	}
}

// WithWriteTimeout bounds each write; a stalled peer fails the write instead
// of blocking the caller.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithReconnect enables redialing with exponential backoff.
func WithReconnect(p ReconnectPolicy) Option {
	return func(c *Channel) { c.reconnect = &p }
}

// Channel is a single duplex connection to one endpoint.
type Channel struct {
	dialer    Dialer
	header    http.Header
	reconnect *ReconnectPolicy
	handler   Handler

	writeTimeout time.Duration
	logger    zerolog.Logger

	mu     sync.RWMutex
	state  State
	conn   Conn
	target string

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an idle channel that delivers inbound frames to handler.
func New(handler Handler, logger zerolog.Logger, opts ...Option) *Channel {
	c := &Channel{
		dialer:       GorillaDialer{},
		handler:      handler,
		writeTimeout: DefaultWriteTimeout,
		logger:       logger.With().Str("component", "realtime").Logger(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Target returns the endpoint passed to Open.
func (c *Channel) Target() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target
}

// Done is closed once Close has been called.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Open dials target and starts the reader. Failures are logged and also
// returned; owners that treat a dead channel as "no live updates" may ignore
// the error.
func (c *Channel) Open(ctx context.Context, target string) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateIdle:
	default:
		c.mu.Unlock()
		return ErrAlreadyOpened
	}
	c.state = StateConnecting
	c.target = target
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, target, c.header)
	if err != nil {
		c.logger.Warn().Err(err).Str("target", target).Msg("websocket dial failed")
		if c.reconnect != nil {
			go c.redial(0)
			return fmt.Errorf("dial %s: %w", target, err)
		}
		c.setState(StateClosed)
		return fmt.Errorf("dial %s: %w", target, err)
	}

	if !c.attach(conn) {
		return ErrClosed
	}
	c.logger.Debug().Str("target", target).Msg("websocket open")
	return nil
}

// attach installs conn as the live connection unless Close won the race.
func (c *Channel) attach(conn Conn) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	go c.readLoop(conn)
	return true
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Channel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Channel) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.closed() {
				c.logger.Warn().Err(err).Str("target", c.Target()).Msg("websocket read failed")
			}
			break
		}
		if c.closed() {
			return
		}
		if c.handler != nil {
			c.handler(data)
		}
	}

	if c.closed() {
		return
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	if c.reconnect == nil {
		c.setState(StateClosed)
		return
	}
	c.setState(StateConnecting)
	c.redial(0)
}

func (c *Channel) redial(attempt int) {
	p := *c.reconnect
	target := c.Target()
	for ; p.MaxAttempts == 0 || attempt < p.MaxAttempts; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(p.delay(attempt)):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := c.dialer.Dial(ctx, target, c.header)
		cancel()
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("websocket redial failed")
			continue
		}
		if c.attach(conn) {
			c.logger.Info().Str("target", target).Int("attempt", attempt+1).Msg("websocket reconnected")
		}
		return
	}
	c.logger.Warn().Str("target", target).Msg("websocket reconnect gave up")
	c.setState(StateClosed)
}

// Send JSON-encodes msg and writes it if the channel is open. Messages are
// never queued; ErrNotOpen is returned otherwise.
func (c *Channel) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.mu.RLock()
	conn, state := c.conn, c.state
	c.mu.RUnlock()
	if state != StateOpen || conn == nil {
		c.logger.Debug().Str("state", state.String()).Msg("dropping outbound message")
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close shuts the channel down. It is idempotent and safe to call from any
// goroutine; no handler dispatch begins after it returns. The close frame is
// bounded by the write timeout and does not wait on an in-flight Send.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.state = StateClosed
		c.mu.Unlock()

		if conn == nil {
			return
		}
		_ = conn.WriteControl(gorillawebsocket.CloseMessage,
			gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
		err = conn.Close()
	})
	return err
}
