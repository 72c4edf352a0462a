package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrNotConnected is returned by Send while the push channel is down.
var ErrNotConnected = errors.New("push channel not connected")

// DefaultBackoff paces reconnect attempts.
var DefaultBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   2,
	Jitter:   0.2,
	Steps:    8,
	Cap:      30 * time.Second,
}

// Handler receives one server event.
type Handler func(msg Message)

// Client is the reconnecting push-channel connection to the exam server.
type Client struct {
	url     string
	dialer  *websocket.Dialer
	backoff wait.Backoff
	log     zerolog.Logger

	token atomic.Value // string

	writeMu sync.Mutex
	conn    *websocket.Conn

	connected atomic.Bool

	hmu           sync.RWMutex
	handlers      map[Event][]Handler
	stateHandlers []func(connected bool)
}

// NewClient creates a push client for the given ws:// or wss:// URL.
func NewClient(rawURL string, log zerolog.Logger) *Client {
	return &Client{
		url: rawURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		backoff:  DefaultBackoff,
		log:      log.With().Str("component", "push_client").Logger(),
		handlers: make(map[Event][]Handler),
	}
}

// SetBackoff replaces the reconnect pacing.
func (c *Client) SetBackoff(b wait.Backoff) {
	c.backoff = b
}

// SetAuthToken sets the token sent as ?token= on the upgrade request.
func (c *Client) SetAuthToken(token string) {
	c.token.Store(token)
}

// On registers a handler for one event type.
func (c *Client) On(ev Event, h Handler) {
	c.hmu.Lock()
	c.handlers[ev] = append(c.handlers[ev], h)
	c.hmu.Unlock()
}

// OnConnectionChange registers a callback for connect/disconnect edges.
func (c *Client) OnConnectionChange(fn func(connected bool)) {
	c.hmu.Lock()
	c.stateHandlers = append(c.stateHandlers, fn)
	c.hmu.Unlock()
}

// Connected reports the current channel state.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Send writes one action. It never queues: a down channel returns ErrNotConnected.
func (c *Client) Send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	return WriteTyped(c.conn, v)
}

// Run keeps the channel up until ctx ends.
func (c *Client) Run(ctx context.Context) {
	bo := c.backoff

	for ctx.Err() == nil {
		conn, _, err := c.dialer.DialContext(ctx, c.endpoint(), nil)
		if err != nil {
			delay := bo.Step()
			c.log.Debug().Err(err).Dur("retry_in", delay).Msg("Push dial failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		bo = c.backoff
		c.attach(conn)
		c.log.Info().Msg("Push channel connected")

		err = c.serve(ctx, conn)

		c.detach()
		if ctx.Err() != nil {
			return
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("Push channel dropped")
		} else {
			c.log.Info().Msg("Push channel closed")
		}

		if !sleepCtx(ctx, bo.Step()) {
			return
		}
	}
}

func (c *Client) endpoint() string {
	tok, _ := c.token.Load().(string)
	if tok == "" {
		return c.url
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) attach(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.setConnected(true)
}

func (c *Client) detach() {
	c.writeMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.writeMu.Unlock()
	c.setConnected(false)
}

func (c *Client) setConnected(v bool) {
	if c.connected.Swap(v) == v {
		return
	}
	c.hmu.RLock()
	fns := append([]func(bool){}, c.stateHandlers...)
	c.hmu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// serve pumps reads until the connection fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	KeepAlive(conn)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				c.writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				c.writeMu.Unlock()
				conn.Close()
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := WritePing(conn)
				c.writeMu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		var raw json.RawMessage
		if err := ReadJSON(conn, &raw); err != nil {
			return err
		}

		var env EventEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.log.Warn().Msg("Dropping push frame without event")
			continue
		}
		c.dispatch(Message{Event: env.Event, Raw: raw})
	}
}

func (c *Client) dispatch(msg Message) {
	c.hmu.RLock()
	hs := c.handlers[msg.Event]
	c.hmu.RUnlock()

	if len(hs) == 0 {
		c.log.Debug().Str("event", string(msg.Event)).Msg("Unhandled push event")
		return
	}
	for _, h := range hs {
		h(msg)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
