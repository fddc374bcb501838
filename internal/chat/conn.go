package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/portalhq/portalchat/internal/proto"
)

// statusUnauthorized is the portal's close code for a rejected credential.
// A close with this code suppresses the reconnect loop: retrying with the
// same token cannot succeed.
const statusUnauthorized = websocket.StatusCode(4001)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// ErrNotConnected is returned by Send while the transport is down.
var ErrNotConnected = errors.New("transport not connected")

type connOptions struct {
	serverURL string
	token     string

	heartbeat      time.Duration
	backoffFloor   time.Duration
	backoffCeiling time.Duration

	onFrame func([]byte)
	onState func(ConnState)
}

// Conn owns the single websocket and its lifecycle: connect, heartbeat,
// close, and reconnect with exponential backoff. Consumers observe only the
// ConnState it reports; they never manage reconnection themselves.
type Conn struct {
	opts connOptions
	ctx  context.Context
	log  *zerolog.Logger

	mu         sync.Mutex
	ws         *websocket.Conn
	state      ConnState
	backoff    time.Duration
	reconnect  *time.Timer
	cancelRead context.CancelFunc
	closed     bool
}

func newConn(ctx context.Context, opts connOptions, logger *zerolog.Logger) *Conn {
	if opts.heartbeat <= 0 {
		opts.heartbeat = 30 * time.Second
	}
	if opts.backoffFloor <= 0 {
		opts.backoffFloor = time.Second
	}
	if opts.backoffCeiling < opts.backoffFloor {
		opts.backoffCeiling = 30 * time.Second
	}
	return &Conn{
		opts:    opts,
		ctx:     ctx,
		log:     logger,
		backoff: opts.backoffFloor,
	}
}

// State returns the current transport state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the transport unless it is already open or opening. Safe to
// call repeatedly; a second call while connecting or connected is a no-op.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.notifyState(StateConnecting)
	go c.dial()
}

// Close shuts the transport down permanently: it cancels any pending
// reconnect and heartbeat and suppresses all further retries.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	ws := c.ws
	c.ws = nil
	wasDown := c.state == StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "client closing")
	}
	if !wasDown {
		c.notifyState(StateDisconnected)
	}
}

// Send writes one frame to the transport. Fails fast with ErrNotConnected
// while the socket is down; callers fall back to REST.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

func (c *Conn) dial() {
	dialCtx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	header := http.Header{}
	if c.opts.token != "" {
		header.Set("Authorization", "Bearer "+c.opts.token)
	}
	ws, _, err := websocket.Dial(dialCtx, wsURL(c.opts.serverURL), &websocket.DialOptions{
		HTTPHeader: header,
	})
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Msg("ws dial failed")
		c.handleDown(nil, err)
		return
	}

	readCtx, cancelRead := context.WithCancel(c.ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancelRead()
		_ = ws.Close(websocket.StatusNormalClosure, "client closing")
		return
	}
	c.ws = ws
	c.state = StateConnected
	c.backoff = c.opts.backoffFloor
	c.cancelRead = cancelRead
	c.mu.Unlock()

	c.log.Info().Msg("ws connected")
	c.notifyState(StateConnected)

	go c.readLoop(readCtx, ws)
	go c.heartbeatLoop(readCtx)
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.handleDown(ws, err)
			return
		}
		c.opts.onFrame(data)
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(proto.NewPing()); err != nil {
				// The read loop observes the underlying close and drives
				// the reconnect; nothing more to do here.
				c.log.Debug().Err(err).Msg("heartbeat send failed")
				return
			}
		}
	}
}

// handleDown processes a transport failure: any close or error is treated as
// a closure, and a reconnect is scheduled after the current backoff delay,
// which then doubles up to the ceiling. ws names the connection the failure
// belongs to so a stale read loop cannot tear down its successor.
func (c *Conn) handleDown(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	c.ws = nil
	c.state = StateDisconnected

	if websocket.CloseStatus(err) == statusUnauthorized {
		// Credential rejection: retrying is pointless until the owner
		// supplies a fresh token.
		c.closed = true
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("ws closed: unauthorized, not retrying")
		c.notifyState(StateDisconnected)
		return
	}

	delay := c.backoff
	c.backoff *= 2
	if c.backoff > c.opts.backoffCeiling {
		c.backoff = c.opts.backoffCeiling
	}
	c.reconnect = time.AfterFunc(delay, c.Connect)
	c.mu.Unlock()

	c.log.Warn().Err(err).Dur("retry_in", delay).Msg("ws down, reconnect scheduled")
	c.notifyState(StateDisconnected)
}

func (c *Conn) notifyState(state ConnState) {
	if c.opts.onState != nil {
		c.opts.onState(state)
	}
}

// currentBackoff reports the delay the next failure would wait for.
func (c *Conn) currentBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff
}

// wsURL converts the portal's base URL into the chat websocket endpoint.
func wsURL(base string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/chat"
}
