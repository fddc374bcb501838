// Package chat is the real-time chat synchronization client. It owns the
// portal's chat websocket, reconciles the locally cached conversation state
// against the server's event stream, and exposes a read-mostly view of
// channels, messages, presence, and typing to the rest of the application.
// While the socket is down it degrades to the REST collaborator: reads and
// sends keep working, only the push updates pause.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/portalhq/portalchat/internal/auth"
	"github.com/portalhq/portalchat/internal/notify"
	"github.com/portalhq/portalchat/internal/proto"
	"github.com/portalhq/portalchat/internal/rest"
)

var (
	ErrEmptyMessage    = errors.New("message content is empty")
	ErrNoActiveChannel = errors.New("no channel selected")
	ErrTokenExpired    = errors.New("access token expired")
)

// Options configures a Client.
type Options struct {
	ServerURL string
	Token     string
	Logger    *zerolog.Logger

	PageSize          int
	HeartbeatInterval time.Duration
	BackoffFloor      time.Duration
	BackoffCeiling    time.Duration
	TypingTTL         time.Duration
	TypingThrottle    time.Duration

	// OnMessage, when set, observes every message reconciled into the
	// active window. The CLI uses it to feed the local archive.
	OnMessage func(proto.Message)
}

// Client is the single owner of the chat domain's client-side state. UI
// consumers read its views and call its actions; they never mutate the
// underlying containers.
type Client struct {
	log    *zerolog.Logger
	restc  *rest.Client
	store  *Store
	notifs *notify.Center
	self   auth.Identity
	opts   Options

	mu            sync.Mutex
	initialized   bool
	everConnected bool
	ctx           context.Context
	cancel        context.CancelFunc
	conn          *Conn
	typingPending bool
	typingTimer   *time.Timer
}

// New builds a client for the given portal. The access token identifies the
// local user; a token that cannot be decoded is rejected up front.
func New(opts Options) (*Client, error) {
	identity, err := auth.Identify(opts.Token)
	if err != nil {
		return nil, err
	}
	if identity.Expired() {
		return nil, ErrTokenExpired
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.TypingThrottle <= 0 {
		opts.TypingThrottle = 2 * time.Second
	}

	return &Client{
		log:    opts.Logger,
		restc:  rest.New(opts.ServerURL, opts.Token, opts.Logger),
		store:  newStore(opts.TypingTTL),
		notifs: notify.NewCenter(opts.Logger),
		self:   identity,
		opts:   opts,
	}, nil
}

// Self returns the local user's identity.
func (c *Client) Self() auth.Identity { return c.self }

// Store exposes the read-only state views.
func (c *Client) Store() *Store { return c.store }

// Notifications exposes the notification collaborator.
func (c *Client) Notifications() *notify.Center { return c.notifs }

// Init bootstraps the session: channel list, presence snapshot, and the
// transport. Idempotent; a second call while initialized is a no-op. Fetch
// failures are logged and tolerated; the affected views stay empty until
// the next refetch.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = true
	c.everConnected = false
	cctx, cancel := context.WithCancel(ctx)
	c.ctx = cctx
	c.cancel = cancel
	c.conn = newConn(cctx, connOptions{
		serverURL:      c.opts.ServerURL,
		token:          c.opts.Token,
		heartbeat:      c.opts.HeartbeatInterval,
		backoffFloor:   c.opts.BackoffFloor,
		backoffCeiling: c.opts.BackoffCeiling,
		onFrame:        c.handleFrame,
		onState:        c.handleConnState,
	}, c.log)
	conn := c.conn
	c.mu.Unlock()

	if channels, err := c.restc.ListChannels(cctx); err != nil {
		c.log.Warn().Err(err).Msg("bootstrap: channel list fetch failed")
	} else {
		c.store.setChannels(channels)
	}
	if online, err := c.restc.Presence(cctx); err != nil {
		c.log.Warn().Err(err).Msg("bootstrap: presence fetch failed")
	} else {
		c.store.setPresenceSnapshot(online)
	}

	conn.Connect()
	c.log.Info().Str("user", c.self.Username).Msg("chat session initialized")
	return nil
}

// Cleanup tears the session down: it closes the transport and cancels every
// pending timer. Idempotent; safe to call when never initialized.
func (c *Client) Cleanup() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = false
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingPending = false
	c.mu.Unlock()

	conn.Close()
	cancel()
	c.store.clearTyping()
	c.log.Info().Msg("chat session closed")
}

// connection returns the live connection manager, or nil outside a session.
func (c *Client) connection() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) sessionCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// SelectChannel switches the active channel: the previous window and typing
// entries are discarded, the latest page and roster load, and the newest
// message is acknowledged as read.
func (c *Client) SelectChannel(ctx context.Context, channelID string) error {
	c.store.setActive(channelID)

	page, err := c.restc.Messages(ctx, channelID, "", c.opts.PageSize)
	if err != nil {
		c.log.Warn().Err(err).Str("channel", channelID).Msg("message page fetch failed")
		return err
	}
	c.store.setWindow(channelID, page.Messages, page.HasMore)

	if members, err := c.restc.ChannelMembers(ctx, channelID); err != nil {
		c.log.Warn().Err(err).Str("channel", channelID).Msg("roster fetch failed")
	} else {
		c.store.setMembers(channelID, members)
	}

	c.markRead()
	return nil
}

// LoadOlder pages backward from the oldest cached message. No-op when the
// full history is already cached.
func (c *Client) LoadOlder(ctx context.Context) error {
	channelID := c.store.ActiveChannel()
	before := c.store.oldestMessageID()
	if channelID == "" || before == "" || !c.store.HasMore() {
		return nil
	}

	page, err := c.restc.Messages(ctx, channelID, before, c.opts.PageSize)
	if err != nil {
		return err
	}
	c.store.prependOlder(channelID, page.Messages, page.HasMore)
	return nil
}

// SendMessage submits a message to the active channel. With the transport up
// it writes the frame and returns; the created message arrives through the
// event stream and is deduplicated by id. With the transport down it falls
// back to the synchronous request and appends the stored result locally,
// still duplicate-safe in case the socket reconnects and replays the event.
func (c *Client) SendMessage(ctx context.Context, content, messageType, fileMeta string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	channelID := c.store.ActiveChannel()
	if channelID == "" {
		return ErrNoActiveChannel
	}

	if conn := c.connection(); conn != nil && conn.State() == StateConnected {
		err := conn.Send(proto.NewSendMessage(channelID, content, messageType, fileMeta))
		if err == nil {
			return nil
		}
		c.log.Warn().Err(err).Msg("socket send failed, falling back to rest")
	}

	msg, err := c.restc.SendMessage(ctx, channelID, content, messageType, fileMeta)
	if err != nil {
		return err
	}
	if c.store.appendMessage(msg) && c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
	c.markRead()
	return nil
}

// SendTyping broadcasts that the local user is typing. Safe to call on every
// keystroke: after one frame goes out, further calls are suppressed for the
// throttle window. Best-effort only: nothing is sent or queued while the
// transport is down.
func (c *Client) SendTyping() {
	channelID := c.store.ActiveChannel()
	if channelID == "" {
		return
	}

	// Claim the throttle before writing so concurrent callers cannot both
	// pass the check and emit a second frame inside the window.
	c.mu.Lock()
	if !c.initialized || c.typingPending {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	if conn.State() != StateConnected {
		c.mu.Unlock()
		return
	}
	c.typingPending = true
	c.typingTimer = time.AfterFunc(c.opts.TypingThrottle, func() {
		c.mu.Lock()
		c.typingPending = false
		c.typingTimer = nil
		c.mu.Unlock()
	})
	c.mu.Unlock()

	if err := conn.Send(proto.NewTyping(channelID)); err != nil {
		// Nothing went out, so the next keystroke may try again.
		c.mu.Lock()
		if c.typingTimer != nil {
			c.typingTimer.Stop()
			c.typingTimer = nil
		}
		c.typingPending = false
		c.mu.Unlock()
	}
}

// EditMessage replaces a message's content and merges the result into the
// cache.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	msg, err := c.restc.EditMessage(ctx, messageID, content)
	if err != nil {
		return err
	}
	c.store.updateMessage(msg)
	return nil
}

// DeleteMessage soft-deletes a message and drops it from the cache.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if err := c.restc.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	c.store.removeMessage(messageID)
	return nil
}

// CreateChannel creates a channel and refreshes the channel list.
func (c *Client) CreateChannel(ctx context.Context, name, kind, description string, memberIDs []string) (proto.Channel, error) {
	ch, err := c.restc.CreateChannel(ctx, name, kind, description, memberIDs)
	if err != nil {
		return proto.Channel{}, err
	}
	c.refetchChannels(ctx)
	return ch, nil
}

// OpenDM returns the direct-message channel with another user, creating it
// on first use, and refreshes the channel list.
func (c *Client) OpenDM(ctx context.Context, userID string) (proto.Channel, error) {
	ch, err := c.restc.OpenDM(ctx, userID)
	if err != nil {
		return proto.Channel{}, err
	}
	c.refetchChannels(ctx)
	return ch, nil
}

// SearchUsers looks portal users up by name fragment.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]proto.User, error) {
	return c.restc.SearchUsers(ctx, query)
}

// markRead acknowledges the newest cached message of the active channel:
// the local unread counter resets and, when the transport is up, a
// fire-and-forget mark_read frame goes out. The server's broadcast of that
// frame back to the other members is what produces their read-by updates.
func (c *Client) markRead() {
	channelID, messageID := c.store.newestMessageID()
	if channelID == "" || messageID == "" {
		return
	}
	c.store.resetUnread(channelID)
	if conn := c.connection(); conn != nil && conn.State() == StateConnected {
		if err := conn.Send(proto.NewMarkRead(channelID, messageID)); err != nil {
			c.log.Debug().Err(err).Msg("mark_read send failed")
		}
	}
}

func (c *Client) refetchChannels(ctx context.Context) {
	channels, err := c.restc.ListChannels(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("channel list refetch failed")
		return
	}
	c.store.setChannels(channels)
}

// handleConnState mirrors transport transitions into the store. After a
// reconnect the client refetches the channel list and the active channel's
// latest page: events lost during the gap are not replayed, the next full
// fetch resynchronizes instead.
func (c *Client) handleConnState(state ConnState) {
	c.store.setConnState(state)

	if state != StateConnected {
		return
	}
	c.mu.Lock()
	first := !c.everConnected
	c.everConnected = true
	c.mu.Unlock()
	if first {
		return
	}
	go c.resync()
}

func (c *Client) resync() {
	ctx := c.sessionCtx()
	c.log.Info().Msg("reconnected, resynchronizing")
	c.refetchChannels(ctx)

	channelID := c.store.ActiveChannel()
	if channelID == "" {
		return
	}
	page, err := c.restc.Messages(ctx, channelID, "", c.opts.PageSize)
	if err != nil {
		c.log.Warn().Err(err).Msg("resync page fetch failed")
		return
	}
	c.store.setWindow(channelID, page.Messages, page.HasMore)
	c.markRead()
}
