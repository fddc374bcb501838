package chat

import (
	"encoding/json"
	"time"

	"github.com/portalhq/portalchat/internal/proto"
)

// handleFrame is the single entry point for inbound socket frames. Every
// merge it performs is idempotent, so redelivered or out-of-order events
// converge to the same cached state. Unknown frame types are logged and
// skipped, never fatal.
func (c *Client) handleFrame(data []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn().Err(err).Msg("undecodable frame")
		return
	}

	switch env.Type {
	case proto.TypePong:
		// Heartbeat answer; receiving anything already proves liveness.

	case proto.TypeNewMessage:
		var frame proto.NewMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn().Err(err).Msg("bad new_message frame")
			return
		}
		c.applyNewMessage(frame.Message)

	case proto.TypeTyping:
		var frame proto.Typing
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn().Err(err).Msg("bad typing frame")
			return
		}
		if frame.UserID == c.self.ID || frame.ChannelID != c.store.ActiveChannel() {
			return
		}
		c.store.setTyping(frame.UserID, frame.Username)

	case proto.TypePresence:
		var frame proto.Presence
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn().Err(err).Msg("bad presence frame")
			return
		}
		c.store.setPresence(frame.UserID, frame.Status == "online")

	case proto.TypeMessageRead:
		var frame proto.MessageRead
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn().Err(err).Msg("bad message_read frame")
			return
		}
		c.applyReadReceipt(frame)

	case proto.TypeChannelUpdate:
		// Membership or metadata changed; the refetch carries the detail.
		go c.refetchChannels(c.sessionCtx())

	case proto.TypeNotification:
		var frame proto.Notification
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn().Err(err).Msg("bad notification frame")
			return
		}
		c.notifs.Push(frame.Notification)
		c.store.pulse()

	case proto.TypeError:
		var frame proto.ErrorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		c.log.Warn().Str("detail", frame.Detail).Msg("server rejected frame")

	default:
		c.log.Debug().Str("type", env.Type).Msg("unknown frame type ignored")
	}
}

// applyNewMessage routes a created message: into the active window
// (duplicate-safe, so a REST-fallback copy already cached is a no-op) or into
// the unread counter of a background channel. A real message also clears the
// sender's typing entry ahead of its expiry timer.
func (c *Client) applyNewMessage(m proto.Message) {
	if sender := m.SenderID(); sender != "" {
		c.store.removeTyping(sender)
	}

	if m.ChannelID != c.store.ActiveChannel() {
		if m.SenderID() != c.self.ID {
			c.store.incrementUnread(m.ChannelID)
		}
		return
	}

	if !c.store.appendMessage(m) {
		return
	}
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(m)
	}
	// The channel is on screen, so the new message counts as read right away.
	c.markRead()
}

// applyReadReceipt expands a member's acknowledgement over the cached window:
// the acknowledged message's timestamp bounds the interval, and every
// message at or before it gains the reader. A receipt for a message outside
// the window is dropped; the authoritative read state returns with the next
// page fetch.
func (c *Client) applyReadReceipt(frame proto.MessageRead) {
	if frame.UserID == c.self.ID || frame.ChannelID != c.store.ActiveChannel() {
		return
	}

	ack, ok := c.store.findMessage(frame.MessageID)
	if !ok {
		c.log.Debug().Str("message", frame.MessageID).Msg("read receipt for uncached message ignored")
		return
	}

	var upTo time.Time
	if ack.CreatedAt.IsZero() {
		upTo = time.Now()
	} else {
		upTo = ack.CreatedAt
	}
	c.store.markReadBy(proto.User{
		ID:        frame.UserID,
		Username:  frame.Username,
		AvatarURL: frame.AvatarURL,
	}, upTo)
}
