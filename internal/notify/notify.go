// Package notify collects portal notifications forwarded over the chat
// socket (mentions, channel invites). The sync core only delegates here; the
// portal's notification UI is the real consumer.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/portalhq/portalchat/internal/proto"
)

// Center is an observable inbox of forwarded notifications.
type Center struct {
	log *zerolog.Logger

	mu      sync.Mutex
	entries []proto.NotificationMsg
	unread  int
}

// NewCenter builds an empty notification center.
func NewCenter(logger *zerolog.Logger) *Center {
	return &Center{log: logger}
}

// Push records a forwarded notification. Duplicate ids are dropped so
// at-least-once delivery cannot inflate the unread badge.
func (c *Center) Push(n proto.NotificationMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].ID == n.ID {
			return
		}
	}
	c.entries = append(c.entries, n)
	c.unread++
	c.log.Debug().Str("kind", n.Kind).Str("id", n.ID).Msg("notification received")
}

// Unread returns the number of notifications not yet acknowledged.
func (c *Center) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// List returns a copy of all collected notifications, oldest first.
func (c *Center) List() []proto.NotificationMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.NotificationMsg, len(c.entries))
	copy(out, c.entries)
	return out
}

// MarkAllRead clears the unread counter.
func (c *Center) MarkAllRead() {
	c.mu.Lock()
	c.unread = 0
	c.mu.Unlock()
}
