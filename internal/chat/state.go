package chat

import (
	"sync"
	"time"

	"github.com/portalhq/portalchat/internal/proto"
)

// ConnState is the transport connection state as consumers observe it.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Member is a roster entry with the online flag mirrored from the global
// presence set.
type Member struct {
	proto.Member
	Online bool
}

// TypingUser is a user currently typing in the active channel.
type TypingUser struct {
	UserID   string
	Username string
}

type typingEntry struct {
	username string
	timer    *time.Timer
}

// Store holds the locally cached conversation state. It is the single shared
// mutation target for socket events, timer fires, and UI-triggered calls; all
// merge operations are idempotent and order-tolerant so interleavings are
// safe. Consumers read snapshots or wait on Watch; they never mutate.
type Store struct {
	mu        sync.RWMutex
	typingTTL time.Duration

	channels  []proto.Channel
	active    string
	messages  []proto.Message
	hasMore   bool
	members   []Member
	online    map[string]struct{}
	typing    map[string]*typingEntry
	connState ConnState

	subs []chan struct{}
}

func newStore(typingTTL time.Duration) *Store {
	if typingTTL <= 0 {
		typingTTL = 3 * time.Second
	}
	return &Store{
		typingTTL: typingTTL,
		online:    make(map[string]struct{}),
		typing:    make(map[string]*typingEntry),
	}
}

// Watch returns a channel that receives a signal whenever the store changes,
// plus a cancel func that unsubscribes it. The signal is coalescing: a slow
// consumer sees at least one notification for any burst of changes.
func (s *Store) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		for i := range s.subs {
			if s.subs[i] == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notifyLocked() {
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// pulse wakes watchers without a state change, e.g. after a notification
// lands in the notification center.
func (s *Store) pulse() {
	s.mu.Lock()
	s.notifyLocked()
	s.mu.Unlock()
}

// ── snapshots ──

// Channels returns a copy of the channel list.
func (s *Store) Channels() []proto.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proto.Channel, len(s.channels))
	copy(out, s.channels)
	return out
}

// ActiveChannel returns the selected channel id, or "".
func (s *Store) ActiveChannel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Messages returns a copy of the active channel's message window.
func (s *Store) Messages() []proto.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proto.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// HasMore reports whether older history remains beyond the cached window.
func (s *Store) HasMore() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasMore
}

// Members returns a copy of the active channel's roster.
func (s *Store) Members() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Member, len(s.members))
	copy(out, s.members)
	return out
}

// Typing returns the users currently typing in the active channel.
func (s *Store) Typing() []TypingUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TypingUser, 0, len(s.typing))
	for id, e := range s.typing {
		out = append(out, TypingUser{UserID: id, Username: e.username})
	}
	return out
}

// IsOnline reports whether a user is in the global presence set.
func (s *Store) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[userID]
	return ok
}

// ConnState returns the transport state as last reported by the connection
// manager.
func (s *Store) ConnState() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connState
}

// ── mutations (core only) ──

func (s *Store) setConnState(state ConnState) {
	s.mu.Lock()
	if s.connState != state {
		s.connState = state
		s.notifyLocked()
	}
	s.mu.Unlock()
}

// setChannels replaces the channel list with a server refetch. The active
// channel's unread count is forced to zero: it stays read while selected.
func (s *Store) setChannels(channels []proto.Channel) {
	s.mu.Lock()
	s.channels = channels
	for i := range s.channels {
		if s.channels[i].ID == s.active {
			s.channels[i].UnreadCount = 0
		}
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// setActive switches the selected channel, discarding the previous window,
// roster, and typing entries before the new channel's data loads.
func (s *Store) setActive(channelID string) {
	s.mu.Lock()
	s.active = channelID
	s.messages = nil
	s.hasMore = false
	s.members = nil
	s.clearTypingLocked()
	for i := range s.channels {
		if s.channels[i].ID == channelID {
			s.channels[i].UnreadCount = 0
		}
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// setWindow installs a freshly fetched latest page for channelID. Messages
// already appended by racing socket events are kept, deduplicated by id. The
// call is a no-op when the active channel moved on while the fetch was in
// flight.
func (s *Store) setWindow(channelID string, msgs []proto.Message, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != channelID {
		return
	}

	seen := make(map[string]struct{}, len(msgs))
	window := make([]proto.Message, 0, len(msgs)+len(s.messages))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		window = append(window, m)
	}
	for _, m := range s.messages {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		window = append(window, m)
	}

	s.messages = window
	s.hasMore = hasMore
	s.notifyLocked()
}

// prependOlder inserts an older history page in front of the window,
// skipping ids already cached. No-op when the selection changed meanwhile.
func (s *Store) prependOlder(channelID string, msgs []proto.Message, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != channelID {
		return
	}

	existing := make(map[string]struct{}, len(s.messages))
	for _, m := range s.messages {
		existing[m.ID] = struct{}{}
	}

	fresh := make([]proto.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := existing[m.ID]; dup {
			continue
		}
		fresh = append(fresh, m)
	}

	s.messages = append(fresh, s.messages...)
	s.hasMore = hasMore
	s.notifyLocked()
}

// appendMessage adds a message to the active channel's window if its id is
// not already present. Returns true when the message was appended.
func (s *Store) appendMessage(m proto.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != m.ChannelID {
		return false
	}
	for i := range s.messages {
		if s.messages[i].ID == m.ID {
			return false
		}
	}
	s.messages = append(s.messages, m)
	s.notifyLocked()
	return true
}

// updateMessage replaces a cached message in place, keyed by id. Used after
// an edit round-trips through REST.
func (s *Store) updateMessage(m proto.Message) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == m.ID {
			// read-by state is client-side; the REST result does not carry
			// receipts accumulated since the page load
			if len(m.ReadBy) == 0 {
				m.ReadBy = s.messages[i].ReadBy
			}
			s.messages[i] = m
			s.notifyLocked()
			break
		}
	}
	s.mu.Unlock()
}

// removeMessage filters a deleted message out of the window.
func (s *Store) removeMessage(messageID string) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			s.notifyLocked()
			break
		}
	}
	s.mu.Unlock()
}

// findMessage looks a cached message up by id.
func (s *Store) findMessage(messageID string) (proto.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			return s.messages[i], true
		}
	}
	return proto.Message{}, false
}

// newestMessageID returns the active channel and its newest cached message
// id, or empty strings when there is nothing to acknowledge.
func (s *Store) newestMessageID() (channelID, messageID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == "" || len(s.messages) == 0 {
		return "", ""
	}
	return s.active, s.messages[len(s.messages)-1].ID
}

// oldestMessageID returns the backward pagination cursor, or "".
func (s *Store) oldestMessageID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return ""
	}
	return s.messages[0].ID
}

// incrementUnread bumps the advisory unread counter of a non-active channel.
func (s *Store) incrementUnread(channelID string) {
	s.mu.Lock()
	for i := range s.channels {
		if s.channels[i].ID == channelID {
			s.channels[i].UnreadCount++
			s.notifyLocked()
			break
		}
	}
	s.mu.Unlock()
}

// resetUnread zeroes a channel's unread counter.
func (s *Store) resetUnread(channelID string) {
	s.mu.Lock()
	for i := range s.channels {
		if s.channels[i].ID == channelID {
			if s.channels[i].UnreadCount != 0 {
				s.channels[i].UnreadCount = 0
				s.notifyLocked()
			}
			break
		}
	}
	s.mu.Unlock()
}

// setMembers installs the active channel's roster, deriving online flags
// from the presence set. No-op when the selection changed meanwhile.
func (s *Store) setMembers(channelID string, members []proto.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != channelID {
		return
	}
	out := make([]Member, 0, len(members))
	for _, m := range members {
		_, online := s.online[m.UserID]
		out = append(out, Member{Member: m, Online: online})
	}
	s.members = out
	s.notifyLocked()
}

// setPresenceSnapshot replaces the global online set from a full fetch.
func (s *Store) setPresenceSnapshot(userIDs []string) {
	s.mu.Lock()
	s.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		s.online[id] = struct{}{}
	}
	for i := range s.members {
		_, ok := s.online[s.members[i].UserID]
		s.members[i].Online = ok
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// setPresence toggles one user in the online set and mirrors the flag onto
// any matching roster entry.
func (s *Store) setPresence(userID string, online bool) {
	s.mu.Lock()
	if online {
		s.online[userID] = struct{}{}
	} else {
		delete(s.online, userID)
	}
	for i := range s.members {
		if s.members[i].UserID == userID {
			s.members[i].Online = online
		}
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// setTyping (re)arms the expiry timer for a remote user typing in the active
// channel. A repeated event restarts the timer rather than stacking entries.
func (s *Store) setTyping(userID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.typing[userID]; ok {
		e.username = username
		e.timer.Reset(s.typingTTL)
		return
	}
	s.typing[userID] = &typingEntry{
		username: username,
		timer: time.AfterFunc(s.typingTTL, func() {
			s.removeTyping(userID)
		}),
	}
	s.notifyLocked()
}

// removeTyping drops a user's typing entry, either because its timer fired
// or because a real message from that user arrived.
func (s *Store) removeTyping(userID string) {
	s.mu.Lock()
	if e, ok := s.typing[userID]; ok {
		e.timer.Stop()
		delete(s.typing, userID)
		s.notifyLocked()
	}
	s.mu.Unlock()
}

// clearTyping cancels every typing timer, e.g. on channel switch or
// teardown.
func (s *Store) clearTyping() {
	s.mu.Lock()
	s.clearTypingLocked()
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Store) clearTypingLocked() {
	for id, e := range s.typing {
		e.timer.Stop()
		delete(s.typing, id)
	}
}

// markReadBy applies a read receipt: every cached message with a timestamp
// at or before upTo, except the reader's own, gains the reader in its
// read-by set. Idempotent under event redelivery.
func (s *Store) markReadBy(reader proto.User, upTo time.Time) {
	s.mu.Lock()
	changed := false
	for i := range s.messages {
		m := &s.messages[i]
		if m.CreatedAt.After(upTo) {
			continue
		}
		if m.SenderID() == reader.ID {
			continue
		}
		if containsUser(m.ReadBy, reader.ID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, reader)
		changed = true
	}
	if changed {
		s.notifyLocked()
	}
	s.mu.Unlock()
}

func containsUser(users []proto.User, id string) bool {
	for i := range users {
		if users[i].ID == id {
			return true
		}
	}
	return false
}
