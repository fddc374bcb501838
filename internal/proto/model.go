package proto

import "time"

// User identifies a portal user as embedded in messages, receipts, and
// search results.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Name returns the display name, falling back to the username.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// Message is a chat message as the server serializes it, both over the
// socket and from the REST message endpoints.
//
// ReadBy lists the members who acknowledged reading this message or a later
// one; it never contains the sender.
type Message struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	Sender      *User     `json:"sender"` // nil for system-generated messages
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	FileMeta    string    `json:"file_meta,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	ReplyCount  int       `json:"reply_count,omitempty"`
	IsEdited    bool      `json:"is_edited"`
	IsDeleted   bool      `json:"is_deleted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ReadBy      []User    `json:"read_by,omitempty"`
}

// SenderID returns the sender's id, or "" for system messages.
func (m Message) SenderID() string {
	if m.Sender == nil {
		return ""
	}
	return m.Sender.ID
}

// Channel is a conversation context: a public or private channel, or a DM.
// UnreadCount is advisory client state; the authoritative value comes from
// the server on a full refetch.
type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	IsArchived  bool      `json:"is_archived"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	MemberCount int       `json:"member_count"`
	UnreadCount int       `json:"unread_count"`
}

// Member is a per-channel roster entry.
type Member struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Role        string `json:"role"`
}

// MessagePage is one page of channel history, newest page first, oldest
// message first within the page.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
