package proto

import "time"

// Frame type discriminators for the duplex chat protocol. Every frame is a
// flat JSON object carrying a "type" field next to its payload fields.
const (
	// Client → server.
	TypePing        = "ping"
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypeMarkRead    = "mark_read"

	// Server → client.
	TypePong          = "pong"
	TypeNewMessage    = "new_message"
	TypePresence      = "presence"
	TypeMessageRead   = "message_read"
	TypeChannelUpdate = "channel_update"
	TypeNotification  = "notification"
	TypeError         = "error"
)

// Channel kinds.
const (
	ChannelPublic  = "public"
	ChannelPrivate = "private"
	ChannelDM      = "dm"
)

// Message types.
const (
	MessageText   = "text"
	MessageFile   = "file"
	MessageSystem = "system"
)

// Envelope is decoded first to learn a frame's type before the payload is
// unmarshalled into its typed struct.
type Envelope struct {
	Type string `json:"type"`
}

// Ping is the keepalive frame. The server answers with a pong.
type Ping struct {
	Type string `json:"type"`
}

// NewPing builds a ping frame.
func NewPing() Ping {
	return Ping{Type: TypePing}
}

// SendMessage asks the server to create a message in a channel.
type SendMessage struct {
	Type        string `json:"type"`
	ChannelID   string `json:"channel_id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	FileMeta    string `json:"file_meta,omitempty"`
}

// NewSendMessage builds a send_message frame. An empty messageType defaults
// to text.
func NewSendMessage(channelID, content, messageType, fileMeta string) SendMessage {
	if messageType == "" {
		messageType = MessageText
	}
	return SendMessage{
		Type:        TypeSendMessage,
		ChannelID:   channelID,
		Content:     content,
		MessageType: messageType,
		FileMeta:    fileMeta,
	}
}

// Typing broadcasts that the local user is typing in a channel. The server
// echoes it to the other members with user_id and username filled in.
type Typing struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
}

// NewTyping builds an outbound typing frame.
func NewTyping(channelID string) Typing {
	return Typing{Type: TypeTyping, ChannelID: channelID}
}

// MarkRead acknowledges reading a channel up to and including a message.
type MarkRead struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// NewMarkRead builds a mark_read frame.
func NewMarkRead(channelID, messageID string) MarkRead {
	return MarkRead{Type: TypeMarkRead, ChannelID: channelID, MessageID: messageID}
}

// NewMessage carries a freshly created message to channel members.
type NewMessage struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// Presence signals that a user came online or went offline.
type Presence struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Status string `json:"status"` // "online" or "offline"
}

// MessageRead is the server's broadcast of a member's read receipt.
// MessageID names the latest message the reader acknowledged, not every
// message covered by the receipt.
type MessageRead struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
	MessageID string `json:"message_id"`
}

// Notification forwards a portal notification (mention, channel invite) to a
// single user.
type Notification struct {
	Type         string          `json:"type"`
	Notification NotificationMsg `json:"notification"`
}

// NotificationMsg is the notification body itself.
type NotificationMsg struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ChannelID string    `json:"channel_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorFrame reports a protocol-level failure for the previous frame.
type ErrorFrame struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}
