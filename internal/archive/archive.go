// Package archive keeps a local append-only copy of messages the client has
// seen. It is a write-behind sink for export and grep-style recall; the sync
// core never reads from it to serve views.
package archive

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/portalhq/portalchat/internal/proto"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	channel_id   TEXT NOT NULL,
	sender_id    TEXT NOT NULL DEFAULT '',
	sender_name  TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL,
	message_type TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at);
`

// Archive is a sqlite-backed message log.
type Archive struct {
	db  *sql.DB
	log *zerolog.Logger
}

// Open opens (or creates) the archive database at path. Use ":memory:" for
// an ephemeral archive.
func Open(path string, logger *zerolog.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	return &Archive{db: db, log: logger}, nil
}

// Append records a message. Idempotent: a message id already archived is
// skipped, so replays from reconnect resyncs cost nothing.
func (a *Archive) Append(m proto.Message) error {
	senderID, senderName := "", ""
	if m.Sender != nil {
		senderID = m.Sender.ID
		senderName = m.Sender.Name()
	}
	_, err := a.db.Exec(
		`INSERT OR IGNORE INTO messages (id, channel_id, sender_id, sender_name, content, message_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChannelID, senderID, senderName, m.Content, m.MessageType, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("archive message %s: %w", m.ID, err)
	}
	return nil
}

// Count returns the number of archived messages for a channel, or for all
// channels when channelID is empty.
func (a *Archive) Count(channelID string) (int, error) {
	var n int
	var err error
	if channelID == "" {
		err = a.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	} else {
		err = a.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE channel_id = ?`, channelID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count archive: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
