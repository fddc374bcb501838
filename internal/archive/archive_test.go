package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/portalhq/portalchat/internal/log"
	"github.com/portalhq/portalchat/internal/proto"
)

func TestAppendIsIdempotent(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"), log.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	m := proto.Message{
		ID:          "m1",
		ChannelID:   "ch1",
		Sender:      &proto.User{ID: "u1", Username: "alice"},
		Content:     "hello",
		MessageType: proto.MessageText,
		CreatedAt:   time.Now(),
	}
	if err := a.Append(m); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := a.Append(m); err != nil {
		t.Fatalf("replayed append: %v", err)
	}

	n, err := a.Count("ch1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 archived message, got %d", n)
	}
}

func TestCountScopesByChannel(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"), log.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	for _, m := range []proto.Message{
		{ID: "m1", ChannelID: "ch1", Content: "a", MessageType: proto.MessageText, CreatedAt: time.Now()},
		{ID: "m2", ChannelID: "ch1", Content: "b", MessageType: proto.MessageText, CreatedAt: time.Now()},
		{ID: "m3", ChannelID: "ch2", Content: "c", MessageType: proto.MessageSystem, CreatedAt: time.Now()},
	} {
		if err := a.Append(m); err != nil {
			t.Fatalf("append %s: %v", m.ID, err)
		}
	}

	if n, _ := a.Count("ch1"); n != 2 {
		t.Fatalf("ch1 count = %d, want 2", n)
	}
	if n, _ := a.Count(""); n != 3 {
		t.Fatalf("total count = %d, want 3", n)
	}
}
