package stubserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/portalhq/portalchat/internal/log"
	"github.com/portalhq/portalchat/internal/proto"
	"github.com/portalhq/portalchat/internal/rest"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ts := httptest.NewServer(New("test-secret", log.Nop()).Router())
	t.Cleanup(ts.Close)
	return ts
}

func login(t *testing.T, baseURL, username string) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"username": username})
	resp, err := http.Post(baseURL+"/api/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("token request: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if out.Token == "" {
		t.Fatal("empty token")
	}
	return out.Token
}

func dialWS(t *testing.T, baseURL, token string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/chat"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

// readFrameOfType drains inbound frames (presence traffic interleaves) until
// one of the wanted type arrives.
func readFrameOfType(t *testing.T, ws *websocket.Conn, frameType string) map[string]any {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var frame map[string]any
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			t.Fatalf("waiting for %q frame: %v", frameType, err)
		}
		if frame["type"] == frameType {
			return frame
		}
	}
}

func TestWebsocketSessionServesFrames(t *testing.T) {
	ts := startServer(t)
	ws := dialWS(t, ts.URL, login(t, ts.URL, "alice"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, proto.NewPing()); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readFrameOfType(t, ws, proto.TypePong)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	ts := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat"
	header := http.Header{}
	header.Set("Authorization", "Bearer garbage")
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("handshake should succeed before the auth close: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	var frame map[string]any
	readErr := wsjson.Read(ctx, ws, &frame)
	if websocket.CloseStatus(readErr) != websocket.StatusCode(4001) {
		t.Fatalf("expected close 4001, got %v", readErr)
	}
}

func TestPageCarriesReadReceipts(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()
	alice := rest.New(ts.URL, login(t, ts.URL, "alice"), log.Nop())
	bobToken := login(t, ts.URL, "bob")

	channels, err := alice.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	general := channels[0].ID
	msg, err := alice.SendMessage(ctx, general, "read me", "", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	ws := dialWS(t, ts.URL, bobToken)
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, ws, proto.NewMarkRead(general, msg.ID)); err != nil {
		t.Fatalf("write mark_read: %v", err)
	}

	// The mark is applied by the session's read loop; poll the page until
	// the receipt shows up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		page, err := alice.Messages(ctx, general, "", 10)
		if err != nil {
			t.Fatalf("page fetch: %v", err)
		}
		if len(page.Messages) == 1 && len(page.Messages[0].ReadBy) == 1 {
			if got := page.Messages[0].ReadBy[0].Username; got != "bob" {
				t.Fatalf("read_by carries %q, want bob", got)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("message page never carried bob's read receipt")
}

func TestPageReadReceiptsExcludeSender(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()
	alice := rest.New(ts.URL, login(t, ts.URL, "alice"), log.Nop())

	channels, _ := alice.ListChannels(ctx)
	if _, err := alice.SendMessage(ctx, channels[0].ID, "own message", "", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Sending marks the channel read for the sender; that mark must not
	// surface as a receipt on the sender's own message.
	page, err := alice.Messages(ctx, channels[0].ID, "", 10)
	if err != nil {
		t.Fatalf("page fetch: %v", err)
	}
	if len(page.Messages[0].ReadBy) != 0 {
		t.Fatalf("sender leaked into read_by: %+v", page.Messages[0].ReadBy)
	}
}

func TestSeededChannelAndMembership(t *testing.T) {
	ts := startServer(t)
	c := rest.New(ts.URL, login(t, ts.URL, "alice"), log.Nop())
	ctx := context.Background()

	channels, err := c.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	if len(channels) != 1 || channels[0].Name != "general" {
		t.Fatalf("expected seeded general channel, got %+v", channels)
	}

	members, err := c.ChannelMembers(ctx, channels[0].ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0].Username != "alice" {
		t.Fatalf("alice should be auto-joined, got %+v", members)
	}
}

func TestMessagePaginationWithCursor(t *testing.T) {
	ts := startServer(t)
	c := rest.New(ts.URL, login(t, ts.URL, "alice"), log.Nop())
	ctx := context.Background()

	channels, err := c.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	general := channels[0].ID

	for _, content := range []string{"one", "two", "three"} {
		if _, err := c.SendMessage(ctx, general, content, "", ""); err != nil {
			t.Fatalf("send %q: %v", content, err)
		}
	}

	page, err := c.Messages(ctx, general, "", 2)
	if err != nil {
		t.Fatalf("latest page: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("expected 2 messages with more behind, got %+v", page)
	}
	if page.Messages[0].Content != "two" || page.Messages[1].Content != "three" {
		t.Fatalf("unexpected page order: %+v", page.Messages)
	}

	older, err := c.Messages(ctx, general, page.Messages[0].ID, 2)
	if err != nil {
		t.Fatalf("older page: %v", err)
	}
	if len(older.Messages) != 1 || older.Messages[0].Content != "one" || older.HasMore {
		t.Fatalf("unexpected older page: %+v", older)
	}
}

func TestUnreadFollowsSenderAndReader(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()
	alice := rest.New(ts.URL, login(t, ts.URL, "alice"), log.Nop())
	bob := rest.New(ts.URL, login(t, ts.URL, "bob"), log.Nop())

	channels, err := alice.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	general := channels[0].ID

	if _, err := alice.SendMessage(ctx, general, "hello", "", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	aliceView, _ := alice.ListChannels(ctx)
	if aliceView[0].UnreadCount != 0 {
		t.Fatalf("sender's own message must not be unread, got %d", aliceView[0].UnreadCount)
	}
	bobView, _ := bob.ListChannels(ctx)
	if bobView[0].UnreadCount != 1 {
		t.Fatalf("bob should have 1 unread, got %d", bobView[0].UnreadCount)
	}
}

func TestEditAndDeleteRequireAuthor(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()
	alice := rest.New(ts.URL, login(t, ts.URL, "alice"), log.Nop())
	bob := rest.New(ts.URL, login(t, ts.URL, "bob"), log.Nop())

	channels, _ := alice.ListChannels(ctx)
	msg, err := alice.SendMessage(ctx, channels[0].ID, "typo", "", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := bob.EditMessage(ctx, msg.ID, "hijacked"); err == nil {
		t.Fatal("editing another user's message should fail")
	}

	edited, err := alice.EditMessage(ctx, msg.ID, "fixed")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Content != "fixed" || !edited.IsEdited {
		t.Fatalf("unexpected edit result: %+v", edited)
	}

	if err := alice.DeleteMessage(ctx, msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	page, _ := alice.Messages(ctx, channels[0].ID, "", 10)
	if len(page.Messages) != 1 || !page.Messages[0].IsDeleted {
		t.Fatalf("delete should be a soft delete: %+v", page.Messages)
	}
}

func TestDMIsIdempotentPerPair(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()
	alice := rest.New(ts.URL, login(t, ts.URL, "alice"), log.Nop())
	_ = login(t, ts.URL, "bob")

	users, err := alice.SearchUsers(ctx, "bob")
	if err != nil || len(users) != 1 {
		t.Fatalf("search bob: %v %+v", err, users)
	}

	first, err := alice.OpenDM(ctx, users[0].ID)
	if err != nil {
		t.Fatalf("open dm: %v", err)
	}
	second, err := alice.OpenDM(ctx, users[0].ID)
	if err != nil {
		t.Fatalf("reopen dm: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("same pair should share one DM channel: %s vs %s", first.ID, second.ID)
	}
}

func TestRejectsBadCredentials(t *testing.T) {
	ts := startServer(t)
	c := rest.New(ts.URL, "garbage-token", log.Nop())

	_, err := c.ListChannels(context.Background())
	var apiErr *rest.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
