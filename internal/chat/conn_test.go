package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/portalhq/portalchat/internal/log"
)

// testConn builds a connection manager whose backoff floor is long enough
// that scheduled retries never fire during the test. Failures are injected
// through handleDown directly.
func testConn(t *testing.T, onState func(ConnState)) *Conn {
	t.Helper()

	c := newConn(context.Background(), connOptions{
		serverURL:      "http://example.invalid",
		token:          "t",
		backoffFloor:   time.Hour,
		backoffCeiling: 4 * time.Hour,
		onFrame:        func([]byte) {},
		onState:        onState,
	}, log.Nop())
	t.Cleanup(c.Close)
	return c
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	c := testConn(t, nil)

	if got := c.currentBackoff(); got != time.Hour {
		t.Fatalf("initial backoff should be the floor, got %v", got)
	}

	boom := errors.New("connection reset")
	c.handleDown(nil, boom)
	if got := c.currentBackoff(); got != 2*time.Hour {
		t.Fatalf("backoff should double after a failure, got %v", got)
	}

	c.handleDown(nil, boom)
	c.handleDown(nil, boom)
	if got := c.currentBackoff(); got != 4*time.Hour {
		t.Fatalf("backoff should cap at the ceiling, got %v", got)
	}
}

func TestUnauthorizedCloseSuppressesRetry(t *testing.T) {
	var states []ConnState
	c := testConn(t, func(s ConnState) { states = append(states, s) })

	c.handleDown(nil, websocket.CloseError{Code: statusUnauthorized, Reason: "unauthorized"})

	if c.currentBackoff() != time.Hour {
		t.Fatal("an auth rejection must not consume backoff")
	}
	c.mu.Lock()
	closed := c.closed
	timer := c.reconnect
	c.mu.Unlock()
	if !closed {
		t.Fatal("connection should be permanently closed after auth rejection")
	}
	if timer != nil {
		t.Fatal("no reconnect may be scheduled after auth rejection")
	}
	if len(states) == 0 || states[len(states)-1] != StateDisconnected {
		t.Fatalf("expected a disconnected notification, got %v", states)
	}
}

func TestSendFailsFastWhileDown(t *testing.T) {
	c := testConn(t, nil)

	if err := c.Send(map[string]string{"type": "ping"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	downs := 0
	c := testConn(t, func(s ConnState) {
		if s == StateDisconnected {
			downs++
		}
	})

	c.handleDown(nil, errors.New("broken pipe"))
	c.Close()
	c.Close()

	// One notification for the failure; Close on an already-down transport
	// stays silent.
	if downs != 1 {
		t.Fatalf("expected 1 disconnect notification, got %d", downs)
	}
	if c.currentBackoff() != 2*time.Hour {
		t.Fatal("close must not reset backoff bookkeeping")
	}
}

func TestHandleDownIgnoresStaleConnection(t *testing.T) {
	c := testConn(t, nil)
	c.handleDown(nil, errors.New("first failure"))
	before := c.currentBackoff()

	// A read loop of a connection that was already replaced reports its
	// error late; the bookkeeping must not move.
	stale := &websocket.Conn{}
	c.handleDown(stale, errors.New("late failure"))
	if got := c.currentBackoff(); got != before {
		t.Fatalf("stale failure changed backoff: %v -> %v", before, got)
	}
}

func TestBackoffResetsAfterSuccessfulConnect(t *testing.T) {
	ts := startStub(t)
	token := issueToken(t, ts.URL, "alice")

	c := newConn(context.Background(), connOptions{
		serverURL:      ts.URL,
		token:          token,
		backoffFloor:   100 * time.Millisecond,
		backoffCeiling: time.Second,
		onFrame:        func([]byte) {},
	}, log.Nop())
	t.Cleanup(c.Close)

	// Two consecutive failures grow the delay; the scheduled retries then
	// reach the live server.
	c.handleDown(nil, errors.New("connection refused"))
	c.handleDown(nil, errors.New("connection refused"))
	if got := c.currentBackoff(); got != 400*time.Millisecond {
		t.Fatalf("backoff before reconnect = %v, want 400ms", got)
	}

	waitFor(t, func() bool { return c.State() == StateConnected })
	if got := c.currentBackoff(); got != 100*time.Millisecond {
		t.Fatalf("backoff after successful connect = %v, want the floor", got)
	}
}

func TestWSURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws/chat"},
		{"https://portal.example.com/", "wss://portal.example.com/ws/chat"},
		{"ws://already", "ws://already/ws/chat"},
	}
	for _, tc := range cases {
		if got := wsURL(tc.base); got != tc.want {
			t.Fatalf("wsURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}
