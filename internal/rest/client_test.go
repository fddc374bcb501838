package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/portalhq/portalchat/internal/log"
	"github.com/portalhq/portalchat/internal/proto"
)

func TestRequestsCarryBearerToken(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]proto.Channel{})
	}))
	defer ts.Close()

	c := New(ts.URL, "tok-123", log.Nop())
	if _, err := c.ListChannels(context.Background()); err != nil {
		t.Fatalf("list channels: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
}

func TestMessagesBuildsCursorQuery(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		json.NewEncoder(w).Encode(proto.MessagePage{HasMore: true})
	}))
	defer ts.Close()

	c := New(ts.URL, "t", log.Nop())
	page, err := c.Messages(context.Background(), "ch1", "msg9", 25)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	want := "/api/chat/channels/ch1/messages?limit=25&before=msg9"
	if gotPath != want {
		t.Fatalf("path = %q, want %q", gotPath, want)
	}
	if !page.HasMore {
		t.Fatal("has_more not decoded")
	}
}

func TestErrorDetailSurfacesInAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"detail": "not a member"})
	}))
	defer ts.Close()

	c := New(ts.URL, "t", log.Nop())
	_, err := c.SendMessage(context.Background(), "ch1", "hi", "", "")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Detail != "not a member" {
		t.Fatalf("unexpected error contents: %+v", apiErr)
	}
}

func TestSendMessageDefaultsToText(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(proto.Message{ID: "m1"})
	}))
	defer ts.Close()

	c := New(ts.URL, "t", log.Nop())
	if _, err := c.SendMessage(context.Background(), "ch1", "hi", "", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotBody["message_type"] != proto.MessageText {
		t.Fatalf("expected default text type, got %v", gotBody["message_type"])
	}
	if _, ok := gotBody["file_meta"]; ok {
		t.Fatal("empty file_meta should be omitted")
	}
}
