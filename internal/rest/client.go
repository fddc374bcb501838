// Package rest is the request/response collaborator for the chat domain.
// The sync core consumes it identically whether the socket is up or down:
// for bootstrap fetches, backward pagination, and as the send fallback while
// the transport is reconnecting.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/portalhq/portalchat/internal/proto"
)

// APIError is a non-2xx response from the portal API.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Detail)
}

// Client talks to the portal's chat REST endpoints.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   *zerolog.Logger
}

// New builds a REST client. base is the portal's root URL, token the access
// token sent as a bearer credential.
func New(base, token string, logger *zerolog.Logger) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
		log:   logger,
	}
}

// ListChannels fetches every channel the user is a member of, with
// authoritative unread counts.
func (c *Client) ListChannels(ctx context.Context) ([]proto.Channel, error) {
	var out []proto.Channel
	if err := c.do(ctx, http.MethodGet, "/api/chat/channels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateChannel creates a public or private channel with an initial member
// list.
func (c *Client) CreateChannel(ctx context.Context, name, kind, description string, memberIDs []string) (proto.Channel, error) {
	body := map[string]any{
		"name":       name,
		"type":       kind,
		"member_ids": memberIDs,
	}
	if description != "" {
		body["description"] = description
	}
	var out proto.Channel
	if err := c.do(ctx, http.MethodPost, "/api/chat/channels", body, &out); err != nil {
		return proto.Channel{}, err
	}
	return out, nil
}

// ChannelMembers fetches the roster for a channel.
func (c *Client) ChannelMembers(ctx context.Context, channelID string) ([]proto.Member, error) {
	var out []proto.Member
	path := "/api/chat/channels/" + url.PathEscape(channelID) + "/members"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches one page of channel history. A non-empty before cursor
// names the message to page backward from.
func (c *Client) Messages(ctx context.Context, channelID, before string, limit int) (proto.MessagePage, error) {
	path := "/api/chat/channels/" + url.PathEscape(channelID) + "/messages?limit=" + strconv.Itoa(limit)
	if before != "" {
		path += "&before=" + url.QueryEscape(before)
	}
	var out proto.MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return proto.MessagePage{}, err
	}
	return out, nil
}

// SendMessage creates a message synchronously and returns the stored result.
// This is the fallback path while the socket is down.
func (c *Client) SendMessage(ctx context.Context, channelID, content, messageType, fileMeta string) (proto.Message, error) {
	if messageType == "" {
		messageType = proto.MessageText
	}
	body := map[string]any{
		"content":      content,
		"message_type": messageType,
	}
	if fileMeta != "" {
		body["file_meta"] = fileMeta
	}
	var out proto.Message
	path := "/api/chat/channels/" + url.PathEscape(channelID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return proto.Message{}, err
	}
	return out, nil
}

// EditMessage replaces a message's content.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (proto.Message, error) {
	var out proto.Message
	path := "/api/chat/messages/" + url.PathEscape(messageID)
	if err := c.do(ctx, http.MethodPatch, path, map[string]any{"content": content}, &out); err != nil {
		return proto.Message{}, err
	}
	return out, nil
}

// DeleteMessage soft-deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	path := "/api/chat/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// OpenDM returns the direct-message channel with another user, creating it if
// it does not exist yet.
func (c *Client) OpenDM(ctx context.Context, userID string) (proto.Channel, error) {
	var out proto.Channel
	if err := c.do(ctx, http.MethodPost, "/api/chat/dm", map[string]any{"user_id": userID}, &out); err != nil {
		return proto.Channel{}, err
	}
	return out, nil
}

// Presence fetches the snapshot of currently online user ids.
func (c *Client) Presence(ctx context.Context) ([]string, error) {
	var out struct {
		OnlineUserIDs []string `json:"online_user_ids"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chat/presence", nil, &out); err != nil {
		return nil, err
	}
	return out.OnlineUserIDs, nil
}

// SearchUsers looks up portal users by name fragment.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]proto.User, error) {
	var out []proto.User
	path := "/api/chat/users?q=" + url.QueryEscape(query)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var detail struct {
			Detail string `json:"detail"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&detail); decodeErr == nil {
			apiErr.Detail = detail.Detail
		}
		c.log.Warn().Int("status", resp.StatusCode).Str("path", path).Str("detail", apiErr.Detail).Msg("api request failed")
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
