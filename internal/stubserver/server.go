// Package stubserver is a self-contained, in-memory rendition of the
// portal's chat backend: the REST surface plus the duplex websocket, enough
// for local development of the client and for end-to-end tests. State lives
// in process memory and disappears with it.
package stubserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/portalhq/portalchat/internal/auth"
	"github.com/portalhq/portalchat/internal/proto"
)

const (
	tokenTTL     = 24 * time.Hour
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// session is one websocket attachment of a user. Frames are queued on send
// and flushed by a per-session write pump; a full queue drops the session
// rather than blocking the broadcaster.
type session struct {
	userID string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// Server holds the stub's entire state.
type Server struct {
	log    *zerolog.Logger
	secret []byte

	mu       sync.Mutex
	users    map[string]proto.User
	channels map[string]*proto.Channel
	order    []string
	members  map[string][]proto.Member
	messages map[string][]proto.Message
	lastRead map[string]map[string]time.Time
	sessions map[*session]struct{}
}

// New builds a stub server seeded with a general channel everyone joins.
func New(secret string, logger *zerolog.Logger) *Server {
	s := &Server{
		log:      logger,
		secret:   []byte(secret),
		users:    make(map[string]proto.User),
		channels: make(map[string]*proto.Channel),
		members:  make(map[string][]proto.Member),
		messages: make(map[string][]proto.Message),
		lastRead: make(map[string]map[string]time.Time),
		sessions: make(map[*session]struct{}),
	}
	s.addChannel(&proto.Channel{
		ID:        uuid.NewString(),
		Name:      "general",
		Kind:      proto.ChannelPublic,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
	return s
}

func (s *Server) addChannel(ch *proto.Channel) {
	s.mu.Lock()
	s.channels[ch.ID] = ch
	s.order = append(s.order, ch.ID)
	s.lastRead[ch.ID] = make(map[string]time.Time)
	s.mu.Unlock()
}

// Router builds the handler serving the stub's HTTP surface. Tests mount it
// on an httptest server; cmd/chatstub serves it directly. The websocket
// endpoint sits on a plain mux in front of gin: Accept has to hijack the raw
// ResponseWriter, and gin's wrapped writer rejects the hijack after the 101.
func (s *Server) Router() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/auth/token", s.issueToken)

	api := r.Group("/api/chat", s.requireAuth)
	{
		api.GET("/channels", s.listChannels)
		api.POST("/channels", s.createChannel)
		api.GET("/channels/:id/members", s.channelMembers)
		api.GET("/channels/:id/messages", s.channelMessages)
		api.POST("/channels/:id/messages", s.postMessage)
		api.PATCH("/messages/:id", s.editMessage)
		api.DELETE("/messages/:id", s.deleteMessage)
		api.POST("/dm", s.openDM)
		api.GET("/presence", s.presence)
		api.GET("/users", s.searchUsers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", s.serveWS)
	mux.Handle("/", r)
	return mux
}

// ── auth ──

// issueToken registers a user (or reuses one by username) and mints an
// access token. Development shortcut; the real portal has a full login flow.
func (s *Server) issueToken(c *gin.Context) {
	var req struct {
		Username    string `json:"username" binding:"required"`
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	var user proto.User
	for _, u := range s.users {
		if u.Username == req.Username {
			user = u
			break
		}
	}
	if user.ID == "" {
		user = proto.User{
			ID:          uuid.NewString(),
			Username:    req.Username,
			DisplayName: req.DisplayName,
		}
		s.users[user.ID] = user
		for id := range s.channels {
			if s.channels[id].Kind == proto.ChannelPublic {
				s.joinLocked(id, user, "member")
			}
		}
	}
	s.mu.Unlock()

	token, err := auth.Mint(s.secret, auth.Identity{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
	}, tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "token minting failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (s *Server) joinLocked(channelID string, user proto.User, role string) {
	for _, m := range s.members[channelID] {
		if m.UserID == user.ID {
			return
		}
	}
	s.members[channelID] = append(s.members[channelID], proto.Member{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		Role:        role,
	})
	s.channels[channelID].MemberCount = len(s.members[channelID])
}

func (s *Server) requireAuth(c *gin.Context) {
	claims, err := s.authenticate(c.GetHeader("Authorization"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid credentials"})
		return
	}
	c.Set("user_id", claims.UserID)
	c.Next()
}

func (s *Server) authenticate(header string) (*auth.Claims, error) {
	raw := strings.TrimPrefix(header, "Bearer ")
	return auth.Verify(s.secret, raw)
}

func (s *Server) currentUser(c *gin.Context) proto.User {
	id := c.GetString("user_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id]
}

// ── REST handlers ──

func (s *Server) listChannels(c *gin.Context) {
	userID := c.GetString("user_id")

	s.mu.Lock()
	out := make([]proto.Channel, 0, len(s.order))
	for _, id := range s.order {
		if !s.isMemberLocked(id, userID) {
			continue
		}
		ch := *s.channels[id]
		ch.UnreadCount = s.unreadLocked(id, userID)
		out = append(out, ch)
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, out)
}

func (s *Server) isMemberLocked(channelID, userID string) bool {
	for _, m := range s.members[channelID] {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// unreadLocked counts messages from other users newer than the user's last
// read mark.
func (s *Server) unreadLocked(channelID, userID string) int {
	mark := s.lastRead[channelID][userID]
	n := 0
	for _, m := range s.messages[channelID] {
		if m.CreatedAt.After(mark) && m.SenderID() != userID && !m.IsDeleted {
			n++
		}
	}
	return n
}

func (s *Server) createChannel(c *gin.Context) {
	var req struct {
		Name        string   `json:"name" binding:"required"`
		Kind        string   `json:"type"`
		Description string   `json:"description"`
		MemberIDs   []string `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if req.Kind == "" {
		req.Kind = proto.ChannelPublic
	}

	creator := s.currentUser(c)
	now := time.Now()
	ch := &proto.Channel{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Kind:        req.Kind,
		Description: req.Description,
		CreatedBy:   creator.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.addChannel(ch)

	s.mu.Lock()
	s.joinLocked(ch.ID, creator, "owner")
	for _, id := range req.MemberIDs {
		if u, ok := s.users[id]; ok {
			s.joinLocked(ch.ID, u, "member")
		}
	}
	out := *ch
	s.mu.Unlock()

	s.broadcastChannelUpdate(out.ID)
	c.JSON(http.StatusCreated, out)
}

func (s *Server) channelMembers(c *gin.Context) {
	channelID := c.Param("id")
	s.mu.Lock()
	members := append([]proto.Member(nil), s.members[channelID]...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, members)
}

func (s *Server) channelMessages(c *gin.Context) {
	channelID := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before := c.Query("before")

	s.mu.Lock()
	all := s.messages[channelID]
	end := len(all)
	if before != "" {
		for i, m := range all {
			if m.ID == before {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := proto.MessagePage{
		Messages: append([]proto.Message(nil), all[start:end]...),
		HasMore:  start > 0,
	}
	for i := range page.Messages {
		page.Messages[i].ReadBy = s.readByLocked(channelID, page.Messages[i])
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, page)
}

// readByLocked projects the per-user read marks onto one message: every
// member whose mark is at or past the message's timestamp, except the
// sender, has read it.
func (s *Server) readByLocked(channelID string, m proto.Message) []proto.User {
	var readBy []proto.User
	for _, mem := range s.members[channelID] {
		if mem.UserID == m.SenderID() {
			continue
		}
		mark := s.lastRead[channelID][mem.UserID]
		if mark.Before(m.CreatedAt) {
			continue
		}
		readBy = append(readBy, proto.User{
			ID:          mem.UserID,
			Username:    mem.Username,
			DisplayName: mem.DisplayName,
			AvatarURL:   mem.AvatarURL,
		})
	}
	return readBy
}

func (s *Server) postMessage(c *gin.Context) {
	var req struct {
		Content     string `json:"content" binding:"required"`
		MessageType string `json:"message_type"`
		FileMeta    string `json:"file_meta"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	sender := s.currentUser(c)
	msg, ok := s.storeMessage(c.Param("id"), sender, req.Content, req.MessageType, req.FileMeta)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "channel not found"})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// storeMessage creates a message, marks it read for its sender, and
// broadcasts it to the channel's attached members. Shared by the REST and
// websocket send paths.
func (s *Server) storeMessage(channelID string, sender proto.User, content, messageType, fileMeta string) (proto.Message, bool) {
	if messageType == "" {
		messageType = proto.MessageText
	}
	now := time.Now()
	msg := proto.Message{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		Sender:      &sender,
		Content:     content,
		MessageType: messageType,
		FileMeta:    fileMeta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	if _, ok := s.channels[channelID]; !ok {
		s.mu.Unlock()
		return proto.Message{}, false
	}
	s.messages[channelID] = append(s.messages[channelID], msg)
	s.channels[channelID].UpdatedAt = now
	s.lastRead[channelID][sender.ID] = now
	s.mu.Unlock()

	s.broadcastToChannel(channelID, "", proto.NewMessage{Type: proto.TypeNewMessage, Message: msg})
	return msg, true
}

func (s *Server) editMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	messageID := c.Param("id")
	userID := c.GetString("user_id")

	s.mu.Lock()
	msg, channelID, ok := s.findMessageLocked(messageID)
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"detail": "message not found"})
		return
	}
	if msg.SenderID() != userID {
		s.mu.Unlock()
		c.JSON(http.StatusForbidden, gin.H{"detail": "not the author"})
		return
	}
	msg.Content = req.Content
	msg.IsEdited = true
	msg.UpdatedAt = time.Now()
	s.replaceMessageLocked(channelID, *msg)
	out := *msg
	s.mu.Unlock()

	s.broadcastChannelUpdate(channelID)
	c.JSON(http.StatusOK, out)
}

func (s *Server) deleteMessage(c *gin.Context) {
	messageID := c.Param("id")
	userID := c.GetString("user_id")

	s.mu.Lock()
	msg, channelID, ok := s.findMessageLocked(messageID)
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"detail": "message not found"})
		return
	}
	if msg.SenderID() != userID {
		s.mu.Unlock()
		c.JSON(http.StatusForbidden, gin.H{"detail": "not the author"})
		return
	}
	msg.IsDeleted = true
	msg.Content = ""
	s.replaceMessageLocked(channelID, *msg)
	s.mu.Unlock()

	s.broadcastChannelUpdate(channelID)
	c.Status(http.StatusNoContent)
}

func (s *Server) findMessageLocked(messageID string) (*proto.Message, string, bool) {
	for channelID, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				m := msgs[i]
				return &m, channelID, true
			}
		}
	}
	return nil, "", false
}

func (s *Server) replaceMessageLocked(channelID string, m proto.Message) {
	msgs := s.messages[channelID]
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs[i] = m
			return
		}
	}
}

func (s *Server) openDM(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	me := s.currentUser(c)

	s.mu.Lock()
	peer, ok := s.users[req.UserID]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"detail": "user not found"})
		return
	}
	for _, id := range s.order {
		ch := s.channels[id]
		if ch.Kind == proto.ChannelDM && s.isMemberLocked(id, me.ID) && s.isMemberLocked(id, peer.ID) {
			out := *ch
			s.mu.Unlock()
			c.JSON(http.StatusOK, out)
			return
		}
	}
	s.mu.Unlock()

	now := time.Now()
	ch := &proto.Channel{
		ID:        uuid.NewString(),
		Name:      me.Username + "," + peer.Username,
		Kind:      proto.ChannelDM,
		CreatedBy: me.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.addChannel(ch)
	s.mu.Lock()
	s.joinLocked(ch.ID, me, "member")
	s.joinLocked(ch.ID, peer, "member")
	out := *ch
	s.mu.Unlock()

	s.broadcastChannelUpdate(out.ID)
	c.JSON(http.StatusCreated, out)
}

func (s *Server) presence(c *gin.Context) {
	s.mu.Lock()
	set := make(map[string]struct{})
	for sess := range s.sessions {
		set[sess.userID] = struct{}{}
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	c.JSON(http.StatusOK, gin.H{"online_user_ids": ids})
}

func (s *Server) searchUsers(c *gin.Context) {
	q := strings.ToLower(c.Query("q"))

	s.mu.Lock()
	out := make([]proto.User, 0)
	for _, u := range s.users {
		if q == "" || strings.Contains(strings.ToLower(u.Username), q) ||
			strings.Contains(strings.ToLower(u.DisplayName), q) {
			out = append(out, u)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	c.JSON(http.StatusOK, out)
}

// ── websocket ──

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("ws accept failed")
		return
	}

	header := r.Header.Get("Authorization")
	if header == "" && r.URL.Query().Get("token") != "" {
		header = "Bearer " + r.URL.Query().Get("token")
	}
	claims, err := s.authenticate(header)
	if err != nil {
		// The handshake already succeeded, so the rejection travels as an
		// application close code the client recognizes as non-retryable.
		ws.Close(websocket.StatusCode(4001), "unauthorized")
		return
	}

	s.mu.Lock()
	user, ok := s.users[claims.UserID]
	s.mu.Unlock()
	if !ok {
		ws.Close(websocket.StatusCode(4001), "unknown user")
		return
	}

	sess := &session{
		userID: user.ID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	s.attach(sess)
	defer s.detach(sess)

	go s.writePump(sess)
	s.readPump(r.Context(), sess, user)
}

func (s *Server) attach(sess *session) {
	s.mu.Lock()
	first := !s.onlineLocked(sess.userID)
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.log.Info().Str("user", sess.userID).Msg("ws session attached")
	if first {
		s.broadcastToAll("", proto.Presence{Type: proto.TypePresence, UserID: sess.userID, Status: "online"})
	}
}

func (s *Server) detach(sess *session) {
	sess.close()
	s.mu.Lock()
	delete(s.sessions, sess)
	last := !s.onlineLocked(sess.userID)
	s.mu.Unlock()

	sess.ws.Close(websocket.StatusNormalClosure, "")
	s.log.Info().Str("user", sess.userID).Msg("ws session detached")
	if last {
		s.broadcastToAll("", proto.Presence{Type: proto.TypePresence, UserID: sess.userID, Status: "offline"})
	}
}

func (s *Server) onlineLocked(userID string) bool {
	for sess := range s.sessions {
		if sess.userID == userID {
			return true
		}
	}
	return false
}

func (s *Server) writePump(sess *session) {
	for {
		select {
		case <-sess.done:
			return
		case data := <-sess.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := sess.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				sess.close()
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, sess *session, user proto.User) {
	for {
		_, data, err := sess.ws.Read(ctx)
		if err != nil {
			return
		}
		s.handleClientFrame(sess, user, data)
	}
}

func (s *Server) handleClientFrame(sess *session, user proto.User, data []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendTo(sess, proto.ErrorFrame{Type: proto.TypeError, Detail: "undecodable frame"})
		return
	}

	switch env.Type {
	case proto.TypePing:
		s.sendTo(sess, map[string]string{"type": proto.TypePong})

	case proto.TypeSendMessage:
		var frame proto.SendMessage
		if err := json.Unmarshal(data, &frame); err != nil || strings.TrimSpace(frame.Content) == "" {
			s.sendTo(sess, proto.ErrorFrame{Type: proto.TypeError, Detail: "invalid send_message"})
			return
		}
		if _, ok := s.storeMessage(frame.ChannelID, user, frame.Content, frame.MessageType, frame.FileMeta); !ok {
			s.sendTo(sess, proto.ErrorFrame{Type: proto.TypeError, Detail: "channel not found"})
		}

	case proto.TypeTyping:
		var frame proto.Typing
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		s.broadcastToChannel(frame.ChannelID, user.ID, proto.Typing{
			Type:      proto.TypeTyping,
			ChannelID: frame.ChannelID,
			UserID:    user.ID,
			Username:  user.Username,
		})

	case proto.TypeMarkRead:
		var frame proto.MarkRead
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		s.applyMarkRead(frame, user)

	default:
		s.sendTo(sess, proto.ErrorFrame{Type: proto.TypeError, Detail: "unknown frame type"})
	}
}

func (s *Server) applyMarkRead(frame proto.MarkRead, user proto.User) {
	s.mu.Lock()
	marks, ok := s.lastRead[frame.ChannelID]
	if !ok {
		s.mu.Unlock()
		return
	}
	var at time.Time
	for _, m := range s.messages[frame.ChannelID] {
		if m.ID == frame.MessageID {
			at = m.CreatedAt
			break
		}
	}
	if at.IsZero() {
		s.mu.Unlock()
		return
	}
	if at.After(marks[user.ID]) {
		marks[user.ID] = at
	}
	s.mu.Unlock()

	s.broadcastToChannel(frame.ChannelID, user.ID, proto.MessageRead{
		Type:      proto.TypeMessageRead,
		ChannelID: frame.ChannelID,
		UserID:    user.ID,
		Username:  user.Username,
		AvatarURL: user.AvatarURL,
		MessageID: frame.MessageID,
	})
}

// ── broadcast plumbing ──

func (s *Server) sendTo(sess *session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case sess.send <- data:
	default:
		// Queue full: the peer stopped draining, cut it loose.
		sess.close()
	}
}

// broadcastToChannel queues a frame to every attached member of a channel,
// optionally skipping one user (typically the originator).
func (s *Server) broadcastToChannel(channelID, skipUserID string, v any) {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess.userID == skipUserID {
			continue
		}
		if s.isMemberLocked(channelID, sess.userID) {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range targets {
		s.sendTo(sess, v)
	}
}

func (s *Server) broadcastToAll(skipUserID string, v any) {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess.userID != skipUserID {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range targets {
		s.sendTo(sess, v)
	}
}

func (s *Server) broadcastChannelUpdate(channelID string) {
	s.broadcastToChannel(channelID, "", map[string]string{
		"type":       proto.TypeChannelUpdate,
		"channel_id": channelID,
	})
}
