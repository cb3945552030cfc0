package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabcast/signaling-server/internal/metrics"
	"github.com/tabcast/signaling-server/internal/ratelimit"
	"github.com/tabcast/signaling-server/internal/room"
)

const (
	wsWriteWait = 1 * time.Second

	defaultHeartbeatTimeout     = 20 * time.Second
	defaultHeartbeatInterval    = 10 * time.Second
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50

	maxChatRunes = 2000
)

// Config wires together the runtime dependencies for the signaling server.
type Config struct {
	// Registry tracks room membership. Required.
	Registry *room.Registry

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// MaxViewersPerRoom caps viewers per room. Zero means unlimited.
	MaxViewersPerRoom int

	// HeartbeatTimeout is how long a connection may go without a pong before
	// it is considered dead. HeartbeatInterval is how often pings are sent.
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration

	// Inbound message hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// AllowedOrigin restricts WebSocket upgrades by Origin header. "*" or
	// empty accepts any origin.
	AllowedOrigin string

	// Clock is used for chat timestamps and rate limiting. Nil means wall
	// clock.
	Clock ratelimit.Clock
}

// Server implements the WebSocket signaling surface: room membership,
// targeted SDP/ICE relay between a sharer and its viewers, and room-wide
// chat broadcast.
type Server struct {
	registry *room.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	maxViewersPerRoom    int
	heartbeatTimeout     time.Duration
	heartbeatInterval    time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
	allowedOrigin        string
	clock                ratelimit.Clock

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
}

func NewServer(cfg Config) *Server {
	s := &Server{
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,

		maxViewersPerRoom:    cfg.MaxViewersPerRoom,
		heartbeatTimeout:     cfg.HeartbeatTimeout,
		heartbeatInterval:    cfg.HeartbeatInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		allowedOrigin:        cfg.AllowedOrigin,
		clock:                cfg.Clock,

		conns: make(map[string]*conn),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = ratelimit.RealClock{}
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

func (s *Server) heartbeatTimeoutOrDefault() time.Duration {
	if s.heartbeatTimeout <= 0 {
		return defaultHeartbeatTimeout
	}
	return s.heartbeatTimeout
}

func (s *Server) heartbeatIntervalOrDefault() time.Duration {
	if s.heartbeatInterval <= 0 {
		return defaultHeartbeatInterval
	}
	return s.heartbeatInterval
}

func (s *Server) maxMessageBytesOrDefault() int64 {
	if s.maxMessageBytes <= 0 {
		return defaultMaxMessageBytes
	}
	return s.maxMessageBytes
}

func (s *Server) maxMessagesPerSecondOrDefault() int {
	if s.maxMessagesPerSecond <= 0 {
		return defaultMaxMessagesPerSecond
	}
	return s.maxMessagesPerSecond
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.allowedOrigin == "" || s.allowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients.
		return true
	}
	for _, allowed := range strings.Split(s.allowedOrigin, ",") {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.ServeHTTP)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id, err := newConnID()
	if err != nil {
		s.logger.Error("generate conn id", "err", err)
		_ = ws.Close()
		return
	}

	perSecond := int64(s.maxMessagesPerSecondOrDefault())
	c := &conn{
		srv:     s,
		ws:      ws,
		id:      id,
		limiter: ratelimit.NewTokenBucket(s.clock, perSecond, perSecond),
	}
	c.run()
}

// Close tears down every open connection. Used on shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
	}
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.OpenConnections.Inc()
	}
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.OpenConnections.Dec()
	}
}

func (s *Server) lookup(connID string) (*conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connID]
	return c, ok
}

// connsFor resolves member ids to live connections, skipping except.
func (s *Server) connsFor(ids []string, except string) []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(ids))
	for _, id := range ids {
		if id == except {
			continue
		}
		if c, ok := s.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) incDrop(reason string) {
	if s.metrics != nil {
		s.metrics.Drops.WithLabelValues(reason).Inc()
	}
}

func newConnID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate conn id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// conn is one client WebSocket. sessionID/role/joined are owned by the
// reader goroutine in run; other goroutines only write through send.
type conn struct {
	srv *Server
	ws  *websocket.Conn
	id  string

	limiter *ratelimit.TokenBucket

	sessionID string
	role      room.Role
	joined    bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *conn) run() {
	c.srv.register(c)
	defer c.teardown()

	if err := c.send(serverMessage{Type: messageTypeWelcome, ConnID: c.id}); err != nil {
		return
	}

	c.ws.SetReadLimit(c.srv.maxMessageBytesOrDefault())

	timeout := c.srv.heartbeatTimeoutOrDefault()
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(timeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(pingDone)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		// Rate-limit after reading so bytes already in the TCP receive buffer
		// are consumed. Closing with unread data can turn into an abortive
		// close (RST) and clients never see the close code.
		if !c.limiter.Allow(1) {
			c.srv.incDrop(metrics.DropReasonRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			if errors.Is(err, errUnknownMessageType) {
				c.srv.incDrop(metrics.DropReasonUnknownType)
				continue
			}
			c.srv.incDrop(metrics.DropReasonBadMessage)
			continue
		}

		switch msg.Type {
		case messageTypeJoinRoom:
			c.handleJoin(msg)
		case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate,
			messageTypeViewerMicOffer, messageTypeViewerMicAnswer, messageTypeViewerMicICE:
			c.handleRelay(msg)
		case messageTypeChatMessage:
			c.handleChat(msg)
		}
	}
}

func (c *conn) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.srv.heartbeatIntervalOrDefault())
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) handleJoin(msg clientMessage) {
	if c.joined {
		c.joinError("already_joined", "Already in a room")
		return
	}
	if msg.SessionID == "" || msg.Role == "" {
		c.joinError("missing_fields", "Missing sessionId or role")
		return
	}
	if !room.IsValidSessionID(msg.SessionID) {
		c.joinError("invalid_session_id", "Invalid session ID")
		return
	}

	reg := c.srv.registry
	switch room.Role(msg.Role) {
	case room.RoleSharer:
		if !reg.ClaimSharer(msg.SessionID, c.id) {
			c.joinError("sharer_taken", "Room already has a sharer")
			return
		}
		c.sessionID = msg.SessionID
		c.role = room.RoleSharer
		c.joined = true

		// Tell the sharer about viewers that arrived first, so it can start
		// an offer toward each of them.
		viewers := reg.ViewerIDs(msg.SessionID)
		count := len(viewers)
		for _, viewerID := range viewers {
			_ = c.send(serverMessage{
				Type:        messageTypeViewerJoined,
				ViewerID:    viewerID,
				ViewerCount: intPtr(count),
			})
		}
		c.joinOK(count)

	case room.RoleViewer:
		res, count := reg.JoinViewer(msg.SessionID, c.id, c.srv.maxViewersPerRoom)
		if res == room.AtCapacity {
			c.joinError("room_full", "Viewer limit reached")
			return
		}
		c.sessionID = msg.SessionID
		c.role = room.RoleViewer
		c.joined = true

		// An idempotent re-join acks with the current count but does not
		// re-announce the viewer.
		if res == room.Joined {
			c.broadcast(serverMessage{
				Type:        messageTypeViewerJoined,
				ViewerID:    c.id,
				ViewerCount: intPtr(count),
			}, c.id)
		}
		c.joinOK(count)

	default:
		c.joinError("invalid_role", "Invalid role")
	}
}

func (c *conn) joinOK(viewerCount int) {
	if c.srv.metrics != nil {
		c.srv.metrics.Joins.WithLabelValues(string(c.role)).Inc()
	}
	c.srv.logger.Info("room joined",
		"conn", c.id, "session", c.sessionID, "role", string(c.role), "viewers", viewerCount)
	_ = c.send(serverMessage{
		Type:        messageTypeJoinRoomOK,
		ViewerCount: intPtr(viewerCount),
	})
}

func (c *conn) joinError(reason, message string) {
	if c.srv.metrics != nil {
		c.srv.metrics.JoinErrors.WithLabelValues(reason).Inc()
	}
	_ = c.send(serverMessage{
		Type:    messageTypeJoinRoomError,
		Message: message,
	})
}

// relaySenderAllowed enforces which role may originate each targeted message.
// ICE candidates flow both ways on both the screen-share and the viewer-mic
// peer connections, so either member may send them.
func relaySenderAllowed(t messageType, senderRole room.Role) bool {
	switch t {
	case messageTypeOffer:
		return senderRole == room.RoleSharer
	case messageTypeAnswer:
		return senderRole == room.RoleViewer
	case messageTypeViewerMicOffer:
		return senderRole == room.RoleViewer
	case messageTypeViewerMicAnswer:
		return senderRole == room.RoleSharer
	case messageTypeICECandidate, messageTypeViewerMicICE:
		return true
	}
	return false
}

// sharerCheck verifies against the registry, not the cached role, so a stale
// sharer that lost its slot cannot keep sending offers.
func (c *conn) sharerCheck(t messageType) bool {
	if t != messageTypeOffer && t != messageTypeViewerMicAnswer {
		return true
	}
	id, ok := c.srv.registry.SharerID(c.sessionID)
	return ok && id == c.id
}

func (c *conn) handleRelay(msg clientMessage) {
	if !c.joined {
		c.srv.incDrop(metrics.DropReasonNotJoined)
		return
	}
	if !relaySenderAllowed(msg.Type, c.role) || !c.sharerCheck(msg.Type) {
		c.srv.incDrop(metrics.DropReasonUnauthorizedSender)
		return
	}

	target, ok := c.srv.lookup(msg.To)
	if !ok {
		c.srv.incDrop(metrics.DropReasonTargetNotConnected)
		return
	}

	if c.srv.metrics != nil {
		c.srv.metrics.Relayed.WithLabelValues(string(msg.Type)).Inc()
	}
	_ = target.send(serverMessage{
		Type:      msg.Type,
		From:      c.id,
		SDP:       msg.SDP,
		Candidate: msg.Candidate,
	})
}

func (c *conn) handleChat(msg clientMessage) {
	if !c.joined {
		c.srv.incDrop(metrics.DropReasonNotJoined)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if runes := []rune(text); len(runes) > maxChatRunes {
		text = string(runes[:maxChatRunes])
	}

	if c.srv.metrics != nil {
		c.srv.metrics.Broadcasts.WithLabelValues(string(messageTypeChatMessage)).Inc()
	}
	// The sender receives its own message back, same as everyone else.
	c.broadcast(serverMessage{
		Type: messageTypeChatMessage,
		From: c.id,
		Role: string(c.role),
		Text: text,
		Ts:   c.srv.clock.Now().UnixMilli(),
	}, "")
}

// broadcast sends msg to every member of c's room except the connection id
// in except. Registry locks are never held across writes.
func (c *conn) broadcast(msg serverMessage, except string) {
	members := c.srv.registry.MemberIDs(c.sessionID)
	for _, target := range c.srv.connsFor(members, except) {
		_ = target.send(msg)
	}
}

func (c *conn) teardown() {
	c.srv.unregister(c)

	if c.joined {
		reg := c.srv.registry
		switch c.role {
		case room.RoleSharer:
			// Collect recipients before release: releasing the sharer slot of
			// an otherwise empty room deletes the room.
			members := reg.MemberIDs(c.sessionID)
			reg.ReleaseSharer(c.sessionID, c.id)
			if c.srv.metrics != nil {
				c.srv.metrics.Broadcasts.WithLabelValues(string(messageTypeSharerLeft)).Inc()
			}
			for _, target := range c.srv.connsFor(members, c.id) {
				_ = target.send(serverMessage{Type: messageTypeSharerLeft})
			}
		case room.RoleViewer:
			reg.RemoveViewer(c.sessionID, c.id)
			count := reg.ViewerCount(c.sessionID)
			if c.srv.metrics != nil {
				c.srv.metrics.Broadcasts.WithLabelValues(string(messageTypeViewerLeft)).Inc()
			}
			for _, target := range c.srv.connsFor(reg.MemberIDs(c.sessionID), c.id) {
				_ = target.send(serverMessage{
					Type:        messageTypeViewerLeft,
					ViewerID:    c.id,
					ViewerCount: intPtr(count),
				})
			}
		}
		c.srv.logger.Info("connection left room",
			"conn", c.id, "session", c.sessionID, "role", string(c.role))
	}

	c.Close()
}

func (c *conn) send(msg serverMessage) error {
	data, err := encodeServerMessage(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
}
