// Package websocket implements the live session protocol: identity claim at
// connect, acknowledgement, and dispatch of history-fetch and send frames.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/real-rm/gohelper"
	"github.com/real-rm/golog"

	"github.com/real-rm/notifier/internal/auth"
	"github.com/real-rm/notifier/internal/constants"
	apperrors "github.com/real-rm/notifier/internal/errors"
	"github.com/real-rm/notifier/internal/identity"
	"github.com/real-rm/notifier/internal/message"
	"github.com/real-rm/notifier/internal/metrics"
	"github.com/real-rm/notifier/internal/pipeline"
	"github.com/real-rm/notifier/internal/ratelimit"
	"github.com/real-rm/notifier/internal/registry"
	"github.com/real-rm/notifier/internal/util"
)

var (
	// upgrader configures the WebSocket upgrade. TLS is terminated by the
	// reverse proxy in front of the service.
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// CheckOrigin is set per-handler instance
	}

	// pongWait is the time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// pingPeriod is the interval for sending ping messages (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// writeWait is the time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

// MessagePipeline is what the session needs from the message pipeline.
type MessagePipeline interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (*message.Message, error)
	History(ctx context.Context, user1, user2 string) ([]*message.Message, error)
	Broadcast(m *message.Message) error
}

// Handler upgrades connections and runs the session protocol on them.
type Handler struct {
	registry       *registry.Registry
	pipeline       MessagePipeline
	validator      *auth.JWTValidator // nil unless tokens are required
	logger         *golog.Logger
	connLimiter    *ratelimit.ConnectionLimiter
	allowedOrigins map[string]bool
	maxMessageSize int64
	mu             sync.RWMutex
}

// NewHandler creates a new WebSocket handler
func NewHandler(reg *registry.Registry, p MessagePipeline, logger *golog.Logger, maxMessageSize int64, maxConnsPerUser int) *Handler {
	if maxMessageSize <= 0 {
		maxMessageSize = constants.DefaultMaxMessageSize
	}
	if maxConnsPerUser <= 0 {
		maxConnsPerUser = constants.DefaultMaxConnsPerUser
	}
	return &Handler{
		registry:       reg,
		pipeline:       p,
		logger:         logger.WithGroup("websocket"),
		connLimiter:    ratelimit.NewConnectionLimiter(maxConnsPerUser),
		allowedOrigins: make(map[string]bool),
		maxMessageSize: maxMessageSize,
	}
}

// RequireToken makes a session token mandatory at connect. The token subject
// must match the claimed identity.
func (h *Handler) RequireToken(validator *auth.JWTValidator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.validator = validator
}

// SetAllowedOrigins configures the allowed origins for WebSocket connections
// If no origins are set, all origins are allowed (development mode)
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.allowedOrigins = make(map[string]bool)
	for _, origin := range origins {
		h.allowedOrigins[origin] = true
	}

	h.logger.Info("Configured allowed origins",
		"count", len(origins),
		"origins", origins)
}

// IsOpenOrigin returns true when no allowed origins are configured.
func (h *Handler) IsOpenOrigin() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allowedOrigins) == 0
}

// checkOrigin validates the origin of a WebSocket upgrade request
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.allowedOrigins) == 0 {
		return true
	}
	if h.allowedOrigins[origin] {
		return true
	}

	h.logger.Warn("Origin not allowed", "origin", origin)
	return false
}

// authenticate resolves the identity claimed by the request.
func (h *Handler) authenticate(r *http.Request) (identity.User, *apperrors.AppError) {
	user, err := identity.ParseUser(r.URL.Query().Get(constants.QueryParamUserID))
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return 0, apperrors.ErrInvalidIdentity(err)
	}

	h.mu.RLock()
	validator := h.validator
	h.mu.RUnlock()
	if validator == nil {
		return user, nil
	}

	token, err := util.ExtractBearerToken(r.Header.Get(constants.HeaderAuthorization))
	if err != nil {
		token = r.URL.Query().Get(constants.QueryParamToken)
	}
	if token == "" {
		return 0, apperrors.ErrInvalidToken(errors.New("missing session token"))
	}

	claims, err := validator.ValidateToken(token)
	if err != nil {
		return 0, apperrors.ErrInvalidToken(err)
	}
	if claims.User != user {
		return 0, apperrors.ErrInvalidToken(fmt.Errorf("token issued to %s", claims.User))
	}
	return user, nil
}

// HandleWebSocket upgrades the request and starts the session. A rejected
// identity still gets an upgraded connection so the client can read one error
// frame before the close.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	localUpgrader := upgrader
	localUpgrader.CheckOrigin = h.checkOrigin

	user, authErr := h.authenticate(r)

	conn, err := localUpgrader.Upgrade(w, r, nil)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		util.LogError(h.logger, "websocket", "upgrade connection", err)
		return
	}

	if authErr != nil {
		h.logger.Warn("Rejected connection",
			"code", string(authErr.Code),
			"remote_addr", r.RemoteAddr,
			"error", authErr)
		h.reject(conn, authErr, websocket.ClosePolicyViolation)
		return
	}

	if !h.connLimiter.Allow(user.String()) {
		h.logger.Warn("Connection limit exceeded",
			"user", user.String(),
			"active_connections", h.connLimiter.GetCount(user.String()))
		h.reject(conn, apperrors.ErrConnectionLimitExceeded(int(constants.DefaultRateWindow.Milliseconds())), websocket.CloseTryAgainLater)
		return
	}

	conn.SetReadLimit(h.maxMessageSize)

	connection := newConnection(conn, user, h.newConnectionID(user))
	h.registry.Register(user, connection)

	h.logger.Info("WebSocket connection established",
		"user", user.String(),
		"connection_id", connection.id)

	connection.sendFrame(message.NewAckFrame(user.String()))

	util.SafeGo(h.logger, "readPump", func() { connection.readPump(h) })
	util.SafeGo(h.logger, "writePump", func() { connection.writePump() })
}

// reject writes a single error frame and closes the connection.
func (h *Handler) reject(conn *websocket.Conn, appErr *apperrors.AppError, closeCode int) {
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(appErr.ToErrorFrame()); err != nil {
		h.logger.Debug("Failed to write rejection frame", "error", err)
		return
	}
	metrics.FramesSent.Inc()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, string(appErr.Code)))
}

// newConnectionID returns a unique identifier prefixed with the user name.
func (h *Handler) newConnectionID(user identity.User) string {
	id, err := gohelper.GenUUID(32)
	if err != nil {
		util.LogError(h.logger, "websocket", "generate connection ID", err)
		id = uuid.NewString()
	}
	return fmt.Sprintf("%s-%s", user.String(), id)
}

// release undoes the bookkeeping of a closed connection.
func (h *Handler) release(c *Connection) {
	if h.registry.Unregister(c.user, c) {
		h.connLimiter.Release(c.user.String())
	}
	c.closeSend()
}

// ShutdownWithContext sends a going-away close to every connection.
// It respects the context deadline and will force shutdown if the deadline is exceeded
func (h *Handler) ShutdownWithContext(ctx context.Context) error {
	h.logger.Info("Shutting down WebSocket handler, closing all connections")

	conns := h.registry.Drain()

	var wg sync.WaitGroup
	for _, rc := range conns {
		c, ok := rc.(*Connection)
		if !ok {
			continue
		}
		h.connLimiter.Release(c.user.String())

		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.closeWith(websocket.CloseGoingAway, "Server shutting down")
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("All WebSocket connections closed gracefully", "count", len(conns))
		return nil
	case <-ctx.Done():
		h.logger.Warn("Shutdown deadline exceeded, forcing closure",
			"remaining_connections", len(conns))
		return ctx.Err()
	}
}

// Connection is one authenticated live connection.
type Connection struct {
	conn *websocket.Conn
	id   string
	user identity.User

	// send is a buffered channel for outbound frames
	send chan []byte

	// closing is set before send is closed; sendMu orders the two.
	closing atomic.Bool
	sendMu  sync.RWMutex

	// writeMu serialises direct writes during shutdown with the write pump
	writeMu sync.Mutex
}

func newConnection(conn *websocket.Conn, user identity.User, id string) *Connection {
	return &Connection{
		conn: conn,
		id:   id,
		user: user,
		send: make(chan []byte, constants.SendQueueSize),
	}
}

// ID implements registry.Conn.
func (c *Connection) ID() string {
	return c.id
}

// User returns the authenticated participant.
func (c *Connection) User() identity.User {
	return c.user
}

// Send queues data for the write pump. It returns false when the connection
// is closing or its queue is full.
func (c *Connection) Send(data []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.closing.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closing.Swap(true) {
		return
	}
	close(c.send)
}

// closeWith writes a close control frame and closes the transport.
func (c *Connection) closeWith(code int, reason string) {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()

	c.closeSend()
	c.conn.Close()
}

// sendFrame marshals v and queues it.
func (c *Connection) sendFrame(v interface{}) {
	data, err := util.MarshalJSON(v)
	if err != nil {
		return
	}
	if !c.Send(data) {
		metrics.FramesDropped.Inc()
	}
}

// sendError reports err to this connection only.
func (c *Connection) sendError(err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.sendFrame(appErr.ToErrorFrame())
		return
	}
	c.sendFrame(message.NewErrorFrame(string(apperrors.ErrCodePersistenceFailure),
		fmt.Sprintf("Failed to process message: %v", err)))
}

// readPump processes inbound frames strictly in arrival order until the
// transport closes.
func (c *Connection) readPump(h *Handler) {
	defer func() {
		h.logger.Info("WebSocket connection closed",
			"user", c.user.String(),
			"connection_id", c.id)
		h.release(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		// No else needed: error handling with break (exits loop)
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				h.logger.Warn("WebSocket message size limit exceeded",
					"user", c.user.String(),
					"connection_id", c.id,
					"limit", h.maxMessageSize)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				util.LogError(h.logger, "websocket", "handle unexpected close", err,
					"user", c.user.String(),
					"connection_id", c.id)
			}
			return
		}

		c.handleFrame(h, raw)
	}
}

// handleFrame dispatches one inbound frame. Every failure becomes an error
// frame to this connection; none of them closes the session.
func (c *Connection) handleFrame(h *Handler, raw []byte) {
	frame, err := message.ParseFrame(raw)
	if err != nil {
		metrics.FramesReceived.WithLabelValues("invalid").Inc()
		metrics.MessageErrors.Inc()
		h.logger.Warn("Failed to parse frame",
			"user", c.user.String(),
			"connection_id", c.id,
			"error", err)
		if errors.Is(err, message.ErrUnknownFrameType) {
			c.sendError(apperrors.ErrUnknownFrame(err))
			return
		}
		c.sendError(apperrors.ErrInvalidMessageFormat(err))
		return
	}

	metrics.FramesReceived.WithLabelValues(string(frame.Type())).Inc()
	ctx := util.NewContextWithTraceID(context.Background())

	switch f := frame.(type) {
	case *message.HistoryFetchFrame:
		c.handleHistoryFetch(ctx, h, f)
	case *message.SendFrame:
		c.handleSend(ctx, h, f)
	}
}

func (c *Connection) handleHistoryFetch(ctx context.Context, h *Handler, f *message.HistoryFetchFrame) {
	if f.User1 == "" {
		c.sendError(apperrors.ErrMissingField("user1"))
		return
	}
	if f.User2 == "" {
		c.sendError(apperrors.ErrMissingField("user2"))
		return
	}

	msgs, err := h.pipeline.History(ctx, f.User1, f.User2)
	if err != nil {
		c.sendError(err)
		return
	}
	c.sendFrame(message.NewHistoryFrame(msgs))
}

func (c *Connection) handleSend(ctx context.Context, h *Handler, f *message.SendFrame) {
	if f.Sender != c.user.String() {
		h.logger.Warn("Sender mismatch",
			"user", c.user.String(),
			"claimed_sender", f.Sender,
			"connection_id", c.id)
		c.sendError(apperrors.ErrSenderMismatch())
		return
	}

	m, err := h.pipeline.Submit(ctx, pipeline.SubmitRequest{
		Sender:    f.Sender,
		Recipient: f.Recipient,
		Kind:      f.Kind,
		Payload:   f.Payload,
	})
	if err != nil {
		c.sendError(err)
		return
	}

	if err := h.pipeline.Broadcast(m); err != nil {
		util.LogError(h.logger, "websocket", "broadcast message", err,
			"id", m.ID,
			"trace_id", util.TraceIDFromContext(ctx))
	}
}

// writePump writes queued frames and periodic pings until the queue is closed
// or a write fails.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			// No else needed: channel closed handling (sends close and returns)
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.writeMu.Unlock()
				return
			}
			err := c.conn.WriteMessage(websocket.TextMessage, frame)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
			metrics.FramesSent.Inc()

		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
