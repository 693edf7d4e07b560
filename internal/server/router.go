package server

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/auth"
	"github.com/MarcoPoloResearchLab/convosync/internal/chat"
	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"github.com/MarcoPoloResearchLab/convosync/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const userIDContextKey = "convosync_user_id"

// Error codes returned in {"error": code} bodies.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeEditWindowExpired = "edit_window_expired"
	CodeMessageDeleted    = "message_deleted"
	CodeNotFound          = "not_found"
	CodeRateLimited       = "rate_limited"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal_error"
)

const (
	defaultPushPingPeriod  = 25 * time.Second
	defaultRateLimitPerSec = 5
	defaultRateLimitBurst  = 10
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingChatService    = errors.New("chat service dependency required")
	errMissingDispatcher     = errors.New("realtime dispatcher dependency required")
)

// TokenValidator authenticates requests.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.Claims, error)
}

// RateLimitConfig bounds mutating requests per user.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Tokens         TokenValidator
	ChatService    *chat.Service
	Dispatcher     *RealtimeDispatcher
	Metrics        *metrics.ServerMetrics
	Gatherer       prometheus.Gatherer
	RateLimit      RateLimitConfig
	PushPingPeriod time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Handler serves the REST and push endpoints.
type Handler struct {
	router  *gin.Engine
	handler *httpHandler
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Close ends every open push session with a going-away close frame.
// http.Server.Shutdown does not track hijacked connections.
func (h *Handler) Close() {
	h.handler.sessionsMu.Lock()
	if !h.handler.closed {
		h.handler.closed = true
		close(h.handler.shutdown)
	}
	h.handler.sessionsMu.Unlock()
	h.handler.sessions.Wait()
}

// NewHTTPHandler builds the gin router for the message API.
func NewHTTPHandler(deps Dependencies) (*Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.ChatService == nil {
		return nil, errMissingChatService
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	pingPeriod := deps.PushPingPeriod
	if pingPeriod <= 0 {
		pingPeriod = defaultPushPingPeriod
	}
	perSecond := deps.RateLimit.PerSecond
	if perSecond <= 0 {
		perSecond = defaultRateLimitPerSec
	}
	burst := deps.RateLimit.Burst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}

	handler := &httpHandler{
		tokens:      deps.Tokens,
		chatService: deps.ChatService,
		dispatcher:  deps.Dispatcher,
		metrics:     deps.Metrics,
		limiter:     newUserLimiter(perSecond, burst, clock),
		pingPeriod:  pingPeriod,
		clock:       clock,
		logger:      logger,
		shutdown:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.recordRequest)
	router.Use(corsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	router.GET("/ws", handler.handlePush)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/conversations", handler.handleListConversations)
	protected.POST("/conversations", handler.handleCreateConversation)
	protected.GET("/conversations/:id/messages", handler.handleListMessages)

	mutating := protected.Group("/")
	mutating.Use(handler.limitRequest)
	mutating.POST("/messages", handler.handleCreateMessage)
	mutating.PUT("/messages/:id", handler.handleEditMessage)
	mutating.DELETE("/messages/:id", handler.handleDeleteMessage)

	return &Handler{router: router, handler: handler}, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens      TokenValidator
	chatService *chat.Service
	dispatcher  *RealtimeDispatcher
	metrics     *metrics.ServerMetrics
	limiter     *userLimiter
	upgrader    websocket.Upgrader
	pingPeriod  time.Duration
	clock       func() time.Time
	logger      *zap.Logger

	sessionsMu sync.Mutex
	closed     bool
	shutdown   chan struct{}
	sessions   sync.WaitGroup
}

type createConversationPayload struct {
	PeerID string `json:"peerId"`
}

type createMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

type editMessagePayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	userID := currentUser(c)
	views, err := h.chatService.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

func (h *httpHandler) handleCreateConversation(c *gin.Context) {
	var request createConversationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest})
		return
	}
	peerID, err := messages.NewUserID(request.PeerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest})
		return
	}

	view, created, err := h.chatService.CreateConversation(c.Request.Context(), currentUser(c), peerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, view)
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	conversationID, err := messages.NewConversationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest})
			return
		}
	}
	var before messages.MessageID
	if raw := c.Query("before"); raw != "" {
		before, err = messages.ParseMessageID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest})
			return
		}
	}

	page, err := h.chatService.ListMessages(c.Request.Context(), currentUser(c), conversationID, limit, before)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleCreateMessage(c *gin.Context) {
	var request createMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest})
		return
	}
	conversationID, err := messages.NewConversationID(request.ConversationID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest})
		return
	}

	record, err := h.chatService.CreateMessage(c.Request.Context(), currentUser(c), conversationID, request.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (h *httpHandler) handleEditMessage(c *gin.Context) {
	messageID, err := messages.ParseMessageID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest})
		return
	}
	var request editMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest})
		return
	}

	record, err := h.chatService.EditMessage(c.Request.Context(), currentUser(c), messageID, request.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	messageID, err := messages.ParseMessageID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest})
		return
	}

	record, err := h.chatService.DeleteMessage(c.Request.Context(), currentUser(c), messageID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": CodeUnauthorized})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) limitRequest(c *gin.Context) {
	if !h.limiter.Allow(currentUser(c)) {
		h.metrics.RequestRateLimited()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": CodeRateLimited})
		return
	}
	c.Next()
}

func (h *httpHandler) recordRequest(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	h.metrics.RequestHandled(c.Request.Method, route, c.Writer.Status())
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, messages.ErrEditWindowExpired):
		return http.StatusForbidden, CodeEditWindowExpired
	case errors.Is(err, messages.ErrNotSender), errors.Is(err, chat.ErrNotParticipant):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, messages.ErrAlreadyDeleted):
		return http.StatusConflict, CodeMessageDeleted
	case errors.Is(err, chat.ErrMessageNotFound), errors.Is(err, chat.ErrConversationNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, messages.ErrEmptyContent), errors.Is(err, chat.ErrSelfConversation):
		return http.StatusBadRequest, CodeInvalidRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func currentUser(c *gin.Context) messages.UserID {
	value, _ := c.Get(userIDContextKey)
	userID, _ := value.(messages.UserID)
	return userID
}
