package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/auth"
	"github.com/MarcoPoloResearchLab/convosync/internal/chat"
	"github.com/MarcoPoloResearchLab/convosync/internal/pushchannel"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pushWriteWait    = 5 * time.Second
	pushMaxFrameSize = 4096
)

func (h *httpHandler) handlePush(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("push token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": CodeUnauthorized})
		return
	}

	if !h.beginSession() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": CodeUnavailable})
		return
	}
	defer h.sessions.Done()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("push upgrade failed", zap.Error(err))
		return
	}
	h.metrics.ConnectionOpened()
	defer h.metrics.ConnectionClosed()

	// The request context is not tied to the hijacked connection.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := h.dispatcher.Subscribe(ctx, claims.UserID)
	defer cleanup()

	session := &pushSession{
		conn:       conn,
		claims:     claims,
		pingPeriod: h.pingPeriod,
		clock:      h.clock,
		shutdown:   h.shutdown,
		logger:     h.logger.With(zap.String("user_id", claims.UserID.String())),
	}
	session.serve(stream)
}

func (h *httpHandler) beginSession() bool {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	if h.closed {
		return false
	}
	h.sessions.Add(1)
	return true
}

type pushSession struct {
	conn       *websocket.Conn
	claims     auth.Claims
	pingPeriod time.Duration
	clock      func() time.Time
	shutdown   <-chan struct{}
	logger     *zap.Logger
}

func (s *pushSession) serve(stream <-chan chat.Event) {
	defer s.conn.Close()

	pongWait := 2 * s.pingPeriod
	readDone := make(chan struct{})
	go s.readPump(pongWait, readDone)

	if err := s.writeEnvelope(pushchannel.Envelope{Type: pushchannel.TypeConnectionReady}); err != nil {
		s.logger.Debug("push ready write failed", zap.Error(err))
		return
	}
	s.logger.Info("push session opened")

	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()
	expiry := time.NewTimer(s.claims.ExpiresAt.Sub(s.clock()))
	defer expiry.Stop()

	for {
		select {
		case event, ok := <-stream:
			if !ok {
				s.closeWith(websocket.CloseGoingAway, "subscription ended")
				return
			}
			record := event.Message
			if err := s.writeEnvelope(pushchannel.Envelope{Type: string(event.Type), Message: &record}); err != nil {
				s.logger.Debug("push write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(pushWriteWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("push ping failed", zap.Error(err))
				return
			}
		case <-expiry.C:
			s.logger.Info("push session token expired")
			s.closeWith(pushchannel.CloseUnauthorized, "token expired")
			return
		case <-s.shutdown:
			s.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case <-readDone:
			s.logger.Info("push session closed by peer")
			return
		}
	}
}

// readPump discards inbound frames; it exists to process control frames and
// to notice the peer going away.
func (s *pushSession) readPump(pongWait time.Duration, done chan<- struct{}) {
	defer close(done)
	s.conn.SetReadLimit(pushMaxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *pushSession) writeEnvelope(envelope pushchannel.Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(pushWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *pushSession) closeWith(code int, reason string) {
	deadline := time.Now().Add(pushWriteWait)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
