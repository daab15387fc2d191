package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"cdr.dev/slog/v3"

	"github.com/medlearn/simquota/internal/hub"
	"github.com/medlearn/simquota/internal/protocol"
	"github.com/medlearn/simquota/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = ratelimit.MaxMessageSize
)

// HandleConnection runs one notification socket. The first message must be
// auth naming the user; afterwards the socket receives every change to that
// user's rows until it closes.
func (s *Server) HandleConnection(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()
	logger := s.logger.With(slog.F("remote", ws.RemoteAddr().String()))

	ws.SetReadLimit(int64(maxMessageSize))
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	_, raw, err := ws.ReadMessage()
	if err != nil {
		logger.Debug(ctx, "read auth", slog.Error(err))
		return
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.writeNow(ctx, ws, protocol.TypeError, protocol.ErrorPayload{Code: protocol.ErrInvalidMessage, Message: "invalid JSON"})
		return
	}
	if env.Type != protocol.TypeAuth {
		s.writeNow(ctx, ws, protocol.TypeAuthFail, protocol.ErrorPayload{Code: protocol.ErrUnauthorized, Message: "first message must be auth"})
		return
	}
	var auth protocol.AuthPayload
	if err := env.ParsePayload(&auth); err != nil || auth.UserID == "" {
		s.writeNow(ctx, ws, protocol.TypeAuthFail, protocol.ErrorPayload{Code: protocol.ErrUnauthorized, Message: "user_id is required"})
		return
	}
	if s.config.APIKey != "" && !keyEqual(auth.APIKey, s.config.APIKey) {
		s.writeNow(ctx, ws, protocol.TypeAuthFail, protocol.ErrorPayload{Code: protocol.ErrUnauthorized, Message: "invalid API key"})
		return
	}

	conn := hub.NewConnection(ws, auth.UserID)
	if err := s.hub.Register(ctx, conn); err != nil {
		s.writeNow(ctx, ws, protocol.TypeAuthFail, protocol.ErrorPayload{Code: protocol.ErrUnauthorized, Message: err.Error()})
		return
	}
	defer s.hub.Unregister(ctx, conn)
	defer conn.CloseDone()

	s.writeNow(ctx, ws, protocol.TypeAuthOk, protocol.AuthOkPayload{UserID: auth.UserID})

	go s.writePump(ctx, conn)
	s.readPump(ctx, conn)
}

// readPump only answers pings: notification sockets carry no requests.
func (s *Server) readPump(ctx context.Context, conn *hub.Connection) {
	for {
		_ = conn.WS.SetReadDeadline(time.Now().Add(pongWait))
		_, raw, err := conn.WS.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug(ctx, "ws read", slog.F("user_id", conn.UserID), slog.Error(err))
			}
			return
		}
		if !conn.Limiter.Allow() {
			s.queue(ctx, conn, protocol.TypeError, protocol.ErrorPayload{Code: protocol.ErrRateLimited, Message: "rate limit exceeded", RetryAfterMs: 2000})
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.queue(ctx, conn, protocol.TypeError, protocol.ErrorPayload{Code: protocol.ErrInvalidMessage, Message: "invalid JSON message"})
			continue
		}
		switch env.Type {
		case protocol.TypePing:
			s.queue(ctx, conn, protocol.TypePong, nil)
		default:
			s.queue(ctx, conn, protocol.TypeError, protocol.ErrorPayload{Code: protocol.ErrInvalidMessage, Message: "unexpected message type " + env.Type})
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *hub.Connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-conn.Send:
			_ = conn.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WS.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug(ctx, "ws write", slog.F("user_id", conn.UserID), slog.Error(err))
				_ = conn.WS.Close()
				return
			}

		case <-ticker.C:
			_ = conn.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WS.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.WS.Close()
				return
			}

		case <-conn.Done:
			_ = conn.WS.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WS.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) queue(ctx context.Context, conn *hub.Connection, msgType string, payload interface{}) {
	data, err := protocol.Encode(msgType, payload, s.clock.Now())
	if err != nil {
		s.logger.Error(ctx, "encode envelope", slog.F("type", msgType), slog.Error(err))
		return
	}
	select {
	case conn.Send <- data:
	default:
	}
}

// writeNow writes before the pumps run, while this goroutine owns the socket.
func (s *Server) writeNow(ctx context.Context, ws *websocket.Conn, msgType string, payload interface{}) {
	data, err := protocol.Encode(msgType, payload, s.clock.Now())
	if err != nil {
		s.logger.Error(ctx, "encode envelope", slog.F("type", msgType), slog.Error(err))
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug(ctx, "ws write", slog.F("type", msgType), slog.Error(err))
	}
}
