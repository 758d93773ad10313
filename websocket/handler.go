package websocket

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kysua/chat-server/config"
	"github.com/kysua/chat-server/service"
)

// Handler upgrades incoming connections and feeds their frames to the
// dispatch core.
type Handler struct {
	svc       *service.Service
	validator *JWTValidator
	authCfg   *config.AuthConfig
	wsCfg     *config.WebSocketConfig
	log       *zap.Logger
	upgrader  websocket.Upgrader
}

// NewHandler creates a websocket handler. validator may be nil when
// handshake auth is disabled.
func NewHandler(svc *service.Service, validator *JWTValidator, authCfg *config.AuthConfig, wsCfg *config.WebSocketConfig, log *zap.Logger) *Handler {
	return &Handler{
		svc:       svc,
		validator: validator,
		authCfg:   authCfg,
		wsCfg:     wsCfg,
		log:       log,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: time.Duration(wsCfg.HandshakeTimeout) * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket is the connection entry point: optional JWT handshake
// check, upgrade, then the read loop. The read loop is the connection's
// only reader; handlers run on the worker pool and replies come back
// through the connection's writer goroutine.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.authCfg.Enabled {
		if h.validator == nil {
			h.log.Error("auth enabled but JWT validator not initialized")
			http.Error(w, "internal server configuration error", http.StatusInternalServerError)
			return
		}
		tokenString := r.URL.Query().Get(h.authCfg.TokenQueryParam)
		if tokenString == "" {
			http.Error(w, "missing authentication token", http.StatusUnauthorized)
			return
		}
		if _, err := h.validator.ValidateToken(r.Context(), tokenString); err != nil {
			h.log.Warn("handshake token rejected",
				zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, "invalid authentication token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClientConn(conn, h.wsCfg, h.log)
	defer func() {
		h.svc.Disconnect(client)
		client.Close()
	}()

	conn.SetReadLimit(int64(h.wsCfg.MessageSizeLimit))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				h.log.Debug("read error, closing connection", zap.Error(err))
			}
			return
		}
		h.svc.Dispatch(client, msg)
	}
}
