package websocket

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"narrative-server/internal/auth"
	"narrative-server/internal/domain"
	"narrative-server/internal/hub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
)

// Subscriber подписка на события мира. Реализуется *hub.Hub.
type Subscriber interface {
	Subscribe(ctx context.Context, worldID domain.WorldID, cursor int64) (*hub.Subscription, error)
	SubscribeWithSnapshot(ctx context.Context, worldID domain.WorldID) (*hub.Subscription, error)
}

// Handler отдает события мира по WebSocket.
//
// GET /ws/worlds/:id           снимок проекции, затем живые события
// GET /ws/worlds/:id?after=N   события с номером больше N, затем живые
//
// Токен передается в заголовке Authorization или параметром token,
// потому что браузер не может выставить заголовок при апгрейде.
type Handler struct {
	hub      Subscriber
	verifier auth.TokenVerifier
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler создает обработчик. verifier может быть nil, тогда подписка открыта.
func NewHandler(subscriber Subscriber, verifier auth.TokenVerifier, allowedOrigins []string, logger *zap.Logger) *Handler {
	return &Handler{
		hub:      subscriber,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.Named("WebSocket"),
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws/worlds/:id", h.ServeWorld)
}

// ServeWorld подписывает соединение на мир.
func (h *Handler) ServeWorld(c *gin.Context) {
	worldID, err := domain.ParseWorldID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var cursor int64 = -1
	if raw := c.Query("after"); raw != "" {
		cursor, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
			return
		}
	}

	actor := ""
	if h.verifier != nil {
		claims, err := h.verifier.VerifyToken(c.Request.Context(), requestToken(c))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid token"})
			return
		}
		actor = claims.Actor()
	}

	// Подписка живет столько же, сколько соединение, а не HTTP-запрос.
	ctx, cancel := context.WithCancel(context.Background())
	var sub *hub.Subscription
	if cursor >= 0 {
		sub, err = h.hub.Subscribe(ctx, worldID, cursor)
	} else {
		sub, err = h.hub.SubscribeWithSnapshot(ctx, worldID)
	}
	if err != nil {
		cancel()
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, domain.ErrInvalidInput):
			status = http.StatusBadRequest
		}
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to subscribe", zap.String("worldID", worldID.String()), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		sub.Close()
		cancel()
		return
	}

	client := &client{
		conn:   conn,
		sub:    sub,
		cancel: cancel,
		logger: h.logger.With(
			zap.String("worldID", worldID.String()),
			zap.String("subscriptionID", sub.ID.String()),
			zap.String("actor", actor),
		),
	}
	client.logger.Info("Subscriber connected", zap.Int64("cursor", cursor))

	go client.writePump()
	go client.readPump()
}

func requestToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	return c.Query("token")
}

func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
