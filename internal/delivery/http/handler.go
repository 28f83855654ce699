package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"narrative-server/internal/auth"
	"narrative-server/internal/domain"
	"narrative-server/internal/engine"
	"narrative-server/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TurnEngine часть движка, нужная HTTP API. Реализуется *engine.Engine.
type TurnEngine interface {
	Submit(ctx context.Context, sub domain.ActionSubmission) (*engine.Turn, error)
	Turn(turnID uuid.UUID) (*engine.Turn, error)
	State(ctx context.Context, worldID domain.WorldID) (engine.State, error)
	Reset(ctx context.Context, worldID domain.WorldID) error
}

// WorldAdmin создание и проверка миров. Реализуется *synchronizer.Synchronizer.
type WorldAdmin interface {
	CreateWorld(ctx context.Context, name string, entities []*domain.Entity) (*domain.World, []domain.StoryEvent, error)
	// Verify возвращает true, если проекция была заменена.
	Verify(ctx context.Context, worldID domain.WorldID) (bool, error)
}

// WorldReader чтение миров и журнала.
type WorldReader interface {
	GetWorld(ctx context.Context, worldID domain.WorldID) (*domain.World, error)
	ListWorlds(ctx context.Context, limit, offset int) ([]domain.World, error)
	GetWorldSnapshot(ctx context.Context, worldID domain.WorldID) (*domain.WorldState, error)
	ReadEvents(ctx context.Context, worldID domain.WorldID, after int64, limit int) ([]domain.StoryEvent, error)
}

const (
	defaultPageLimit = 100
	maxListLimit     = 100
)

// Handler HTTP API движка.
type Handler struct {
	engine      TurnEngine
	admin       WorldAdmin
	worlds      WorldReader
	verifier    auth.TokenVerifier
	waitTimeout time.Duration
	logger      *zap.Logger
}

// NewHandler создает обработчик. Если verifier nil, API открыт, а актор
// берется из тела запроса.
func NewHandler(eng TurnEngine, admin WorldAdmin, worlds WorldReader, verifier auth.TokenVerifier, waitTimeout time.Duration, logger *zap.Logger) *Handler {
	if waitTimeout <= 0 {
		waitTimeout = 90 * time.Second
	}
	return &Handler{
		engine:      eng,
		admin:       admin,
		worlds:      worlds,
		verifier:    verifier,
		waitTimeout: waitTimeout,
		logger:      logger.Named("HTTPHandler"),
	}
}

// RegisterRoutes регистрирует маршруты /api/v1.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	admin := api.Group("")
	if h.verifier != nil {
		api.Use(auth.Middleware(h.verifier, h.logger))
		admin = router.Group("/api/v1", auth.Middleware(h.verifier, h.logger, auth.RoleAdmin))
	}

	api.GET("/worlds", h.ListWorlds)
	api.GET("/worlds/:id", h.GetWorld)
	api.GET("/worlds/:id/events", h.ListEvents)
	api.POST("/worlds/:id/actions", h.SubmitAction)
	api.GET("/turns/:id", h.GetTurn)

	admin.POST("/worlds", h.CreateWorld)
	admin.POST("/worlds/:id/reset", h.ResetWorld)
	admin.POST("/worlds/:id/verify", h.VerifyWorld)
}

func (h *Handler) CreateWorld(c *gin.Context) {
	var req createWorldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	entities := make([]*domain.Entity, 0, len(req.Entities))
	for _, e := range req.Entities {
		entity, err := domain.NewEntity(e.Kind, e.ID, e.Name, e.Attributes)
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		entities = append(entities, entity)
	}

	world, events, err := h.admin.CreateWorld(c.Request.Context(), req.Name, entities)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	h.logger.Info("World created", zap.String("worldID", world.ID.String()), zap.Int("entities", len(entities)))
	c.JSON(http.StatusCreated, createWorldResponse{World: world, Events: events})
}

func (h *Handler) ListWorlds(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	worlds, err := h.worlds.ListWorlds(c.Request.Context(), limit, offset)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if worlds == nil {
		worlds = []domain.World{}
	}
	c.JSON(http.StatusOK, gin.H{"worlds": worlds})
}

// GetWorld отдает проекцию мира и состояние его автомата.
func (h *Handler) GetWorld(c *gin.Context) {
	worldID, ok := worldIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	world, err := h.worlds.GetWorld(ctx, worldID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	snapshot, err := h.worlds.GetWorldSnapshot(ctx, worldID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	state, err := h.engine.State(ctx, worldID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, worldResponse{State: state, Status: world.Status, Snapshot: snapshot})
}

// ListEvents страница журнала: события с номером больше after.
func (h *Handler) ListEvents(c *gin.Context) {
	worldID, ok := worldIDParam(c)
	if !ok {
		return
	}
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		badRequest(c, "after must be a non-negative integer")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)))
	if err != nil || limit <= 0 || limit > repository.DefaultReadLimit {
		badRequest(c, "limit must be between 1 and "+strconv.Itoa(repository.DefaultReadLimit))
		return
	}

	ctx := c.Request.Context()
	// пустая страница у несуществующего мира неотличима от пустого журнала
	if _, err := h.worlds.GetWorld(ctx, worldID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	events, err := h.worlds.ReadEvents(ctx, worldID, after, limit)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}
	if events == nil {
		events = []domain.StoryEvent{}
	}
	c.JSON(http.StatusOK, eventsResponse{Events: events, Next: next})
}

// SubmitAction ставит действие игрока в очередь мира. По умолчанию отвечает
// 202 сразу; с ?wait=true ждет завершения хода не дольше waitTimeout.
func (h *Handler) SubmitAction(c *gin.Context) {
	worldID, ok := worldIDParam(c)
	if !ok {
		return
	}
	var req submitActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	actor := req.Actor
	if claims, ok := auth.ClaimsFromContext(c); ok {
		actor = claims.Actor()
	}
	if actor == "" {
		badRequest(c, "actor is required")
		return
	}

	sub := domain.ActionSubmission{WorldID: worldID, Actor: actor, InputText: req.InputText}
	// ход не привязан к жизни запроса: отключение клиента его не отменяет
	turn, err := h.engine.Submit(context.WithoutCancel(c.Request.Context()), sub)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait {
		c.JSON(http.StatusAccepted, newTurnResponse(turn))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.waitTimeout)
	defer cancel()
	if _, err := turn.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusAccepted, newTurnResponse(turn))
		}
		return
	}
	c.JSON(http.StatusOK, newTurnResponse(turn))
}

func (h *Handler) GetTurn(c *gin.Context) {
	turnID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid turn id")
		return
	}
	turn, err := h.engine.Turn(turnID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTurnResponse(turn))
}

// ResetWorld выводит мир из Faulted.
func (h *Handler) ResetWorld(c *gin.Context) {
	worldID, ok := worldIDParam(c)
	if !ok {
		return
	}
	if err := h.engine.Reset(c.Request.Context(), worldID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	h.logger.Info("World reset", zap.String("worldID", worldID.String()))
	c.JSON(http.StatusOK, gin.H{"world_id": worldID, "state": engine.StateIdle})
}

// VerifyWorld сверяет проекцию с журналом и чинит расхождение.
func (h *Handler) VerifyWorld(c *gin.Context) {
	worldID, ok := worldIDParam(c)
	if !ok {
		return
	}
	repaired, err := h.admin.Verify(c.Request.Context(), worldID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, verifyResponse{Consistent: !repaired, Repaired: repaired})
}

func worldIDParam(c *gin.Context) (domain.WorldID, bool) {
	worldID, err := domain.ParseWorldID(c.Param("id"))
	if err != nil {
		badRequest(c, err.Error())
		return domain.WorldID{}, false
	}
	return worldID, true
}

func pagination(c *gin.Context) (limit, offset int, ok bool) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > maxListLimit {
		badRequest(c, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
		return 0, 0, false
	}
	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		badRequest(c, "offset must be a non-negative integer")
		return 0, 0, false
	}
	return limit, offset, true
}
