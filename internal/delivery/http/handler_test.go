package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"narrative-server/internal/auth"
	delivery "narrative-server/internal/delivery/http"
	"narrative-server/internal/domain"
	"narrative-server/internal/engine"
	"narrative-server/internal/hub"
	"narrative-server/internal/mocks"
	"narrative-server/internal/pipeline"
	"narrative-server/internal/repository"
	"narrative-server/internal/synchronizer"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const jwtSecret = "handler-test-secret"

type fixture struct {
	router *gin.Engine
	store  *repository.MemoryWorldStore
	engine *engine.Engine
	interp *mocks.MockInterpreter
	world  *domain.World
}

func newFixture(t *testing.T, withAuth bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryWorldStore(zap.NewNop())
	syncer := synchronizer.New(store, 3, zap.NewNop())
	hall, err := domain.NewScene("hall", "Great Hall", map[string]string{domain.AttrActive: "true"})
	require.NoError(t, err)
	door, err := domain.NewProp("door", "Oak Door", map[string]string{"state": "closed"})
	require.NoError(t, err)
	world, _, err := syncer.CreateWorld(context.Background(), "Keep", []*domain.Entity{hall, door})
	require.NoError(t, err)

	interp := mocks.NewMockInterpreter(t)
	h := hub.New(store, hub.Config{}, zap.NewNop())
	eng := engine.New(store, interp, syncer, h, nil, engine.Config{QueueCapacity: 1}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
		h.Close()
	})

	var verifier auth.TokenVerifier
	if withAuth {
		v, err := auth.NewJWTVerifier(jwtSecret, zap.NewNop())
		require.NoError(t, err)
		verifier = v
	}

	router := gin.New()
	delivery.NewHandler(eng, syncer, store, verifier, 2*time.Second, zap.NewNop()).RegisterRoutes(router)
	return &fixture{router: router, store: store, engine: eng, interp: interp, world: world}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type turnBody struct {
	TurnID uuid.UUID           `json:"turn_id"`
	Actor  string              `json:"actor"`
	Status domain.TurnStatus   `json:"status"`
	Events []domain.StoryEvent `json:"events"`
	Error  string              `json:"error"`
}

func openDoor() domain.ActionSet {
	return domain.ActionSet{Actions: []domain.NarrativeAction{
		{Kind: domain.ActionWorldMutation, Mutation: &domain.MutationPayload{EntityID: "door", Set: map[string]string{"state": "open"}}},
		domain.NewDialogueAction("narrator", "The door creaks open.", false),
	}}
}

func TestHandler_SubmitActionAndWait(t *testing.T) {
	f := newFixture(t, false)
	f.interp.On("Run", mock.Anything, mock.Anything).Return(openDoor(), nil).Once()

	rec := f.do(t, http.MethodPost, "/api/v1/worlds/"+f.world.ID.String()+"/actions?wait=true",
		map[string]string{"actor": "hero", "input_text": "open the door"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[turnBody](t, rec)
	assert.Equal(t, domain.TurnStatusCommitted, body.Status)
	require.Len(t, body.Events, 2)
	assert.Equal(t, int64(4), body.Events[0].Sequence)
	assert.Equal(t, int64(5), body.Events[1].Sequence)

	rec = f.do(t, http.MethodGet, "/api/v1/turns/"+body.TurnID.String(), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TurnStatusCommitted, decode[turnBody](t, rec).Status)
}

func TestHandler_SubmitActionAsync(t *testing.T) {
	f := newFixture(t, false)
	f.interp.On("Run", mock.Anything, mock.Anything).Return(openDoor(), nil).Once()

	rec := f.do(t, http.MethodPost, "/api/v1/worlds/"+f.world.ID.String()+"/actions",
		map[string]string{"actor": "hero", "input_text": "open the door"}, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode[turnBody](t, rec)

	turn, err := f.engine.Turn(body.TurnID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = turn.Wait(ctx)
	require.NoError(t, err)
}

func TestHandler_SubmitActionErrors(t *testing.T) {
	f := newFixture(t, false)
	worldPath := "/api/v1/worlds/" + f.world.ID.String() + "/actions"

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"bad world id", "/api/v1/worlds/nope/actions", map[string]string{"actor": "hero", "input_text": "hi"}, http.StatusBadRequest},
		{"missing text", worldPath, map[string]string{"actor": "hero"}, http.StatusBadRequest},
		{"missing actor", worldPath, map[string]string{"input_text": "hi"}, http.StatusBadRequest},
		{"unknown world", "/api/v1/worlds/" + domain.NewWorldID().String() + "/actions", map[string]string{"actor": "hero", "input_text": "hi"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, tt.body, "")
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestHandler_QueueFullIs429(t *testing.T) {
	f := newFixture(t, false)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.interp.On("Run", mock.Anything, mock.Anything).Return(func(context.Context, pipeline.Request) domain.ActionSet {
		<-release
		return openDoor()
	}, nil).Maybe()

	path := "/api/v1/worlds/" + f.world.ID.String() + "/actions"
	body := map[string]string{"actor": "hero", "input_text": "knock"}

	// первый ход занимает цикл мира, второй очередь емкостью 1
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, path, body, "").Code)
	require.Eventually(t, func() bool {
		state, err := f.engine.State(context.Background(), f.world.ID)
		return err == nil && state == engine.StateAwaitingModel
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, path, body, "").Code)

	rec := f.do(t, http.MethodPost, path, body, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, delivery.ErrCodeCapacity, decode[delivery.ErrorResponse](t, rec).Code)
}

func TestHandler_WorldReads(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/v1/worlds/"+f.world.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var world struct {
		State    engine.State       `json:"state"`
		Status   domain.WorldStatus `json:"status"`
		Snapshot domain.WorldState  `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &world))
	assert.Equal(t, engine.StateIdle, world.State)
	assert.Equal(t, int64(3), world.Snapshot.Sequence)
	assert.Contains(t, world.Snapshot.Entities, domain.EntityID("door"))

	rec = f.do(t, http.MethodGet, "/api/v1/worlds/"+f.world.ID.String()+"/events?after=1&limit=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Events []domain.StoryEvent `json:"events"`
		Next   int64               `json:"next"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, int64(2), page.Events[0].Sequence)
	assert.Equal(t, int64(2), page.Next)

	rec = f.do(t, http.MethodGet, "/api/v1/worlds?limit=10", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), f.world.ID.String())

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/worlds/"+domain.NewWorldID().String(), nil, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/worlds/"+domain.NewWorldID().String()+"/events", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/worlds/"+f.world.ID.String()+"/events?limit=0", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/turns/"+uuid.NewString(), nil, "").Code)
}

func TestHandler_CreateWorld(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/v1/worlds", map[string]any{
		"name": "Harbor",
		"entities": []map[string]any{
			{"id": "dock", "kind": "scene", "name": "Dock", "attributes": map[string]string{"active": "true"}},
			{"id": "captain", "kind": "character", "name": "Captain Reyes"},
		},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		World  domain.World        `json:"world"`
		Events []domain.StoryEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, int64(3), created.World.Sequence)
	assert.Len(t, created.Events, 3)

	rec = f.do(t, http.MethodPost, "/api/v1/worlds", map[string]any{
		"name":     "Broken",
		"entities": []map[string]any{{"id": "x", "kind": "spaceship", "name": "X"}},
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/worlds", map[string]any{
		"name": "Twins",
		"entities": []map[string]any{
			{"id": "a", "kind": "character", "name": "A"},
			{"id": "a", "kind": "character", "name": "A again"},
		},
	}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_ResetAndVerify(t *testing.T) {
	f := newFixture(t, false)
	base := "/api/v1/worlds/" + f.world.ID.String()

	rec := f.do(t, http.MethodPost, base+"/reset", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.store.SetWorldStatus(context.Background(), f.world.ID, domain.WorldStatusFaulted))
	rec = f.do(t, http.MethodPost, base+"/actions", map[string]string{"actor": "hero", "input_text": "hello"}, "")
	assert.Equal(t, http.StatusLocked, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/reset", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, base+"/verify", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var verify struct {
		Consistent bool `json:"consistent"`
		Repaired   bool `json:"repaired"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verify))
	assert.True(t, verify.Consistent)
	assert.False(t, verify.Repaired)
}

func TestHandler_Auth(t *testing.T) {
	f := newFixture(t, true)
	player, err := auth.GenerateToken(jwtSecret, "alice", nil, time.Hour)
	require.NoError(t, err)
	admin, err := auth.GenerateToken(jwtSecret, "root", []string{auth.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	base := "/api/v1/worlds/" + f.world.ID.String()

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, base, nil, "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, base, nil, player).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, base+"/verify", nil, player).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/verify", nil, admin).Code)
}

func TestHandler_ActorComesFromToken(t *testing.T) {
	f := newFixture(t, true)
	f.interp.On("Run", mock.Anything, mock.Anything).Return(openDoor(), nil).Once()
	token, err := auth.GenerateToken(jwtSecret, "alice", nil, time.Hour)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/worlds/"+f.world.ID.String()+"/actions?wait=true",
		map[string]string{"actor": "mallory", "input_text": "open the door"}, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[turnBody](t, rec)
	assert.Equal(t, "alice", body.Actor)
	for _, e := range body.Events {
		assert.Equal(t, "alice", e.Actor)
	}
}

func TestRouter_Health(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := delivery.NewRouter(delivery.RouterConfig{
		Checks: map[string]delivery.HealthChecker{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		},
	}, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"connection refused"`)
	assert.Contains(t, rec.Body.String(), `"postgres":"ok"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
