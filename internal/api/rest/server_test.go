package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/PendantCore/internal/api/websocket"
	"github.com/KevinKickass/PendantCore/internal/auth"
	"github.com/KevinKickass/PendantCore/internal/config"
	"github.com/KevinKickass/PendantCore/internal/engine"
	"github.com/KevinKickass/PendantCore/internal/interfaces"
	"github.com/KevinKickass/PendantCore/internal/recipe"
	"github.com/KevinKickass/PendantCore/internal/robot"
	"github.com/KevinKickass/PendantCore/internal/safety"
	"github.com/KevinKickass/PendantCore/internal/storage"
	"github.com/KevinKickass/PendantCore/internal/teaching"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testSecret = "rest-test-secret-with-32-plus-characters"

type fakeLifecycle struct {
	cfg      *config.Config
	reg      *safety.Registry
	hub      *recipe.Hub
	teaching *teaching.Registry
	resolver *teaching.Resolver
	store    interfaces.RecipeStore
}

func (f *fakeLifecycle) Config() *config.Config       { return f.cfg }
func (f *fakeLifecycle) Safety() *safety.Registry     { return f.reg }
func (f *fakeLifecycle) RecipeHub() *recipe.Hub       { return f.hub }
func (f *fakeLifecycle) Teaching() *teaching.Registry { return f.teaching }

func (f *fakeLifecycle) TeachingProvider() (teaching.Provider, bool) {
	return f.resolver.Provider()
}

func (f *fakeLifecycle) RecipeStore() interfaces.RecipeStore       { return f.store }
func (f *fakeLifecycle) SafetyEventLog() interfaces.SafetyEventLog { return nil }

func (f *fakeLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{
		State:       "RUNNING",
		Safety:      f.reg.Status(),
		RecipeState: f.hub.State(),
	}
}

func (f *fakeLifecycle) Shutdown(ctx context.Context) error { return nil }

type memRecipeStore struct {
	mu      sync.Mutex
	recipes map[uuid.UUID]*recipe.Recipe
}

func newMemRecipeStore() *memRecipeStore {
	return &memRecipeStore{recipes: make(map[uuid.UUID]*recipe.Recipe)}
}

func (m *memRecipeStore) SaveRecipe(ctx context.Context, r *recipe.Recipe) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	cp := *r
	cp.ID = id.String()
	m.recipes[id] = &cp
	return id, nil
}

func (m *memRecipeStore) LoadRecipe(ctx context.Context, id uuid.UUID) (*recipe.Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrRecipeNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (m *memRecipeStore) ListRecipes(ctx context.Context) ([]storage.RecipeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.RecipeRecord, 0, len(m.recipes))
	for id, r := range m.recipes {
		out = append(out, storage.RecipeRecord{ID: id, RecipeName: r.Name, Version: r.Version})
	}
	return out, nil
}

func (m *memRecipeStore) DeleteRecipe(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recipes[id]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrRecipeNotFound, id)
	}
	delete(m.recipes, id)
	return nil
}

type testEnv struct {
	server *Server
	lm     *fakeLifecycle
}

func newTestEnv(t *testing.T, authEnabled bool) *testEnv {
	t.Helper()
	t.Setenv("PENDANT_TEST_JWT", testSecret)

	// the recipe run goroutine may log after the test returns
	core, _ := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	cfg := config.Default()
	cfg.Auth = config.AuthConfig{Enabled: authEnabled, JWTSecretEnv: "PENDANT_TEST_JWT"}

	reg := safety.NewRegistry(logger)
	treg := teaching.NewRegistry()
	treg.Register("default", teaching.NewMemoryProvider(
		teaching.Record{Group: "loadport_1", Location: "slot_01", Position: teaching.Position{R: 320, Theta: 90, Z: 12}},
		teaching.Record{Group: "aligner", Location: "center", Position: teaching.Position{R: 210, Theta: 180, Z: 40}},
	))
	resolver := teaching.NewResolver(treg, "default", logger)

	sim := robot.NewSimulator(0, logger)
	eng := engine.NewStepEngine(engine.NewStepExecutor(sim, resolver, logger), logger)
	hub := recipe.NewHub(recipe.HubConfig{StopTimeout: time.Second}, eng, reg, sim, resolver, logger)
	hub.Initialize(context.Background())
	t.Cleanup(func() {
		hub.Close(context.Background())
		reg.Close()
	})

	lm := &fakeLifecycle{cfg: cfg, reg: reg, hub: hub, teaching: treg, resolver: resolver}
	authn := auth.NewAuthenticator(cfg.Auth, logger)
	srv := NewServer(cfg, lm, logger, websocket.NewHub(logger, authn), authn)

	return &testEnv{server: srv, lm: lm}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

// closeDoor registers an interlock and reports it closed so the cell is safe.
func (e *testEnv) closeDoor(t *testing.T, name string) {
	t.Helper()
	if err := e.lm.reg.RegisterDevice(name, "EFEM", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.lm.reg.UpdateDeviceStatus(name, safety.InterlockClosed); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func transferRecipe() map[string]interface{} {
	return map[string]interface{}{
		"name": "LP1 to aligner",
		"steps": []map[string]interface{}{
			{"name": "pick", "action": "pick", "group": "loadport_1", "location": "slot_01", "slot": 1},
			{"name": "place", "action": "place", "group": "aligner", "location": "center"},
			{"name": "home", "action": "home"},
		},
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)

	w, body := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestInterlockLifecycle(t *testing.T) {
	env := newTestEnv(t, false)

	w, body := env.do(t, http.MethodPost, "/api/v1/safety/interlocks",
		map[string]interface{}{"name": "front_door", "location": "EFEM front", "critical": true})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %v", w.Code, body)
	}
	if body["status"] != string(safety.InterlockUnknown) || body["critical"] != true {
		t.Fatalf("registered device = %v", body)
	}

	w, body = env.do(t, http.MethodPut, "/api/v1/safety/interlocks/front_door/status",
		map[string]string{"status": "closed"})
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %v", w.Code, body)
	}
	if body["status"] != string(safety.StatusSafe) {
		t.Fatalf("aggregate after close = %v", body["status"])
	}

	w, body = env.do(t, http.MethodPut, "/api/v1/safety/interlocks/front_door/status",
		map[string]string{"status": "ajar"})
	if w.Code != http.StatusBadRequest || errorCode(body) != "SAFETY_400" {
		t.Fatalf("invalid status: %d %v", w.Code, body)
	}

	w, _ = env.do(t, http.MethodPut, "/api/v1/safety/interlocks/front_door/enabled",
		map[string]bool{"enabled": false})
	if w.Code != http.StatusOK {
		t.Fatalf("disable: %d", w.Code)
	}
	if d, _ := env.lm.reg.Device("front_door"); d.Enabled {
		t.Fatal("device must be disabled")
	}

	w, body = env.do(t, http.MethodGet, "/api/v1/safety/interlocks/rear_panel", nil)
	if w.Code != http.StatusNotFound || errorCode(body) != "SAFETY_404" {
		t.Fatalf("unknown device: %d %v", w.Code, body)
	}

	w, body = env.do(t, http.MethodGet, "/api/v1/safety/interlocks", nil)
	if w.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("list: %d %v", w.Code, body)
	}

	if w, _ = env.do(t, http.MethodDelete, "/api/v1/safety/interlocks/front_door", nil); w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}
	if w, _ = env.do(t, http.MethodDelete, "/api/v1/safety/interlocks/front_door", nil); w.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", w.Code)
	}
}

func TestEmergencyStopAndReset(t *testing.T) {
	env := newTestEnv(t, false)
	env.closeDoor(t, "front_door")

	w, body := env.do(t, http.MethodPost, "/api/v1/safety/emergency-stop", map[string]string{"reason": "test"})
	if w.Code != http.StatusOK || body["status"] != string(safety.StatusEmergencyStop) {
		t.Fatalf("trigger: %d %v", w.Code, body)
	}

	w, body = env.do(t, http.MethodGet, "/api/v1/safety/status", nil)
	if body["emergency_stop_active"] != true || body["safe_for_operation"] != false {
		t.Fatalf("status during e-stop = %v", body)
	}

	w, body = env.do(t, http.MethodPost, "/api/v1/safety/emergency-stop/reset", nil)
	if w.Code != http.StatusOK || body["status"] != string(safety.StatusSafe) {
		t.Fatalf("reset: %d %v", w.Code, body)
	}

	// an open door keeps the reset from succeeding
	if err := env.lm.reg.UpdateDeviceStatus("front_door", safety.InterlockOpen); err != nil {
		t.Fatalf("update: %v", err)
	}
	env.do(t, http.MethodPost, "/api/v1/safety/emergency-stop", nil)
	w, body = env.do(t, http.MethodPost, "/api/v1/safety/emergency-stop/reset", nil)
	if w.Code != http.StatusConflict || errorCode(body) != "SAFETY_409" {
		t.Fatalf("reset with open door: %d %v", w.Code, body)
	}
	if !env.lm.reg.EmergencyStopActive() {
		t.Fatal("latch must stay engaged")
	}
}

func TestSafetyEventsWithoutDatabase(t *testing.T) {
	env := newTestEnv(t, false)

	w, body := env.do(t, http.MethodGet, "/api/v1/safety/events", nil)
	if w.Code != http.StatusServiceUnavailable || errorCode(body) != "STORAGE_503" {
		t.Fatalf("events: %d %v", w.Code, body)
	}
}

func TestRecipeLoadAndRun(t *testing.T) {
	env := newTestEnv(t, false)
	env.closeDoor(t, "front_door")

	w, body := env.do(t, http.MethodPost, "/api/v1/recipe/load", transferRecipe())
	if w.Code != http.StatusOK {
		t.Fatalf("load: %d %v", w.Code, body)
	}
	status, _ := body["status"].(map[string]interface{})
	if status["state"] != string(recipe.StateReady) || status["total_steps"] != float64(3) {
		t.Fatalf("status after load = %v", status)
	}

	w, body = env.do(t, http.MethodGet, "/api/v1/recipe/active", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("active: %d %v", w.Code, body)
	}

	if w, body = env.do(t, http.MethodPost, "/api/v1/recipe/start", nil); w.Code != http.StatusOK {
		t.Fatalf("start: %d %v", w.Code, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if st, err := env.lm.hub.Wait(ctx); err != nil || st.State != recipe.StateCompleted {
		t.Fatalf("run: %+v %v", st, err)
	}

	w, body = env.do(t, http.MethodGet, "/api/v1/recipe/status", nil)
	status, _ = body["status"].(map[string]interface{})
	if w.Code != http.StatusOK || status["state"] != string(recipe.StateCompleted) || status["progress"] != float64(1) {
		t.Fatalf("status: %d %v", w.Code, body)
	}

	// nothing to stop any more
	w, body = env.do(t, http.MethodPost, "/api/v1/recipe/stop", nil)
	if w.Code != http.StatusConflict || errorCode(body) != string(recipe.CodeInvalidState) {
		t.Fatalf("stop after completion: %d %v", w.Code, body)
	}
}

func TestRecipeLoadYAML(t *testing.T) {
	env := newTestEnv(t, false)

	doc := `
name: home only
steps:
  - name: home
    action: home
`
	w, body := env.do(t, http.MethodPost, "/api/v1/recipe/load", doc, "Content-Type", "application/x-yaml")
	if w.Code != http.StatusOK {
		t.Fatalf("load: %d %v", w.Code, body)
	}
	if r, ok := env.lm.hub.ActiveRecipe(); !ok || r.Name != "home only" {
		t.Fatalf("active recipe = %+v", r)
	}
}

func TestRecipeLoadErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   interface{}
		status int
		code   recipe.Code
	}{
		{"empty body", nil, http.StatusBadRequest, recipe.CodeMissingRecipe},
		{"not json", "{name", http.StatusBadRequest, recipe.CodeInvalidDocument},
		{"schema violation", map[string]interface{}{"steps": []interface{}{}}, http.StatusBadRequest, recipe.CodeInvalidDocument},
		{"no steps", map[string]interface{}{"name": "empty", "steps": []interface{}{}}, http.StatusUnprocessableEntity, recipe.CodeEmptySteps},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, false)

			w, body := env.do(t, http.MethodPost, "/api/v1/recipe/load", tt.body)
			if w.Code != tt.status || errorCode(body) != string(tt.code) {
				t.Fatalf("load: %d %v", w.Code, body)
			}
		})
	}
}

func TestRecipeEmptyStepsReportsValidation(t *testing.T) {
	env := newTestEnv(t, false)

	_, body := env.do(t, http.MethodPost, "/api/v1/recipe/load", map[string]interface{}{"name": "empty", "steps": []interface{}{}})
	e, _ := body["error"].(map[string]interface{})
	details, _ := e["details"].(map[string]interface{})
	if details["valid"] != false {
		t.Fatalf("details = %v", e["details"])
	}
	if env.lm.hub.State() != recipe.StateError {
		t.Fatalf("hub state = %s", env.lm.hub.State())
	}
}

func TestRecipeStartDeniedBySafety(t *testing.T) {
	env := newTestEnv(t, false)
	env.closeDoor(t, "front_door")
	if err := env.lm.reg.UpdateDeviceStatus("front_door", safety.InterlockOpen); err != nil {
		t.Fatalf("update: %v", err)
	}

	if w, body := env.do(t, http.MethodPost, "/api/v1/recipe/load", transferRecipe()); w.Code != http.StatusOK {
		t.Fatalf("load: %d %v", w.Code, body)
	}

	w, body := env.do(t, http.MethodPost, "/api/v1/recipe/start", nil)
	if w.Code != http.StatusConflict || errorCode(body) != string(recipe.CodeSafetyDenied) {
		t.Fatalf("start: %d %v", w.Code, body)
	}
	if env.lm.hub.State() != recipe.StateReady {
		t.Fatalf("state = %s, want ready", env.lm.hub.State())
	}
}

func TestRecipeValidateDryRun(t *testing.T) {
	env := newTestEnv(t, false)

	doc := transferRecipe()
	doc["steps"] = []map[string]interface{}{
		{"name": "pick", "action": "pick", "group": "buffer", "location": "slot_09"},
	}

	w, body := env.do(t, http.MethodPost, "/api/v1/recipe/validate", doc)
	if w.Code != http.StatusOK || body["valid"] != true {
		t.Fatalf("validate: %d %v", w.Code, body)
	}
	warnings, _ := body["warnings"].([]interface{})
	if len(warnings) == 0 {
		t.Fatal("unresolved coordinate must be reported as warning")
	}
	if env.lm.hub.State() != recipe.StateIdle {
		t.Fatalf("validate must not touch the hub, state = %s", env.lm.hub.State())
	}
}

func TestRecipeLibrary(t *testing.T) {
	env := newTestEnv(t, false)

	if w, _ := env.do(t, http.MethodGet, "/api/v1/recipes", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("list without store: %d", w.Code)
	}

	env.lm.store = newMemRecipeStore()

	w, body := env.do(t, http.MethodPost, "/api/v1/recipes", transferRecipe())
	if w.Code != http.StatusCreated {
		t.Fatalf("save: %d %v", w.Code, body)
	}
	id, _ := body["id"].(string)

	w, body = env.do(t, http.MethodGet, "/api/v1/recipes", nil)
	if w.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("list: %d %v", w.Code, body)
	}

	w, body = env.do(t, http.MethodPost, "/api/v1/recipe/load/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("load stored: %d %v", w.Code, body)
	}
	if r, ok := env.lm.hub.ActiveRecipe(); !ok || r.ID != id {
		t.Fatalf("active recipe = %+v", r)
	}

	if w, _ = env.do(t, http.MethodGet, "/api/v1/recipes/not-a-uuid", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", w.Code)
	}
	w, body = env.do(t, http.MethodGet, "/api/v1/recipes/"+uuid.NewString(), nil)
	if w.Code != http.StatusNotFound || errorCode(body) != "RECIPE_404" {
		t.Fatalf("missing recipe: %d %v", w.Code, body)
	}

	if w, _ = env.do(t, http.MethodDelete, "/api/v1/recipes/"+id, nil); w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}
}

func TestTeachingEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	w, body := env.do(t, http.MethodGet, "/api/v1/teaching/groups", nil)
	if w.Code != http.StatusOK || body["count"] != float64(2) {
		t.Fatalf("groups: %d %v", w.Code, body)
	}

	if w, _ = env.do(t, http.MethodGet, "/api/v1/teaching/groups/buffer/locations", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown group: %d", w.Code)
	}

	w, body = env.do(t, http.MethodPut, "/api/v1/teaching/positions/buffer/slot_09",
		map[string]float64{"r": 150, "theta": 270, "z": 60})
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %v", w.Code, body)
	}

	w, body = env.do(t, http.MethodGet, "/api/v1/teaching/positions/buffer/slot_09", nil)
	pos, _ := body["position"].(map[string]interface{})
	if w.Code != http.StatusOK || body["resolved"] != true || pos["theta"] != float64(270) {
		t.Fatalf("position: %d %v", w.Code, body)
	}

	// unresolved lookups answer with the safe default
	w, body = env.do(t, http.MethodGet, "/api/v1/teaching/positions/buffer/slot_10", nil)
	pos, _ = body["position"].(map[string]interface{})
	if w.Code != http.StatusOK || body["resolved"] != false || pos["z"] != teaching.DefaultSafePosition.Z {
		t.Fatalf("fallback: %d %v", w.Code, body)
	}

	w, body = env.do(t, http.MethodGet, "/api/v1/teaching/providers", nil)
	if w.Code != http.StatusOK || body["active"] != "default" || body["active_available"] != true {
		t.Fatalf("providers: %d %v", w.Code, body)
	}
}

func TestTeachingWithoutProvider(t *testing.T) {
	env := newTestEnv(t, false)
	env.lm.teaching.Unregister("default")

	w, body := env.do(t, http.MethodGet, "/api/v1/teaching/groups", nil)
	if w.Code != http.StatusServiceUnavailable || errorCode(body) != "TEACHING_503" {
		t.Fatalf("groups: %d %v", w.Code, body)
	}
}

func bearer(t *testing.T, role string) string {
	t.Helper()
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Username: "jdoe",
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + token
}

func TestPermissions(t *testing.T) {
	env := newTestEnv(t, true)

	w, body := env.do(t, http.MethodGet, "/api/v1/safety/status", nil)
	if w.Code != http.StatusUnauthorized || errorCode(body) != "AUTH_401" {
		t.Fatalf("no token: %d %v", w.Code, body)
	}

	operator := bearer(t, "operator")
	if w, _ = env.do(t, http.MethodGet, "/api/v1/safety/status", nil, "Authorization", operator); w.Code != http.StatusOK {
		t.Fatalf("operator status: %d", w.Code)
	}

	w, body = env.do(t, http.MethodPost, "/api/v1/safety/interlocks",
		map[string]string{"name": "front_door"}, "Authorization", operator)
	if w.Code != http.StatusForbidden || errorCode(body) != "AUTH_403" {
		t.Fatalf("operator register: %d %v", w.Code, body)
	}

	w, _ = env.do(t, http.MethodPost, "/api/v1/safety/interlocks",
		map[string]string{"name": "front_door"}, "Authorization", bearer(t, "admin"))
	if w.Code != http.StatusCreated {
		t.Fatalf("admin register: %d", w.Code)
	}

	// health and metrics stay public
	if w, _ = env.do(t, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
	if w, _ = env.do(t, http.MethodGet, "/metrics", nil); w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
}
