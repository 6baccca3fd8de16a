package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/issue-tracker/internal/api/http/handlers"
	"github.com/spec-kit/issue-tracker/internal/auth"
	"github.com/spec-kit/issue-tracker/internal/events"
	"github.com/spec-kit/issue-tracker/internal/observability"
	"github.com/spec-kit/issue-tracker/internal/repository"
	"github.com/spec-kit/issue-tracker/internal/service"
)

type testServer struct {
	app     *fiber.App
	metrics *observability.Metrics
}

func newTestServer(t *testing.T, exposeDiagnostics bool) *testServer {
	t.Helper()
	store := repository.NewMemoryStore()
	logger := zap.NewNop()
	metrics := observability.NewMetrics("issue-tracker-test")

	authSvc := service.NewAuthService(service.AuthDependencies{
		UserRepo: store.Users(),
		Hasher:   auth.NewBcryptHasher(4),
		Tokens:   auth.NewTokenManager("test-secret", time.Hour),
		Logger:   logger,
	})
	ticketSvc := service.NewTicketService(service.TicketDependencies{
		TicketRepo: store.Tickets(),
		Users:      service.NewUserDirectory(store.Users(), nil, logger),
		Dispatcher: events.NewInMemoryDispatcher(),
		Logger:     logger,
	})

	app := NewApp("issue-tracker-test", logger, metrics, MiddlewareConfig{
		Timeout:           5 * time.Second,
		ExposeDiagnostics: exposeDiagnostics,
	}, RouteConfig{
		Health:         handlers.NewHealthHandler("issue-tracker", "test", map[string]handlers.Pinger{}, metrics),
		Auth:           handlers.NewAuthHandler(authSvc),
		Tickets:        handlers.NewTicketsHandler(ticketSvc),
		AuthMiddleware: auth.NewAuthMiddleware(authSvc),
	})
	return &testServer{app: app, metrics: metrics}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
		Debug   string         `json:"debug"`
	} `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

type session struct {
	User struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"user"`
	Auth struct {
		Token string `json:"token"`
	} `json:"auth"`
}

func (s *testServer) register(t *testing.T, name, role string) session {
	t.Helper()
	status, env := s.do(t, fiber.MethodPost, "/api/auth/register", "", fiber.Map{
		"name": name, "email": name + "@example.com", "password": "password", "role": role,
	})
	require.Equal(t, fiber.StatusCreated, status)
	var sess session
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	return sess
}

type ticketBody struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	ReporterID   string  `json:"reporter_id"`
	AssignedToID *string `json:"assigned_to_id"`
	Reporter     *struct {
		Name string `json:"name"`
	} `json:"reporter"`
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestAuthEndpoints(t *testing.T) {
	s := newTestServer(t, false)
	sess := s.register(t, "ada", "")
	assert.Equal(t, "client", sess.User.Role)
	assert.NotEmpty(t, sess.Auth.Token)

	status, env := s.do(t, fiber.MethodPost, "/api/auth/register", "", fiber.Map{
		"name": "ada2", "email": "ada@example.com", "password": "x",
	})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "CONFLICT", env.Error.Code)

	status, env = s.do(t, fiber.MethodPost, "/api/auth/login", "", fiber.Map{
		"email": "ada@example.com", "password": "password",
	})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, sess.User.ID, decode[session](t, env.Data).User.ID)

	status, wrong := s.do(t, fiber.MethodPost, "/api/auth/login", "", fiber.Map{
		"email": "ada@example.com", "password": "nope",
	})
	assert.Equal(t, fiber.StatusUnauthorized, status)
	status, unknown := s.do(t, fiber.MethodPost, "/api/auth/login", "", fiber.Map{
		"email": "ghost@example.com", "password": "password",
	})
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, wrong.Error.Message, unknown.Error.Message)

	status, _ = s.do(t, fiber.MethodPost, "/api/auth/register", "", fiber.Map{"name": "x"})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestTicketEndpointsRequireAuth(t *testing.T) {
	s := newTestServer(t, false)
	status, env := s.do(t, fiber.MethodGet, "/api/tickets", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	status, _ = s.do(t, fiber.MethodGet, "/api/tickets", "garbage", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestTicketLifecycle(t *testing.T) {
	s := newTestServer(t, false)
	client := s.register(t, "carol", "client")
	dev := s.register(t, "dave", "developer")
	admin := s.register(t, "alice", "admin")

	status, env := s.do(t, fiber.MethodPost, "/api/tickets", client.Auth.Token, fiber.Map{
		"title": "Login broken", "description": "500 on submit", "reporter_id": admin.User.ID,
	})
	require.Equal(t, fiber.StatusCreated, status)
	created := decode[ticketBody](t, env.Data)
	assert.Equal(t, client.User.ID, created.ReporterID)
	assert.Equal(t, "new", created.Status)
	require.NotNil(t, created.Reporter)
	assert.Equal(t, "carol", created.Reporter.Name)
	path := "/api/tickets/" + created.ID

	status, _ = s.do(t, fiber.MethodPost, "/api/tickets", client.Auth.Token, fiber.Map{"title": "only title"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	// developer neither reported nor is assigned yet
	status, _ = s.do(t, fiber.MethodGet, path, dev.Auth.Token, nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, env = s.do(t, fiber.MethodPatch, path, admin.Auth.Token, fiber.Map{
		"status": "assigned", "assigned_to_id": dev.User.ID,
	})
	require.Equal(t, fiber.StatusOK, status)
	assigned := decode[ticketBody](t, env.Data)
	require.NotNil(t, assigned.AssignedToID)
	assert.Equal(t, dev.User.ID, *assigned.AssignedToID)

	status, env = s.do(t, fiber.MethodGet, "/api/tickets", dev.Auth.Token, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, decode[[]ticketBody](t, env.Data), 1)

	status, env = s.do(t, fiber.MethodPut, path, client.Auth.Token, fiber.Map{"status": "in-progress"})
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	status, env = s.do(t, fiber.MethodPut, path, client.Auth.Token, fiber.Map{
		"status": "resolved", "assigned_to_id": nil,
	})
	require.Equal(t, fiber.StatusOK, status)
	resolved := decode[ticketBody](t, env.Data)
	assert.Equal(t, "resolved", resolved.Status)
	require.NotNil(t, resolved.AssignedToID, "client cannot unassign")

	status, env = s.do(t, fiber.MethodPatch, path, dev.Auth.Token, fiber.Map{"assigned_to_id": nil})
	require.Equal(t, fiber.StatusOK, status)
	assert.Nil(t, decode[ticketBody](t, env.Data).AssignedToID)

	status, _ = s.do(t, fiber.MethodPatch, path, admin.Auth.Token, fiber.Map{"status": "done"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = s.do(t, fiber.MethodDelete, path, dev.Auth.Token, nil)
	assert.Equal(t, fiber.StatusForbidden, status)
	status, _ = s.do(t, fiber.MethodGet, path, client.Auth.Token, nil)
	assert.Equal(t, fiber.StatusOK, status)

	status, env = s.do(t, fiber.MethodDelete, path, admin.Auth.Token, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"id":"`+created.ID+`","deleted":true}`, string(env.Data))

	status, _ = s.do(t, fiber.MethodGet, path, admin.Auth.Token, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	status, _ = s.do(t, fiber.MethodDelete, path, admin.Auth.Token, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestListFiltersAndVisibility(t *testing.T) {
	s := newTestServer(t, false)
	client := s.register(t, "carol", "client")
	other := s.register(t, "oscar", "client")
	admin := s.register(t, "alice", "admin")

	for _, tok := range []string{client.Auth.Token, other.Auth.Token} {
		status, _ := s.do(t, fiber.MethodPost, "/api/tickets", tok, fiber.Map{
			"title": "t", "description": "d", "priority": "high",
		})
		require.Equal(t, fiber.StatusCreated, status)
	}

	status, env := s.do(t, fiber.MethodGet, "/api/tickets", client.Auth.Token, nil)
	require.Equal(t, fiber.StatusOK, status)
	mine := decode[[]ticketBody](t, env.Data)
	require.Len(t, mine, 1)
	assert.Equal(t, client.User.ID, mine[0].ReporterID)

	status, env = s.do(t, fiber.MethodGet, "/api/tickets?priority=high,low", admin.Auth.Token, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, decode[[]ticketBody](t, env.Data), 2)

	status, env = s.do(t, fiber.MethodGet, "/api/tickets?priority=low", admin.Auth.Token, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, decode[[]ticketBody](t, env.Data))

	status, _ = s.do(t, fiber.MethodGet, "/api/tickets?status=bogus", admin.Auth.Token, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestUsersEndpointRoleGate(t *testing.T) {
	s := newTestServer(t, false)
	client := s.register(t, "carol", "client")
	dev := s.register(t, "dave", "developer")

	status, _ := s.do(t, fiber.MethodGet, "/api/users", client.Auth.Token, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, env := s.do(t, fiber.MethodGet, "/api/users", dev.Auth.Token, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, decode[[]map[string]any](t, env.Data), 2)
}

func (s *testServer) scrape(t *testing.T) string {
	t.Helper()
	resp, err := s.app.Test(httptest.NewRequest(fiber.MethodGet, "/health/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(fiber.HeaderContentType), "text/plain")
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, false)

	status, _ := s.do(t, fiber.MethodGet, "/health/live", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	status, _ = s.do(t, fiber.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	s.do(t, fiber.MethodGet, "/api/tickets", "", nil)

	body := s.scrape(t)
	assert.Contains(t, body, `issue_tracker_test_http_requests_total{method="GET",route="/health/live",status="200"} 1`)
	assert.Contains(t, body, `code="UNAUTHORIZED"`)
	assert.Contains(t, body, "go_goroutines")
}

func TestErrorMetricsUseRoutePattern(t *testing.T) {
	s := newTestServer(t, false)
	client := s.register(t, "erin", "client")

	for _, id := range []string{"11111111-1111-1111-1111-111111111111", "22222222-2222-2222-2222-222222222222"} {
		status, env := s.do(t, fiber.MethodGet, "/api/tickets/"+id, client.Auth.Token, nil)
		require.Equal(t, fiber.StatusNotFound, status)
		require.NotNil(t, env.Error)
	}

	body := s.scrape(t)
	assert.Contains(t, body, `issue_tracker_test_http_errors_total{code="NOT_FOUND",method="GET",route="/api/tickets/:id"} 2`)
	assert.NotContains(t, body, "11111111-1111")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest(fiber.MethodOptions, "/api/tickets", nil)
	req.Header.Set(fiber.HeaderOrigin, "http://localhost:3000")
	req.Header.Set(fiber.HeaderAccessControlRequestMethod, fiber.MethodPost)
	req.Header.Set(fiber.HeaderAccessControlRequestHeaders, "Authorization, Content-Type")
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get(fiber.HeaderAccessControlAllowOrigin))
	assert.Contains(t, resp.Header.Get(fiber.HeaderAccessControlAllowMethods), fiber.MethodPost)
	assert.Contains(t, resp.Header.Get(fiber.HeaderAccessControlAllowHeaders), "Authorization")

	req = httptest.NewRequest(fiber.MethodPost, "/api/auth/login", bytes.NewReader([]byte("{")))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderOrigin, "http://localhost:3000")
	resp, err = s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get(fiber.HeaderAccessControlAllowOrigin))
}

func TestCORSRestrictedOrigins(t *testing.T) {
	app := fiber.New()
	RegisterMiddlewares(app, zap.NewNop(), nil, MiddlewareConfig{AllowOrigins: "https://app.example.com"})
	app.Get("/ping", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	for origin, want := range map[string]string{
		"https://app.example.com":  "https://app.example.com",
		"https://evil.example.com": "",
	} {
		req := httptest.NewRequest(fiber.MethodGet, "/ping", nil)
		req.Header.Set(fiber.HeaderOrigin, origin)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, want, resp.Header.Get(fiber.HeaderAccessControlAllowOrigin), origin)
	}
}

func TestErrorBodies(t *testing.T) {
	s := newTestServer(t, false)
	status, env := s.do(t, fiber.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	req := httptest.NewRequest(fiber.MethodPost, "/api/auth/login", bytes.NewReader([]byte("{")))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestPanicsBecomeInternalErrors(t *testing.T) {
	metrics := observability.NewMetrics("test")
	app := fiber.New()
	RegisterMiddlewares(app, zap.NewNop(), metrics, MiddlewareConfig{})
	app.Get("/boom", func(*fiber.Ctx) error { panic("boom") })

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/boom", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, "INTERNAL_ERROR", env.Error.Code)
	assert.Equal(t, "internal server error", env.Error.Message)
}
