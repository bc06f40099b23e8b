package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ticketsync/internal/handler"
	"ticketsync/internal/integration"
	"ticketsync/internal/model"
	"ticketsync/internal/service/syncer"
	"ticketsync/internal/webhook"
	"ticketsync/pkg/rbac"
)

const secret = "admin-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type stubIngestor struct {
	res  webhook.Result
	err  error
	body string
	in   string
}

func (s *stubIngestor) Handle(_ context.Context, in *integration.Integration, req webhook.Request) (webhook.Result, error) {
	s.in = in.Config.ID
	s.body = string(req.RawBody)
	return s.res, s.err
}

type stubSyncer struct {
	opts   syncer.RunOptions
	err    error
	status syncer.StatusReport
}

func (s *stubSyncer) RunIntegration(_ context.Context, id string, opts syncer.RunOptions) ([]syncer.Summary, error) {
	s.opts = opts
	if errors.Is(s.err, syncer.ErrUnknownIntegration) || errors.Is(s.err, syncer.ErrRunInProgress) {
		return nil, s.err
	}
	return []syncer.Summary{{IntegrationID: id, Channel: "tickets", Mode: opts.Mode, State: syncer.StateCompleted, Created: 2}}, s.err
}

func (s *stubSyncer) RunAll(_ context.Context, opts syncer.RunOptions) []syncer.Summary {
	s.opts = opts
	return []syncer.Summary{{IntegrationID: "acme"}, {IntegrationID: "globex"}}
}

func (s *stubSyncer) Status(_ context.Context, id string) (syncer.StatusReport, error) {
	if id != "acme" {
		return syncer.StatusReport{}, syncer.ErrUnknownIntegration
	}
	return s.status, nil
}

type stubReplayer struct{ limit int }

func (s *stubReplayer) ReplayFailed(_ context.Context, limit int) (int64, error) {
	s.limit = limit
	return 3, nil
}

type fixture struct {
	router   *Router
	ingestor *stubIngestor
	syncer   *stubSyncer
	replayer *stubReplayer
}

func newFixture(t *testing.T, replay bool, checks ...ReadinessCheck) *fixture {
	t.Helper()
	registry := integration.NewRegistry()
	registry.Register(&integration.Integration{Config: integration.Config{
		ID: "acme", Vendor: integration.VendorZendesk, Enabled: true, WebhookToken: "wh_tok",
	}})

	f := &fixture{ingestor: &stubIngestor{}, syncer: &stubSyncer{}}
	var replayer handler.JobReplayer
	if replay {
		f.replayer = &stubReplayer{}
		replayer = f.replayer
	}
	f.router = NewRouter(
		handler.NewWebhookHandler(registry, f.ingestor, zap.NewNop()),
		handler.NewAdminHandler(f.syncer, replayer, zap.NewNop()),
		secret,
		checks...,
	)
	return f
}

func (f *fixture) do(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.Engine.ServeHTTP(w, req)
	return w
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := GenerateAdminToken("ops", secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, false, ReadinessCheck{Name: "db", Check: func(context.Context) error { return errors.New("connection refused") }})

	w := f.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))

	w = f.do(http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "db_not_ready", decode(t, w)["status"])

	w = f.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhook_ResolvesByToken(t *testing.T) {
	f := newFixture(t, false)
	f.ingestor.res = webhook.Result{Status: webhook.StatusOK, Action: webhook.ActionTicketCreated, TicketID: "t-1"}

	w := f.do(http.MethodPost, "/webhooks/wh_tok", `{"ticket_event":{}}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "ticket_created", out["action"])
	assert.Equal(t, "t-1", out["ticket_id"])
	assert.Equal(t, "acme", f.ingestor.in)
	assert.Equal(t, `{"ticket_event":{}}`, f.ingestor.body)

	// integration id 不能代替 token
	w = f.do(http.MethodPost, "/webhooks/acme", `{}`, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhook_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"signature", &integration.SignatureVerificationError{Reason: "signature mismatch"}, http.StatusUnauthorized},
		{"malformed", &integration.PermanentRecordError{Reason: "malformed webhook payload"}, http.StatusBadRequest},
		{"unsupported vendor", integration.ErrNotConfigured, http.StatusNotFound},
		{"store down", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.ingestor.err = tt.err
			w := f.do(http.MethodPost, "/webhooks/wh_tok", `{}`, "")
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestWebhook_Challenge(t *testing.T) {
	f := newFixture(t, false)
	f.ingestor.res = webhook.Result{Action: webhook.ActionChallenge, Challenge: "abc123"}

	w := f.do(http.MethodPost, "/webhooks/wh_tok", `{"type":"url_verification"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"challenge": "abc123"}, decode(t, w))
}

func TestAdmin_RequiresAdminToken(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(http.MethodGet, "/admin/integrations/acme/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/admin/integrations/acme/status", "", "garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	wrongKey, err := GenerateAdminToken("ops", "other-secret", time.Hour)
	require.NoError(t, err)
	w = f.do(http.MethodGet, "/admin/integrations/acme/status", "", wrongKey)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := GenerateAdminToken("ops", secret, -time.Minute)
	require.NoError(t, err)
	w = f.do(http.MethodGet, "/admin/integrations/acme/status", "", expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	userTok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1", "role": "agent", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	w = f.do(http.MethodGet, "/admin/integrations/acme/status", "", userTok)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdmin_SyncIntegration(t *testing.T) {
	f := newFixture(t, false)
	tok := adminToken(t)

	w := f.do(http.MethodPost, "/admin/integrations/acme/sync?mode=full", "", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.ModeFull, f.syncer.opts.Mode)
	assert.True(t, f.syncer.opts.Manual)
	summaries := decode(t, w)["summaries"].([]any)
	require.Len(t, summaries, 1)
	assert.Equal(t, float64(2), summaries[0].(map[string]any)["created"])

	w = f.do(http.MethodPost, "/admin/integrations/acme/sync?mode=sometimes", "", tok)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/admin/integrations/acme/sync", "", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.ModeIncremental, f.syncer.opts.Mode)

	f.syncer.err = syncer.ErrRunInProgress
	w = f.do(http.MethodPost, "/admin/integrations/acme/sync", "", tok)
	assert.Equal(t, http.StatusConflict, w.Code)

	f.syncer.err = syncer.ErrUnknownIntegration
	w = f.do(http.MethodPost, "/admin/integrations/nope/sync", "", tok)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.syncer.err = &integration.AuthenticationError{Vendor: "zendesk", Status: 401}
	w = f.do(http.MethodPost, "/admin/integrations/acme/sync", "", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["error"])
}

func TestAdmin_SyncAllAndStatus(t *testing.T) {
	f := newFixture(t, false)
	tok := adminToken(t)

	w := f.do(http.MethodPost, "/admin/sync", "", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["summaries"], 2)

	f.syncer.status = syncer.StatusReport{IntegrationStatus: model.IntegrationStatus{IntegrationID: "acme", Status: model.IntegrationError, LastError: "401"}}
	w = f.do(http.MethodGet, "/admin/integrations/acme/status", "", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "error", decode(t, w)["status"])

	w = f.do(http.MethodGet, "/admin/integrations/globex/status", "", tok)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_ReplayJobs(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(http.MethodPost, "/admin/jobs/replay", "", adminToken(t))
	assert.Equal(t, http.StatusNotFound, w.Code)

	f = newFixture(t, true)
	w = f.do(http.MethodPost, "/admin/jobs/replay?limit=20", "", adminToken(t))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), decode(t, w)["replayed"])
	assert.Equal(t, 20, f.replayer.limit)
}

func TestAdmin_RolePermissions(t *testing.T) {
	f := newFixture(t, true)
	f.syncer.status = syncer.StatusReport{IntegrationStatus: model.IntegrationStatus{IntegrationID: "acme", Status: model.IntegrationOK}}

	viewer, err := GenerateToken("dash", rbac.RoleViewer, secret, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/admin/integrations/acme/status", "", viewer).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/admin/integrations/acme/sync", "", viewer).Code)

	operator, err := GenerateToken("oncall", rbac.RoleOperator, secret, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/admin/sync", "", operator).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/admin/jobs/replay", "", operator).Code)
	assert.Zero(t, f.replayer.limit)

	_, err = ParseAdminToken(operator, secret)
	assert.Error(t, err)
}
