package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonathan/cifix/internal/config"
	"github.com/jonathan/cifix/internal/db"
	"github.com/jonathan/cifix/internal/dispatch"
	"github.com/jonathan/cifix/internal/github"
	"github.com/jonathan/cifix/internal/learning"
	"github.com/jonathan/cifix/internal/lifecycle"
	"github.com/jonathan/cifix/internal/metrics"
	"github.com/jonathan/cifix/internal/profile"
	"github.com/jonathan/cifix/internal/server/ratelimit"
	"github.com/jonathan/cifix/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "webhook-test-secret"

type fakeDispatcher struct {
	mu      sync.Mutex
	records []*db.FailureRecord
}

func (d *fakeDispatcher) Dispatch(r *db.FailureRecord) <-chan dispatch.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, r)
	ch := make(chan dispatch.Outcome, 1)
	ch <- dispatch.Outcome{RecordID: r.ID}
	close(ch)
	return ch
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

type fakeMutator struct {
	err   error
	calls int
}

func (m *fakeMutator) ApplyFix(_ context.Context, owner, repo, fixText string, recordID int64) (*github.ApplyResult, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &github.ApplyResult{
		PullRequest: "https://github.com/" + owner + "/" + repo + "/pull/1",
		BranchName:  github.FixBranch(recordID, fixText),
	}, nil
}

type testEnv struct {
	server     *Server
	store      *db.MemStore
	dispatcher *fakeDispatcher
	mutator    *fakeMutator
	verifier   *webhook.Verifier
	metrics    *metrics.Metrics
}

type envOption func(*Config, *Deps)

func withJWT(secret string) envOption {
	return func(_ *Config, d *Deps) {
		d.JWT = &config.JWTConfig{Secret: secret, ExpirationHours: 1}
	}
}

func withRateLimit(rl *ratelimit.Config) envOption {
	return func(c *Config, _ *Deps) {
		c.RateLimit = rl
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	store := db.NewMemStore()
	engine := learning.NewEngine(store, learning.DefaultConfig())
	mutator := &fakeMutator{}
	m := metrics.New()
	env := &testEnv{
		store:      store,
		dispatcher: &fakeDispatcher{},
		mutator:    mutator,
		verifier:   webhook.NewVerifier(testSecret),
		metrics:    m,
	}

	cfg := Config{Port: 0, RateLimit: &ratelimit.Config{Enabled: false}}
	deps := Deps{
		Store:      store,
		Verifier:   env.verifier,
		Dispatcher: env.dispatcher,
		Fixes:      lifecycle.NewManager(store, mutator, engine, m, lifecycle.Config{Attempts: 1, Timeout: time.Second}),
		Engine:     engine,
		Profiles:   profile.NewBuilder(store),
		Metrics:    m,
		StoreKind:  "memory",
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	s, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	env.server = s
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (e *testEnv) seedPending(t *testing.T) int64 {
	t.Helper()
	return e.store.Insert(db.FailureRecord{
		Owner:        "acme",
		Repo:         "widgets",
		RunID:        101,
		Status:       "completed",
		Conclusion:   "failure",
		ErrorLog:     ptr("go: module acme/lib@v1.5.0: checksum mismatch"),
		SuggestedFix: ptr("Pin acme/lib to v1.4.1"),
		FixStatus:    db.FixStatusPending,
	})
}

func ptr[T any](v T) *T { return &v }

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func runPayload(action, conclusion string) []byte {
	return []byte(`{
		"action": "` + action + `",
		"repository": {"name": "widgets", "owner": {"login": "acme"}},
		"workflow_run": {
			"id": 555,
			"name": "ci",
			"status": "completed",
			"conclusion": "` + conclusion + `",
			"html_url": "https://github.com/acme/widgets/actions/runs/555"
		}
	}`)
}

func (e *testEnv) deliver(t *testing.T, kind string, body []byte) *httptest.ResponseRecorder {
	return e.do(t, http.MethodPost, "/webhook", body,
		webhook.HeaderEvent, kind,
		webhook.HeaderSignature, e.verifier.Sign(body),
		webhook.HeaderDelivery, "delivery-1")
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestWebhook_FailureIsStoredAndDispatched(t *testing.T) {
	env := newTestEnv(t)

	w := env.deliver(t, webhook.KindWorkflowRun, runPayload("completed", "failure"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeBody(t, w)
	assert.Equal(t, "accepted", resp["status"])
	assert.Equal(t, true, resp["created"])
	assert.Equal(t, "dispatched", resp["analysis"])

	record, err := env.store.GetFailureByKey(context.Background(), "acme", "widgets", 555)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, db.FixStatusNone, record.FixStatus)
	assert.Equal(t, "ci", record.WorkflowName)
	assert.Equal(t, 1, env.dispatcher.count())
}

func TestWebhook_RedeliveryKeepsOneRecord(t *testing.T) {
	env := newTestEnv(t)
	body := runPayload("completed", "failure")

	require.Equal(t, http.StatusOK, env.deliver(t, webhook.KindWorkflowRun, body).Code)
	w := env.deliver(t, webhook.KindWorkflowRun, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decodeBody(t, w)["created"])

	records, err := env.store.ListFailures(context.Background(), db.FailureFilters{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestWebhook_RedeliverySkipsAnalyzedRecord(t *testing.T) {
	env := newTestEnv(t)
	body := runPayload("completed", "failure")
	require.Equal(t, http.StatusOK, env.deliver(t, webhook.KindWorkflowRun, body).Code)

	record, err := env.store.GetFailureByKey(context.Background(), "acme", "widgets", 555)
	require.NoError(t, err)
	saved, err := env.store.SaveAnalysis(context.Background(), record.ID, &db.AnalysisUpdate{
		ErrorLog:       ptr("boom"),
		AnalysisResult: json.RawMessage(`{"root_cause":"x"}`),
		SuggestedFix:   ptr("fix"),
		MarkPending:    true,
	})
	require.NoError(t, err)
	require.True(t, saved)

	w := env.deliver(t, webhook.KindWorkflowRun, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "skipped", decodeBody(t, w)["analysis"])
	assert.Equal(t, 1, env.dispatcher.count())
}

func TestWebhook_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		kind      string
		body      []byte
		signature string
		status    int
	}{
		{"bad signature", webhook.KindWorkflowRun, runPayload("completed", "failure"), "sha256=00", http.StatusForbidden},
		{"missing signature", webhook.KindWorkflowRun, runPayload("completed", "failure"), "-", http.StatusForbidden},
		{"malformed body", webhook.KindWorkflowRun, []byte(`{"action":`), "", http.StatusBadRequest},
		{"missing run", webhook.KindWorkflowRun, []byte(`{"action":"completed"}`), "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			sig := tt.signature
			switch sig {
			case "":
				sig = env.verifier.Sign(tt.body)
			case "-":
				sig = ""
			}
			w := env.do(t, http.MethodPost, "/webhook", tt.body,
				webhook.HeaderEvent, tt.kind, webhook.HeaderSignature, sig)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, decodeBody(t, w), "error")
			assert.Zero(t, env.dispatcher.count())
		})
	}
}

func TestWebhook_AcknowledgedWithoutStorage(t *testing.T) {
	tests := []struct {
		name   string
		kind   string
		body   []byte
		status string
	}{
		{"ping", "ping", []byte(`{"zen":"hi"}`), "unsupported"},
		{"success", webhook.KindWorkflowRun, runPayload("completed", "success"), "ignored"},
		{"in progress", webhook.KindWorkflowRun, runPayload("in_progress", ""), "ignored"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.deliver(t, tt.kind, tt.body)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, tt.status, decodeBody(t, w)["status"])

			records, err := env.store.ListFailures(context.Background(), db.FailureFilters{})
			require.NoError(t, err)
			assert.Empty(t, records)
			assert.Zero(t, env.dispatcher.count())
		})
	}
}

func TestAnalyze(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/analyze", map[string]any{"owner": "acme", "repo": "widgets"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["fields"], "RunID")

	w = env.do(t, http.MethodPost, "/analyze", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/analyze", map[string]any{"owner": "acme", "repo": "widgets", "run_id": 9})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody(t, w)
	assert.Equal(t, true, resp["created"])
	assert.EqualValues(t, 9, resp["run_id"])

	w = env.do(t, http.MethodPost, "/analyze", map[string]any{"owner": "acme", "repo": "widgets", "run_id": 9})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["created"])
	assert.Equal(t, 2, env.dispatcher.count(), "explicit triggers always dispatch")
}

func TestFailures(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedPending(t)
	env.store.Insert(db.FailureRecord{Owner: "other", Repo: "svc", RunID: 1})

	w := env.do(t, http.MethodGet, "/failures?owner=acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["count"])

	w = env.do(t, http.MethodGet, "/failures/"+itoa(id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decodeBody(t, w)["fix_status"])

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/failures/999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/failures/abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/failures?limit=-1", nil).Code)
}

func TestApproveFix_AppliesAndReports(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedPending(t)

	w := env.do(t, http.MethodPost, "/fixes/"+itoa(id)+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeBody(t, w)
	failure := resp["failure"].(map[string]any)
	assert.Equal(t, "applied", failure["fix_status"])
	assert.Equal(t, "https://github.com/acme/widgets/pull/1", failure["pr_url"])
	assert.Equal(t, 1, env.mutator.calls)

	w = env.do(t, http.MethodGet, "/fixes/"+itoa(id)+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "applied", decodeBody(t, w)["fix_status"])

	// a decided record cannot be decided again
	w = env.do(t, http.MethodPost, "/fixes/"+itoa(id)+"/reject", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRejectFix(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedPending(t)

	w := env.do(t, http.MethodPost, "/fixes/"+itoa(id)+"/reject", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "rejected", decodeBody(t, w)["failure"].(map[string]any)["fix_status"])
	assert.Zero(t, env.mutator.calls)

	insights, err := env.server.engine.Insights(context.Background(), "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, 1, insights.TotalPatterns, "the decision is learned from")
}

func TestFixDecisions_Errors(t *testing.T) {
	env := newTestEnv(t)
	noFix := env.store.Insert(db.FailureRecord{Owner: "acme", Repo: "widgets", RunID: 2})

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/fixes/999/approve", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/fixes/zero/approve", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/fixes/"+itoa(noFix)+"/approve", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/fixes/999/status", nil).Code)
}

func TestListFixes(t *testing.T) {
	env := newTestEnv(t)
	env.seedPending(t)
	env.store.Insert(db.FailureRecord{Owner: "acme", Repo: "widgets", RunID: 2})

	w := env.do(t, http.MethodGet, "/fixes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["count"])
}

func TestFixDecisions_RequireTokenWhenConfigured(t *testing.T) {
	secret := "approver-signing-secret-0123456789"
	env := newTestEnv(t, withJWT(secret))
	id := env.seedPending(t)

	w := env.do(t, http.MethodPost, "/fixes/"+itoa(id)+"/approve", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = env.do(t, http.MethodPost, "/fixes/"+itoa(id)+"/approve", nil, "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := NewJWTService(&config.JWTConfig{Secret: secret, ExpirationHours: 1}).GenerateToken("alice")
	require.NoError(t, err)
	w = env.do(t, http.MethodPost, "/fixes/"+itoa(id)+"/approve", nil, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "alice", decodeBody(t, w)["failure"].(map[string]any)["decided_by"])

	// reads stay open
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/fixes/"+itoa(id)+"/status", nil).Code)
}

func TestML_Validation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		path string
		body any
	}{
		{"/ml/predict-success", map[string]any{"error_log": "x"}},
		{"/ml/predict-success", map[string]any{"error_log": "x", "suggested_fix": "y", "confidence": 2}},
		{"/ml/similar-fixes", map[string]any{}},
		{"/ml/similar-fixes", map[string]any{"error_log": "x", "limit": 1000}},
		{"/ml/generate-enhanced-fix", map[string]any{"suggested_fix": "y"}},
		{"/ml/learn-from-feedback", map[string]any{"error_log": "x", "suggested_fix": "y", "outcome": "maybe"}},
		{"/ml/pattern-insights", map[string]any{"repo_context": "acme/widgets"}},
		{"/ml/model-performance", map[string]any{"threshold": 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/ml/model-performance?threshold=abc", nil).Code)
}

func TestML_LearnAndQuery(t *testing.T) {
	env := newTestEnv(t)
	feedback := map[string]any{
		"error_log":     "npm ERR! code ERESOLVE unable to resolve dependency tree",
		"suggested_fix": "Run npm install with --legacy-peer-deps",
		"outcome":       "approved",
		"repo_context":  "acme/web",
	}

	w := env.do(t, http.MethodPost, "/ml/learn-from-feedback", feedback)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/ml/learn-from-feedback", feedback)
	require.Equal(t, http.StatusOK, w.Code)
	pattern := decodeBody(t, w)["pattern"].(map[string]any)
	assert.EqualValues(t, 2, pattern["occurrence_count"])

	w = env.do(t, http.MethodPost, "/ml/similar-fixes", map[string]any{
		"error_log":    "npm ERR! code ERESOLVE unable to resolve dependency tree",
		"repo_context": "acme/web",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["count"])

	w = env.do(t, http.MethodPost, "/ml/predict-success", map[string]any{
		"error_log":     "npm ERR! code ERESOLVE unable to resolve dependency tree",
		"suggested_fix": "Run npm install with --legacy-peer-deps",
	})
	require.Equal(t, http.StatusOK, w.Code)
	prob := decodeBody(t, w)["success_probability"].(float64)
	assert.Greater(t, prob, 0.5)

	w = env.do(t, http.MethodPost, "/ml/generate-enhanced-fix", map[string]any{
		"error_log":     "npm ERR! code ERESOLVE unable to resolve dependency tree",
		"suggested_fix": "Delete package-lock.json",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decodeBody(t, w), "enhanced_fix")

	w = env.do(t, http.MethodGet, "/ml/pattern-insights?repo_context=acme/web", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["total_patterns"])

	w = env.do(t, http.MethodPost, "/ml/pattern-insights", map[string]any{
		"error_log": "npm ERR! code ERESOLVE unable to resolve dependency tree",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, learning.Classify(feedback["error_log"].(string)), resp["error_category"])
	assert.NotNil(t, resp["category_stats"])

	w = env.do(t, http.MethodGet, "/ml/model-performance?threshold=0.6", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0.6, decodeBody(t, w)["threshold"])

	w = env.do(t, http.MethodPost, "/ml/model-performance", map[string]any{"error_log": "panic: runtime error"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decodeBody(t, w), "performance")
}

func TestRepoProfile(t *testing.T) {
	env := newTestEnv(t)
	env.seedPending(t)

	w := env.do(t, http.MethodGet, "/repos/acme/widgets/profile", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody(t, w)
	assert.EqualValues(t, 1, resp["total_failures"])
	assert.Equal(t, "widgets", resp["repo"])
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "memory", resp["store"])
	assert.Equal(t, true, resp["webhook_verification"])
	assert.Equal(t, false, resp["approver_auth"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health", nil)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "cifix_http_requests_total")
	assert.Contains(t, body, `route="GET /health"`)
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w = env.do(t, http.MethodGet, "/health", nil, requestIDHeader, "abc-123")
	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, withRateLimit(&ratelimit.Config{
		Enabled:       true,
		DefaultLimit:  2,
		DefaultWindow: time.Minute,
	}))

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/failures", nil).Code)
	}
	w := env.do(t, http.MethodGet, "/failures", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decodeBody(t, w)["error"])

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodOptions, "/analyze", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
