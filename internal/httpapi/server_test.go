package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/statusfeed"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type stubRemote struct {
	total int
}

func (r stubRemote) FetchPage(ctx context.Context, accountID string, req relaysync.FetchRequest) (relaysync.Page, error) {
	items := make([]json.RawMessage, 0, 3)
	for i := 0; i < 3 && i < r.total; i++ {
		items = append(items, json.RawMessage(fmt.Sprintf(`{"id":"%s-%d"}`, accountID, i)))
	}
	return relaysync.Page{Items: items}, nil
}

func (r stubRemote) FetchAccountMetrics(ctx context.Context, accountID string) (relaysync.ConnectionMetrics, error) {
	return relaysync.ConnectionMetrics{TotalItems: r.total}, nil
}

func newTestEngine(t *testing.T, sink relaysync.EventSink) *relaysync.Engine {
	t.Helper()
	engine, err := relaysync.NewEngine(relaysync.EngineOptions{
		Remote:     stubRemote{total: 3},
		Sink:       sink,
		MetricsTTL: -1,
		Workers:    1,
		Governor:   relaysync.NewPeakGovernor(relaysync.PeakWindow{Disabled: true}),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Stop)
	return engine
}

func TestAuthRequired(t *testing.T) {
	server := NewServer(newTestEngine(t, nil))
	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws_1/sync/accounts/acct_1/status", nil)
	rec := httptest.NewRecorder()

	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	server := NewServer(newTestEngine(t, nil))
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	server := NewServer(newTestEngine(t, nil))
	token := mustTestJWT(t, "dev-secret", "ws_1", "Worker1", []string{ScopeRead, ScopeWrite, ScopeTrigger}, time.Now().Add(time.Hour))
	headers := func(corr string) map[string]string {
		return map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": corr}
	}

	enableResp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/workspaces/ws_1/sync/accounts/acct_1/schedule",
		headers: headers("corr_1"),
		body:    map[string]any{"intervalMinutes": 15, "syncType": "contacts"},
	})
	if enableResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on enable, got %d (%s)", enableResp.Code, enableResp.Body.String())
	}
	var schedule relaysync.SyncSchedule
	if err := json.NewDecoder(enableResp.Body).Decode(&schedule); err != nil {
		t.Fatalf("decode enable response: %v", err)
	}
	if !schedule.Enabled || schedule.IntervalMinutes != 15 || schedule.SyncType != relaysync.SyncContacts {
		t.Fatalf("unexpected schedule: %+v", schedule)
	}
	if schedule.BatchSize != 500 || schedule.PriorityMode != relaysync.PriorityAll {
		t.Fatalf("expected small account strategy, got %+v", schedule)
	}

	triggerResp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/workspaces/ws_1/sync/accounts/acct_1/trigger",
		headers: headers("corr_2"),
	})
	if triggerResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on trigger, got %d (%s)", triggerResp.Code, triggerResp.Body.String())
	}
	var outcome relaysync.SyncOutcome
	if err := json.NewDecoder(triggerResp.Body).Decode(&outcome); err != nil {
		t.Fatalf("decode trigger response: %v", err)
	}
	if outcome.Status != relaysync.StatusSuccess || outcome.ItemsSynced != 3 || outcome.Trigger != relaysync.TriggerManual {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	statusResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/ws_1/sync/accounts/acct_1/status?limit=5",
		headers: headers("corr_3"),
	})
	if statusResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on status, got %d (%s)", statusResp.Code, statusResp.Body.String())
	}
	var status relaysync.ScheduleStatus
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	if !status.IsEnabled || status.NextSyncAt == nil || len(status.History) == 0 {
		t.Fatalf("unexpected status: %+v", status)
	}

	historyResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/ws_1/sync/history",
		headers: headers("corr_4"),
	})
	if historyResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on history, got %d (%s)", historyResp.Code, historyResp.Body.String())
	}
	var history historyResponse
	if err := json.NewDecoder(historyResp.Body).Decode(&history); err != nil {
		t.Fatalf("decode history response: %v", err)
	}
	if history.WorkspaceID != "ws_1" || len(history.Items) == 0 {
		t.Fatalf("unexpected history: %+v", history)
	}

	disableResp := doRequest(t, server, request{
		method:  http.MethodDelete,
		path:    "/v1/workspaces/ws_1/sync/accounts/acct_1/schedule",
		headers: headers("corr_5"),
	})
	if disableResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on disable, got %d (%s)", disableResp.Code, disableResp.Body.String())
	}
	afterDisable := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/ws_1/sync/accounts/acct_1/status",
		headers: headers("corr_6"),
	})
	var disabled relaysync.ScheduleStatus
	if err := json.NewDecoder(afterDisable.Body).Decode(&disabled); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	if disabled.IsEnabled || disabled.State == relaysync.StateArmed {
		t.Fatalf("expected disabled status, got %+v", disabled)
	}
}

func TestUnknownScheduleMapsToConfigurationError(t *testing.T) {
	server := NewServer(newTestEngine(t, nil))
	token := mustTestJWT(t, "dev-secret", "ws_2", "Worker1", []string{ScopeRead, ScopeWrite, ScopeTrigger}, time.Now().Add(time.Hour))
	for _, r := range []request{
		{method: http.MethodPost, path: "/v1/workspaces/ws_2/sync/accounts/missing/trigger"},
		{method: http.MethodGet, path: "/v1/workspaces/ws_2/sync/accounts/missing/status"},
		{method: http.MethodDelete, path: "/v1/workspaces/ws_2/sync/accounts/missing/schedule"},
	} {
		r.headers = map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_missing"}
		resp := doRequest(t, server, r)
		if resp.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s %s: expected 422, got %d (%s)", r.method, r.path, resp.Code, resp.Body.String())
		}
		var payload map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("decode error payload: %v", err)
		}
		if payload["code"] != "configuration_error" || payload["correlationId"] != "corr_missing" {
			t.Fatalf("unexpected error payload: %v", payload)
		}
	}
}

func TestBadRequests(t *testing.T) {
	server := NewServer(newTestEngine(t, nil))
	token := mustTestJWT(t, "dev-secret", "ws_bad", "Worker1", []string{ScopeRead, ScopeWrite}, time.Now().Add(time.Hour))
	auth := "Bearer " + token

	missingCorrelation := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/ws_bad/sync/history",
		headers: map[string]string{"Authorization": auth},
	})
	if missingCorrelation.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", missingCorrelation.Code)
	}

	badType := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/workspaces/ws_bad/sync/accounts/acct_1/schedule",
		headers: map[string]string{"Authorization": auth, "X-Correlation-Id": "corr_bad_1"},
		body:    map[string]any{"syncType": "calendar"},
	})
	if badType.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown sync type, got %d (%s)", badType.Code, badType.Body.String())
	}

	badJSON := doRawRequest(t, server, rawRequest{
		method:  http.MethodPut,
		path:    "/v1/workspaces/ws_bad/sync/accounts/acct_1/schedule",
		headers: map[string]string{"Authorization": auth, "X-Correlation-Id": "corr_bad_2"},
		body:    []byte(`{"intervalMinutes":`),
	})
	if badJSON.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", badJSON.Code)
	}

	badLimit := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/ws_bad/sync/history?limit=500",
		headers: map[string]string{"Authorization": auth, "X-Correlation-Id": "corr_bad_3"},
	})
	if badLimit.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range limit, got %d", badLimit.Code)
	}

	unknown := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/ws_bad/fs/tree",
		headers: map[string]string{"Authorization": auth, "X-Correlation-Id": "corr_bad_4"},
	})
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", unknown.Code)
	}
}

func TestScopeAndWorkspaceClaimsEnforced(t *testing.T) {
	server := NewServer(newTestEngine(t, nil))
	readOnlyToken := mustTestJWT(t, "dev-secret", "ws_3", "Worker1", []string{ScopeRead}, time.Now().Add(time.Hour))

	deniedEnable := doRequest(t, server, request{
		method: http.MethodPut,
		path:   "/v1/workspaces/ws_3/sync/accounts/acct_1/schedule",
		headers: map[string]string{
			"Authorization":    "Bearer " + readOnlyToken,
			"X-Correlation-Id": "corr_scope_1",
		},
		body: map[string]any{"intervalMinutes": 30},
	})
	if deniedEnable.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing sync:write, got %d (%s)", deniedEnable.Code, deniedEnable.Body.String())
	}

	deniedTrigger := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/workspaces/ws_3/sync/accounts/acct_1/trigger",
		headers: map[string]string{
			"Authorization":    "Bearer " + readOnlyToken,
			"X-Correlation-Id": "corr_scope_2",
		},
	})
	if deniedTrigger.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing sync:trigger, got %d", deniedTrigger.Code)
	}

	wrongWorkspaceToken := mustTestJWT(t, "dev-secret", "ws_other", "Worker1", []string{ScopeRead}, time.Now().Add(time.Hour))
	wrongWorkspace := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/workspaces/ws_3/sync/history",
		headers: map[string]string{
			"Authorization":    "Bearer " + wrongWorkspaceToken,
			"X-Correlation-Id": "corr_scope_3",
		},
	})
	if wrongWorkspace.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for workspace mismatch, got %d (%s)", wrongWorkspace.Code, wrongWorkspace.Body.String())
	}

	wrongAudience := mustTestJWTWithAudience(t, "dev-secret", "ws_3", "Worker1", []string{ScopeRead}, "billing", time.Now().Add(time.Hour))
	badAudResp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/workspaces/ws_3/sync/history",
		headers: map[string]string{
			"Authorization":    "Bearer " + wrongAudience,
			"X-Correlation-Id": "corr_scope_4",
		},
	})
	if badAudResp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid audience, got %d (%s)", badAudResp.Code, badAudResp.Body.String())
	}

	expired := mustTestJWT(t, "dev-secret", "ws_3", "Worker1", []string{ScopeRead}, time.Now().Add(-time.Minute))
	expiredResp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/workspaces/ws_3/sync/history",
		headers: map[string]string{
			"Authorization":    "Bearer " + expired,
			"X-Correlation-Id": "corr_scope_5",
		},
	})
	if expiredResp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", expiredResp.Code)
	}

	forged := mustTestJWT(t, "other-secret", "ws_3", "Worker1", []string{ScopeRead}, time.Now().Add(time.Hour))
	forgedResp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/workspaces/ws_3/sync/history",
		headers: map[string]string{
			"Authorization":    "Bearer " + forged,
			"X-Correlation-Id": "corr_scope_6",
		},
	})
	if forgedResp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged signature, got %d", forgedResp.Code)
	}
}

func TestAdminBackendsRequiresAdminScope(t *testing.T) {
	server := NewServer(newTestEngine(t, nil))
	reader := mustTestJWT(t, "dev-secret", "ws_admin", "Ops", []string{ScopeRead}, time.Now().Add(time.Hour))
	denied := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/backends",
		headers: map[string]string{"Authorization": "Bearer " + reader, "X-Correlation-Id": "corr_admin_1"},
	})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without sync:admin, got %d", denied.Code)
	}

	admin := mustTestJWT(t, "dev-secret", "ws_admin", "Ops", []string{ScopeAdmin}, time.Now().Add(time.Hour))
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/backends",
		headers: map[string]string{"Authorization": "Bearer " + admin, "X-Correlation-Id": "corr_admin_2"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var status relaysync.BackendStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode backends: %v", err)
	}
	if status.StoreBackend != "memory" || status.JobQueue != "memory" || status.Workers != 1 {
		t.Fatalf("unexpected backend status: %+v", status)
	}
}

type failingEngine struct {
	Engine
	err error
}

func (e failingEngine) TriggerNow(ctx context.Context, workspaceID, accountID string, syncType relaysync.SyncType) (relaysync.SyncOutcome, error) {
	return relaysync.SyncOutcome{}, e.err
}

func TestEngineErrorMapping(t *testing.T) {
	cases := []struct {
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{err: relaysync.ErrInvalidInput, status: http.StatusBadRequest, code: "bad_request"},
		{err: relaysync.ErrNotFound, status: http.StatusNotFound, code: "not_found"},
		{err: relaysync.ErrInvalidState, status: http.StatusConflict, code: "conflict"},
		{err: &relaysync.ConfigurationError{WorkspaceID: "ws_map", AccountID: "acct_1"}, status: http.StatusUnprocessableEntity, code: "configuration_error"},
		{err: &relaysync.RemoteUnavailableError{RateLimited: true, RetryAfter: 90 * time.Second}, status: http.StatusTooManyRequests, code: "rate_limited", retryAfter: "90"},
		{err: fmt.Errorf("disk on fire"), status: http.StatusInternalServerError, code: "internal_error"},
	}
	token := mustTestJWT(t, "dev-secret", "ws_map", "Worker1", []string{ScopeTrigger}, time.Now().Add(time.Hour))
	for _, tc := range cases {
		server := NewServerWithConfig(failingEngine{err: tc.err}, ServerConfig{Logger: zerolog.Nop()})
		resp := doRequest(t, server, request{
			method:  http.MethodPost,
			path:    "/v1/workspaces/ws_map/sync/accounts/acct_1/trigger",
			headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_map"},
			body:    map[string]any{"syncType": "both"},
		})
		if resp.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, resp.Code)
		}
		var payload map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["code"] != tc.code {
			t.Fatalf("%v: expected code %s, got %v", tc.err, tc.code, payload["code"])
		}
		if got := resp.Header().Get("Retry-After"); got != tc.retryAfter {
			t.Fatalf("%v: expected Retry-After %q, got %q", tc.err, tc.retryAfter, got)
		}
	}
}

func TestRateLimitingByWorkspaceAndAgent(t *testing.T) {
	server := NewServerWithConfig(newTestEngine(t, nil), ServerConfig{
		JWTSecret:       "dev-secret",
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	token := mustTestJWT(t, "dev-secret", "ws_rate", "Worker1", []string{ScopeRead}, time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{
			method: http.MethodGet,
			path:   "/v1/workspaces/ws_rate/sync/history",
			headers: map[string]string{
				"Authorization":    "Bearer " + token,
				"X-Correlation-Id": fmt.Sprintf("corr_rate_%d", i),
			},
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}

	denied := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/workspaces/ws_rate/sync/history",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_rate_denied",
		},
	})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}

	otherAgent := mustTestJWT(t, "dev-secret", "ws_rate", "Worker2", []string{ScopeRead}, time.Now().Add(time.Hour))
	allowed := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/workspaces/ws_rate/sync/history",
		headers: map[string]string{
			"Authorization":    "Bearer " + otherAgent,
			"X-Correlation-Id": "corr_rate_other",
		},
	})
	if allowed.Code != http.StatusOK {
		t.Fatalf("expected separate agent budget, got %d", allowed.Code)
	}
}

func TestStatusStreamDeliversEngineEvents(t *testing.T) {
	hub := statusfeed.NewHub(8, zerolog.Nop())
	engine := newTestEngine(t, hub)
	api := httptest.NewServer(NewServerWithConfig(engine, ServerConfig{Streamer: hub}))
	defer api.Close()
	token := mustTestJWT(t, "dev-secret", "ws_stream", "Watcher", []string{ScopeRead, ScopeWrite}, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(api.URL, "http") + "/v1/workspaces/ws_stream/sync/stream?access_token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("ws_stream") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	body, _ := json.Marshal(map[string]any{"intervalMinutes": 30})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPut, api.URL+"/v1/workspaces/ws_stream/sync/accounts/acct_1/schedule", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-Id", "corr_stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("enable request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on enable, got %d", resp.StatusCode)
	}

	seen := map[relaysync.StatusEventType]relaysync.StatusEvent{}
	for len(seen) < 2 {
		var event relaysync.StatusEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			t.Fatalf("read event: %v", err)
		}
		seen[event.Type] = event
	}
	enabled, ok := seen[relaysync.EventScheduleEnabled]
	if !ok || enabled.AccountID != "acct_1" || !enabled.Enabled {
		t.Fatalf("expected schedule.enabled for acct_1, got %+v", seen)
	}
	completed, ok := seen[relaysync.EventCycleCompleted]
	if !ok || completed.Outcome == nil || completed.Outcome.Trigger != relaysync.TriggerEnable {
		t.Fatalf("expected enable cycle completion, got %+v", seen)
	}
}

func TestStatusStreamRequiresToken(t *testing.T) {
	server := NewServerWithConfig(newTestEngine(t, nil), ServerConfig{Streamer: statusfeed.NewHub(1, zerolog.Nop())})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/stream"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	withoutStreamer := NewServer(newTestEngine(t, nil))
	token := mustTestJWT(t, "dev-secret", "ws_1", "Watcher", []string{ScopeRead}, time.Now().Add(time.Hour))
	unavailable := doRequest(t, withoutStreamer, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/ws_1/sync/stream",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if unavailable.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without streamer, got %d", unavailable.Code)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, workspaceID, agentName string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, workspaceID, agentName, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, workspaceID, agentName string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"workspace_id": workspaceID,
		"agent_name":   agentName,
		"scopes":       scopes,
		"exp":          exp.Unix(),
		"aud":          aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
