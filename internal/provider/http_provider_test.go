package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

func newTestProvider(t *testing.T, server *httptest.Server, maxRetries int) *HTTPProvider {
	t.Helper()
	provider, err := New(Options{
		BaseURL:       server.URL,
		TokenProvider: StaticToken("token_123"),
		HTTPClient:    server.Client(),
		MaxRetries:    maxRetries,
		BaseDelay:     5 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new provider failed: %v", err)
	}
	return provider
}

func TestFetchPageSendsExpectedRequest(t *testing.T) {
	var capturedAuth string
	var capturedPath string
	var capturedQuery map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedPath = r.URL.Path
		capturedQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"c1"},{"id":"c2"}],"nextCursor":"cur_2"}`))
	}))
	defer server.Close()

	cursor := "cur_1"
	page, err := newTestProvider(t, server, 0).FetchPage(context.Background(), "acct_1", relaysync.FetchRequest{
		Filter:          relaysync.FilterForMode(relaysync.PriorityEngaged),
		Cursor:          &cursor,
		Limit:           50,
		SyncType:        relaysync.SyncBoth,
		MessagesPerItem: 5,
	})
	if err != nil {
		t.Fatalf("fetch page failed: %v", err)
	}
	if capturedPath != "/v1/accounts/acct_1/items" {
		t.Fatalf("expected items path, got %s", capturedPath)
	}
	if capturedAuth != "Bearer token_123" {
		t.Fatalf("expected bearer auth, got %q", capturedAuth)
	}
	expected := map[string]string{
		"cursor":          "cur_1",
		"limit":           "50",
		"syncType":        "both",
		"messagesPerItem": "5",
		"recencyDays":     "7",
		"minInteractions": "5",
		"tags":            "vip,important,client,prospect",
	}
	for key, want := range expected {
		if got := strings.Join(capturedQuery[key], ","); got != want {
			t.Fatalf("expected query %s=%q, got %q", key, want, got)
		}
	}
	if len(page.Items) != 2 || page.NextCursor == nil || *page.NextCursor != "cur_2" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestFetchPageOmitsEmptyCursorAndNormalizesNextCursor(t *testing.T) {
	var sawCursor bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawCursor = r.URL.Query()["cursor"]
		_, _ = w.Write([]byte(`{"items":[],"nextCursor":""}`))
	}))
	defer server.Close()

	page, err := newTestProvider(t, server, 0).FetchPage(context.Background(), "acct_1", relaysync.FetchRequest{Limit: 10})
	if err != nil {
		t.Fatalf("fetch page failed: %v", err)
	}
	if sawCursor {
		t.Fatalf("expected no cursor parameter on first page")
	}
	if page.NextCursor != nil {
		t.Fatalf("expected blank next cursor to be nil, got %q", *page.NextCursor)
	}
}

func TestFetchAccountMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts/acct_9/metrics" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"totalItems":20000,"activeItems":1200,"recentItems":300,"highEngagementItems":40}`))
	}))
	defer server.Close()

	metrics, err := newTestProvider(t, server, 0).FetchAccountMetrics(context.Background(), "acct_9")
	if err != nil {
		t.Fatalf("fetch metrics failed: %v", err)
	}
	if metrics.TotalItems != 20000 || metrics.HighEngagementItems != 40 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestRateLimitMapsToRemoteUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7200")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
	}))
	defer server.Close()

	_, err := newTestProvider(t, server, 0).FetchPage(context.Background(), "acct_1", relaysync.FetchRequest{Limit: 10})
	if !errors.Is(err, relaysync.ErrRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	var remoteErr *relaysync.RemoteUnavailableError
	if !errors.As(err, &remoteErr) || remoteErr.RetryAfter != 2*time.Hour {
		t.Fatalf("expected retry after 2h, got %+v", remoteErr)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		status      int
		rateLimited bool
		httpCode    string
	}{
		{status: http.StatusUnauthorized},
		{status: http.StatusForbidden},
		{status: http.StatusBadGateway},
		{status: http.StatusBadRequest, httpCode: "invalid_request"},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"code":"invalid_request","message":"bad"}`))
		}))
		_, err := newTestProvider(t, server, 0).FetchAccountMetrics(context.Background(), "acct_1")
		server.Close()
		if !errors.Is(err, relaysync.ErrRemoteUnavailable) {
			t.Fatalf("status %d: expected remote unavailable, got %v", tc.status, err)
		}
		if errors.Is(err, relaysync.ErrRateLimited) {
			t.Fatalf("status %d: expected no rate limit flag", tc.status)
		}
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || httpErr.StatusCode != tc.status {
			t.Fatalf("status %d: expected wrapped HTTPError, got %v", tc.status, err)
		}
		if tc.httpCode != "" && httpErr.Code != tc.httpCode {
			t.Fatalf("status %d: expected code %q, got %q", tc.status, tc.httpCode, httpErr.Code)
		}
	}
}

func TestNoRetryByDefault(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if _, err := newTestProvider(t, server, 0).FetchAccountMetrics(context.Background(), "acct_1"); err == nil {
		t.Fatalf("expected error from unavailable provider")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestRetriesTransientFailureWhenConfigured(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"totalItems":5}`))
	}))
	defer server.Close()

	metrics, err := newTestProvider(t, server, 2).FetchAccountMetrics(context.Background(), "acct_1")
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if metrics.TotalItems != 5 || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry and metrics, got %+v after %d calls", metrics, atomic.LoadInt32(&calls))
	}
}

func TestTokenProviderFailure(t *testing.T) {
	provider, err := New(Options{
		BaseURL: "http://provider.invalid",
		TokenProvider: func(ctx context.Context) (string, error) {
			return "", errors.New("vault sealed")
		},
	})
	if err != nil {
		t.Fatalf("new provider failed: %v", err)
	}
	if _, err := provider.FetchAccountMetrics(context.Background(), "acct_1"); !errors.Is(err, relaysync.ErrRemoteUnavailable) {
		t.Fatalf("expected remote unavailable, got %v", err)
	}
	if _, err := provider.FetchAccountMetrics(context.Background(), " "); !errors.Is(err, relaysync.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank account, got %v", err)
	}
}

func TestNewRequiresBaseURLAndToken(t *testing.T) {
	if _, err := New(Options{TokenProvider: StaticToken("x")}); err == nil {
		t.Fatalf("expected missing base url to fail")
	}
	if _, err := New(Options{BaseURL: "http://provider"}); err == nil {
		t.Fatalf("expected missing token provider to fail")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 5, 2, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("30", now); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
	if got := parseRetryAfter(now.Add(time.Hour).Format(http.TimeFormat), now); got != time.Hour {
		t.Fatalf("expected 1h from http date, got %s", got)
	}
	for _, raw := range []string{"", "-1", "soon", now.Add(-time.Hour).Format(http.TimeFormat)} {
		if got := parseRetryAfter(raw, now); got != 0 {
			t.Fatalf("expected zero for %q, got %s", raw, got)
		}
	}
}
