package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/google/uuid"
)

var ErrConfiguration = errors.New("schedule not configured")

type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrConfiguration && e.StatusCode == http.StatusUnprocessableEntity
}

type History struct {
	WorkspaceID string                  `json:"workspaceId"`
	Items       []relaysync.SyncOutcome `json:"items"`
}

// Client talks to the relaysync control API. 429 and 5xx responses and
// transport errors are retried with exponential backoff.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	return NewWithOptions(baseURL, token, httpClient, Options{})
}

func NewWithOptions(baseURL, token string, httpClient *http.Client, opts Options) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}
}

func (c *Client) Enable(ctx context.Context, workspaceID, accountID string, intervalMinutes int, syncType relaysync.SyncType) (relaysync.SyncSchedule, error) {
	body := map[string]any{"intervalMinutes": intervalMinutes}
	if syncType != "" {
		body["syncType"] = string(syncType)
	}
	var out relaysync.SyncSchedule
	err := c.doJSON(ctx, http.MethodPut, accountPath(workspaceID, accountID, "schedule"), body, &out)
	return out, err
}

func (c *Client) Disable(ctx context.Context, workspaceID, accountID string) error {
	return c.doJSON(ctx, http.MethodDelete, accountPath(workspaceID, accountID, "schedule"), nil, nil)
}

func (c *Client) Trigger(ctx context.Context, workspaceID, accountID string, syncType relaysync.SyncType) (relaysync.SyncOutcome, error) {
	body := map[string]any{}
	if syncType != "" {
		body["syncType"] = string(syncType)
	}
	var out relaysync.SyncOutcome
	err := c.doJSON(ctx, http.MethodPost, accountPath(workspaceID, accountID, "trigger"), body, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, workspaceID, accountID string, limit int) (relaysync.ScheduleStatus, error) {
	requestPath := accountPath(workspaceID, accountID, "status")
	if limit > 0 {
		requestPath += "?limit=" + strconv.Itoa(limit)
	}
	var out relaysync.ScheduleStatus
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, workspaceID string, limit int) (History, error) {
	requestPath := fmt.Sprintf("/v1/workspaces/%s/sync/history", url.PathEscape(workspaceID))
	if limit > 0 {
		requestPath += "?limit=" + strconv.Itoa(limit)
	}
	var out History
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out)
	return out, err
}

func (c *Client) Backends(ctx context.Context) (relaysync.BackendStatus, error) {
	var out relaysync.BackendStatus
	err := c.doJSON(ctx, http.MethodGet, "/v1/admin/backends", nil, &out)
	return out, err
}

func accountPath(workspaceID, accountID, leaf string) string {
	return fmt.Sprintf("/v1/workspaces/%s/sync/accounts/%s/%s", url.PathEscape(workspaceID), url.PathEscape(accountID), leaf)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlationID := "ctl_" + uuid.NewString()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: correlationID,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
