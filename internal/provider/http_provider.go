package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

type AccessTokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a token provider that always yields token.
func StaticToken(token string) AccessTokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type Options struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	Timeout       time.Duration
	UserAgent     string
	// MaxRetries is the number of in-client retries for 429 and 5xx. The
	// engine owns backoff, so the default is none.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     zerolog.Logger
}

// HTTPError is a non-retryable provider response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider request failed: status=%d message=%s", e.StatusCode, e.Message)
}

// HTTPProvider implements relaysync.RemoteProvider against the provider's
// REST API.
type HTTPProvider struct {
	client        *resty.Client
	tokenProvider AccessTokenProvider
	logger        zerolog.Logger
	now           func() time.Time
}

var _ relaysync.RemoteProvider = (*HTTPProvider)(nil)

func New(opts Options) (*HTTPProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: provider base url is required", relaysync.ErrInvalidInput)
	}
	if opts.TokenProvider == nil {
		return nil, fmt.Errorf("%w: provider token provider is required", relaysync.ErrInvalidInput)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	var client *resty.Client
	if opts.HTTPClient != nil {
		client = resty.NewWithClient(opts.HTTPClient)
	} else {
		client = resty.New()
	}
	client.
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(max(opts.MaxRetries, 0)).
		SetRetryWaitTime(baseDelay).
		SetRetryMaxWaitTime(maxDelay).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		client.SetHeader("User-Agent", ua)
	}
	return &HTTPProvider{
		client:        client,
		tokenProvider: opts.TokenProvider,
		logger:        opts.Logger,
		now:           time.Now,
	}, nil
}

func (p *HTTPProvider) FetchPage(ctx context.Context, accountID string, req relaysync.FetchRequest) (relaysync.Page, error) {
	query := req.Filter.Values()
	if req.Cursor != nil && *req.Cursor != "" {
		query.Set("cursor", *req.Cursor)
	}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.SyncType != "" {
		query.Set("syncType", string(req.SyncType))
	}
	if req.MessagesPerItem > 0 {
		query.Set("messagesPerItem", strconv.Itoa(req.MessagesPerItem))
	}
	var page relaysync.Page
	if err := p.get(ctx, "fetch page", "/v1/accounts/{accountId}/items", accountID, query, &page); err != nil {
		return relaysync.Page{}, err
	}
	if page.NextCursor != nil && strings.TrimSpace(*page.NextCursor) == "" {
		page.NextCursor = nil
	}
	return page, nil
}

func (p *HTTPProvider) FetchAccountMetrics(ctx context.Context, accountID string) (relaysync.ConnectionMetrics, error) {
	var metrics relaysync.ConnectionMetrics
	if err := p.get(ctx, "fetch account metrics", "/v1/accounts/{accountId}/metrics", accountID, nil, &metrics); err != nil {
		return relaysync.ConnectionMetrics{}, err
	}
	return metrics, nil
}

func (p *HTTPProvider) get(ctx context.Context, op, path, accountID string, query url.Values, out any) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return fmt.Errorf("%w: account id is required", relaysync.ErrInvalidInput)
	}
	token, err := p.tokenProvider(ctx)
	if err != nil {
		return &relaysync.RemoteUnavailableError{Op: op, Err: err}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return &relaysync.RemoteUnavailableError{Op: op, Err: errors.New("provider token is empty")}
	}

	request := p.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("accountId", accountID)
	if len(query) > 0 {
		request.SetQueryParamsFromValues(query)
	}
	started := p.now()
	resp, err := request.Get(path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		p.logger.Warn().Err(err).Str("account", accountID).Str("op", op).Msg("provider request failed")
		return &relaysync.RemoteUnavailableError{Op: op, Err: err}
	}
	p.logger.Debug().
		Str("account", accountID).
		Str("op", op).
		Int("status", resp.StatusCode()).
		Dur("duration", p.now().Sub(started)).
		Msg("provider request")
	if err := p.mapStatus(op, resp); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &relaysync.RemoteUnavailableError{Op: op, Err: fmt.Errorf("decode provider response: %w", err)}
	}
	return nil
}

func (p *HTTPProvider) mapStatus(op string, resp *resty.Response) error {
	status := resp.StatusCode()
	if status >= 200 && status <= 299 {
		return nil
	}
	httpErr := decodeHTTPError(status, resp.Body())
	switch {
	case status == http.StatusTooManyRequests:
		return &relaysync.RemoteUnavailableError{
			Op:          op,
			RateLimited: true,
			RetryAfter:  parseRetryAfter(resp.Header().Get("Retry-After"), p.now()),
			Err:         httpErr,
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &relaysync.RemoteUnavailableError{Op: op, Err: fmt.Errorf("provider auth rejected: %w", httpErr)}
	default:
		return &relaysync.RemoteUnavailableError{Op: op, Err: httpErr}
	}
}

func decodeHTTPError(status int, body []byte) *HTTPError {
	httpErr := &HTTPError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			httpErr.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			httpErr.Message = message
		}
	}
	return httpErr
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	at, err := http.ParseTime(header)
	if err != nil {
		return 0
	}
	if wait := at.Sub(now); wait > 0 {
		return wait
	}
	return 0
}
