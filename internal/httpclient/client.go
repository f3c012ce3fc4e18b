// Package httpclient implements ResourceClient against the permit backend's REST API.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/ternarybob/permitwatch/internal/interfaces"
	"github.com/ternarybob/permitwatch/internal/models"
)

const (
	// DefaultTimeout bounds each request independently of any poll interval
	DefaultTimeout = 120 * time.Second

	// DefaultRateLimit is requests per second shared by every monitor using the client
	DefaultRateLimit = 10

	jobsPath   = "/api/background-jobs/jobs"
	countyPath = "/api/background-jobs/counties"
	healthPath = "/api/health"
)

// Client is the HTTP ResourceClient
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	validate   *validator.Validate
	logger     arbor.ILogger

	// Applied over httpClient once every option has run
	tokenSource func(ctx context.Context) oauth2.TokenSource
}

var _ interfaces.ResourceClient = (*Client)(nil)

// ClientOption configures the Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRateLimit sets requests per second and burst. A limit of 0 disables limiting.
func WithRateLimit(requestsPerSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
}

// WithLogger sets a logger
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientCredentials authenticates every request with an OAuth2
// client-credentials token, refreshed by the token source as it expires.
// Token requests and API calls both go through the configured HTTP client.
func WithClientCredentials(clientID, clientSecret, tokenURL string, scopes []string) ClientOption {
	return func(c *Client) {
		cfg := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		c.tokenSource = cfg.TokenSource
	}
}

// WithBearerToken authenticates every request with a fixed token
func WithBearerToken(token string) ClientOption {
	return func(c *Client) {
		c.tokenSource = func(context.Context) oauth2.TokenSource {
			return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		}
	}
}

// NewClient creates a client for the backend at baseURL
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		validate:   validator.New(),
		logger:     arbor.NewNoOpLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.tokenSource != nil {
		base := c.httpClient
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		c.httpClient = oauth2.NewClient(ctx, c.tokenSource(ctx))
		c.httpClient.Timeout = base.Timeout
	}

	return c
}

// APIError is a non-success response from the backend.
// Unwrap exposes the sentinel the status maps to, if any.
type APIError struct {
	StatusCode int
	Detail     string
	Endpoint   string
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend API error: %s (status %d, endpoint: %s)", e.Detail, e.StatusCode, e.Endpoint)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// FetchJob returns the current snapshot of a job
func (c *Client) FetchJob(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}

	var snap models.JobSnapshot
	if err := c.do(ctx, http.MethodGet, jobsPath+"/"+url.PathEscape(jobID), nil, &snap); err != nil {
		return nil, fmt.Errorf("failed to fetch job %s: %w", jobID, err)
	}
	if snap.JobID == "" {
		snap.JobID = jobID
	}
	return &snap, nil
}

// FetchHealth returns the aggregate backend health. A missing or unrecognised
// status is derived from the components, and a missing summary is counted.
func (c *Client) FetchHealth(ctx context.Context) (*models.HealthSnapshot, error) {
	var body json.RawMessage
	if err := c.do(ctx, http.MethodGet, healthPath, nil, &body); err != nil {
		return nil, fmt.Errorf("failed to fetch health: %w", err)
	}

	var snap models.HealthSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode health: %w", err)
	}
	var present struct {
		Summary *models.HealthSummary `json:"summary"`
	}
	if err := json.Unmarshal(body, &present); err != nil {
		return nil, fmt.Errorf("failed to decode health summary: %w", err)
	}

	if snap.Status.Normalize() == models.HealthUnknown {
		snap.Status = models.DeriveStatus(snap.Components)
	}
	if present.Summary == nil {
		snap.Summary = models.Summarize(snap.Components)
	}
	return &snap, nil
}

// CreateJob submits a job for a county. A county with an active job yields ErrConflict.
func (c *Client) CreateJob(ctx context.Context, req *models.CreateJobRequest) (*models.JobSnapshot, error) {
	if req == nil {
		return nil, fmt.Errorf("create job request is required")
	}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid create job request: %w", err)
	}
	if req.Parameters == nil {
		req.Parameters = map[string]interface{}{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode create job request: %w", err)
	}

	var snap models.JobSnapshot
	path := countyPath + "/" + url.PathEscape(req.CountyID) + "/jobs"
	if err := c.do(ctx, http.MethodPost, path, body, &snap); err != nil {
		return nil, fmt.Errorf("failed to create %s job for county %s: %w", req.JobType, req.CountyID, err)
	}
	if snap.CountyID == "" {
		snap.CountyID = req.CountyID
	}
	return &snap, nil
}

// CancelJob asks the backend to stop a pending or running job.
// The backend answers 400 for jobs that already finished; that maps to ErrConflict.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}

	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, jobsPath+"/"+url.PathEscape(jobID)+"/cancel", nil, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			apiErr.kind = interfaces.ErrConflict
		}
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}

	c.logger.Debug().
		Str("job_id", jobID).
		Str("message", resp.Message).
		Msg("Backend accepted job cancellation")
	return nil
}

// do performs one rate-limited, time-bounded request and decodes a JSON response
func (c *Client) do(ctx context.Context, method, path string, body []byte, result interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w: %w", interfaces.ErrTransient, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrTransient, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Backend API request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &APIError{
			StatusCode: resp.StatusCode,
			Detail:     extractDetail(data),
			Endpoint:   path,
			kind:       classify(resp.StatusCode),
		}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// classify maps an HTTP status to the sentinel monitors branch on
func classify(status int) error {
	switch {
	case status == http.StatusNotFound:
		return interfaces.ErrNotFound
	case status == http.StatusConflict:
		return interfaces.ErrConflict
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return interfaces.ErrTransient
	}
	return nil
}

// extractDetail pulls the FastAPI-style {"detail": ...} message out of an error body
func extractDetail(data []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil && len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			return s
		}
		return string(body.Detail)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "no response body"
	}
	return text
}
