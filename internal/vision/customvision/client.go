// Package customvision implements vision.Adapter on the Azure Custom Vision REST API.
package customvision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/k3a/html2text"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/httpclient"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/vision"
)

const (
	trainingPath   = "/customvision/v3.3/training"
	predictionPath = "/customvision/v3.0/Prediction"

	trainingKeyHeader   = "Training-Key"
	predictionKeyHeader = "Prediction-Key"

	maxResponseSize  = 8 << 20
	maxErrorPreview  = 300
	maxRetries       = 3
	retryBaseBackoff = 500 * time.Millisecond
	taggedPageSize   = 256
)

// MetricsRecorder receives one observation per remote call.
type MetricsRecorder interface {
	RecordRequest(operation, status string, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordRequest(string, string, time.Duration) {}

// Option customizes a Client.
type Option func(*Client)

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithHTTPClient replaces the shared HTTP client.
func WithHTTPClient(h *httpclient.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// Client talks to one Custom Vision training resource and its prediction resource.
type Client struct {
	settings  conf.VisionSettings
	http      *httpclient.Client
	limiter   *rate.Limiter
	cache     *cache.Cache
	group     singleflight.Group
	log       logger.Logger
	metrics   MetricsRecorder
	retryWait time.Duration
}

var _ vision.Adapter = (*Client)(nil)

// New creates a client. Missing endpoint or keys fail with errors.ErrAdapterUnavailable.
func New(settings *conf.VisionSettings, log logger.Logger, opts ...Option) (*Client, error) {
	if settings == nil {
		return nil, errors.New(errors.ErrAdapterUnavailable).
			Component("customvision").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := conf.RequireVision(settings); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}

	s := *settings
	s.Endpoint = strings.TrimRight(s.Endpoint, "/")
	s.PredictionEndpoint = strings.TrimRight(s.PredictionEndpoint, "/")
	if s.PredictionEndpoint == "" {
		s.PredictionEndpoint = s.Endpoint
	}
	if s.UploadConcurrency <= 0 {
		s.UploadConcurrency = 1
	}
	ttl := s.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	c := &Client{
		settings:  s,
		http:      httpclient.New(&httpclient.Config{DefaultTimeout: s.Timeout}),
		cache:     cache.New(ttl, 2*ttl),
		log:       log.Module("customvision"),
		metrics:   noopMetrics{},
		retryWait: retryBaseBackoff,
	}
	if s.RateLimit > 0 {
		burst := max(1, int(s.RateLimit))
		c.limiter = rate.NewLimiter(rate.Limit(s.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}

	c.log.Info("custom vision client initialized",
		logger.String("endpoint", s.Endpoint),
		logger.String("prediction_endpoint", s.PredictionEndpoint),
		logger.Float64("rate_limit", s.RateLimit),
		logger.Duration("cache_ttl", ttl),
		logger.Bool("publish_enabled", s.PredictionResourceID != ""))
	return c, nil
}

// Close releases idle connections and drops cached lookups.
func (c *Client) Close() {
	c.cache.Flush()
	c.http.Close()
}

// request describes one remote call.
type request struct {
	op          string
	method      string
	url         string
	keyHeader   string
	body        []byte
	contentType string
	// notFound is wrapped into the returned error on HTTP 404.
	notFound error
}

func (c *Client) trainingURL(path string, query url.Values) string {
	u := c.settings.Endpoint + trainingPath + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) predictionURL(path string) string {
	return c.settings.PredictionEndpoint + predictionPath + path
}

// do executes r with rate limiting, retrying transient failures of idempotent
// requests, and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, r *request, out any) error {
	start := time.Now()
	err := c.doWithRetry(ctx, r, out)
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRequest(r.op, status, time.Since(start))
	return err
}

func (c *Client) doWithRetry(ctx context.Context, r *request, out any) error {
	idempotent := r.method == http.MethodGet || r.method == http.MethodDelete
	var lastErr error
	for attempt := range maxRetries {
		lastErr = c.doOnce(ctx, r, out)
		if lastErr == nil || !idempotent || !retryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt == maxRetries-1 {
			break
		}
		delay := time.Duration(attempt+1) * c.retryWait
		c.log.Warn("custom vision request failed, retrying",
			logger.String("operation", r.op),
			logger.Int("attempt", attempt+1),
			logger.Duration("delay", delay),
			logger.Error(lastErr))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, r *request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.New(err).
				Component("customvision").
				Category(errors.CategoryCancellation).
				Context("operation", r.op).
				Build()
		}
	}

	var body any
	if r.body != nil {
		body = r.body
	}
	req, err := httpclient.NewRequest(ctx, r.method, r.url, body)
	if err != nil {
		return err
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(r.keyHeader, c.key(r.keyHeader))

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return errors.New(err).
			Component("customvision").
			Category(errors.CategoryNetwork).
			Context("operation", r.op).
			Build()
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Debug("failed to close response body", logger.Error(cerr))
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.New(fmt.Errorf("failed to read response: %w", err)).
			Component("customvision").
			Category(errors.CategoryNetwork).
			Context("operation", r.op).
			Build()
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return c.apiError(r, resp, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.New(fmt.Errorf("failed to parse response: %w", err)).
			Component("customvision").
			Category(errors.CategoryVision).
			Context("operation", r.op).
			Context("response_size", len(data)).
			Build()
	}
	return nil
}

func (c *Client) key(header string) string {
	if header == predictionKeyHeader {
		return c.settings.PredictionKey
	}
	return c.settings.TrainingKey
}

// apiError converts an error response into an enhanced error, wrapping the domain
// sentinel that matches the service error code or status.
func (c *Client) apiError(r *request, resp *http.Response, data []byte) error {
	var apiErr apiErrorDTO
	var message string
	if err := json.Unmarshal(data, &apiErr); err == nil && (apiErr.Code != "" || apiErr.Message != "") {
		message = apiErr.Message
	} else {
		message = errorPreview(resp.Header.Get("Content-Type"), data)
	}

	var sentinel error
	category := categoryForStatus(resp.StatusCode)
	switch {
	case apiErr.Code == codeTrainingInProgress:
		sentinel, category = errors.ErrTrainingInProgress, errors.CategoryConflict
	case apiErr.Code == codeTrainingNotNeeded:
		sentinel, category = vision.ErrTrainingNotNeeded, errors.CategoryState
	case apiErr.Code == codeProjectNotFound:
		sentinel, category = errors.ErrRemoteProjectNotFound, errors.CategoryNotFound
	case resp.StatusCode == http.StatusNotFound && r.notFound != nil:
		sentinel = r.notFound
	}

	var err error
	if sentinel != nil {
		err = fmt.Errorf("%w: %s", sentinel, message)
	} else {
		err = fmt.Errorf("custom vision %s failed (status %d): %s", r.op, resp.StatusCode, message)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.log.Error("custom vision authentication failed",
			logger.String("operation", r.op),
			logger.Int("status_code", resp.StatusCode),
			logger.String("code", apiErr.Code))
	} else {
		c.log.Debug("custom vision error response",
			logger.String("operation", r.op),
			logger.Int("status_code", resp.StatusCode),
			logger.String("code", apiErr.Code),
			logger.String("message", message))
	}

	return errors.New(err).
		Component("customvision").
		Category(category).
		Context("operation", r.op).
		Context("status_code", resp.StatusCode).
		Context("error_code", apiErr.Code).
		Build()
}

// errorPreview turns a non-JSON error body into a short readable message.
// Gateways in front of the service answer with HTML pages.
func errorPreview(contentType string, data []byte) string {
	text := string(data)
	if strings.Contains(contentType, "html") || strings.HasPrefix(strings.TrimSpace(text), "<") {
		text = html2text.HTML2Text(text)
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxErrorPreview {
		text = text[:maxErrorPreview] + "..."
	}
	return text
}

func categoryForStatus(status int) errors.ErrorCategory {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.CategoryConfiguration
	case http.StatusTooManyRequests:
		return errors.CategoryLimit
	case http.StatusNotFound:
		return errors.CategoryNotFound
	case http.StatusBadRequest, http.StatusConflict:
		return errors.CategoryValidation
	default:
		return errors.CategoryVision
	}
}

// retryable reports whether err is a transient failure: network errors, 429 and 5xx.
func retryable(err error) bool {
	var ee *errors.EnhancedError
	if !errors.As(err, &ee) {
		return false
	}
	switch ee.Category {
	case errors.CategoryNetwork, errors.CategoryLimit:
		return true
	case errors.CategoryVision:
		status, ok := ee.Context["status_code"].(int)
		return ok && status >= http.StatusInternalServerError
	default:
		return false
	}
}
