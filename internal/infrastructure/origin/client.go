// Package origin implements the HTTP fallback leg of the Fetch Arbiter
// (C6): a GET against the seeder service, guarded by the teacher's retry
// and circuit-breaker packages.
package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"swarmplayer/internal/core/domain"
	"swarmplayer/pkg/circuitbreaker"
	apperrors "swarmplayer/pkg/errors"
	"swarmplayer/pkg/retry"
)

// Client fetches segment/playlist bytes from the origin/seeder HTTP
// service at {baseURL}/streams/movies/{stream}/{quality}/{segmentId}.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	maxRetries     int
	retryDelayBase time.Duration
	log            *zap.SugaredLogger
	breaker        *circuitbreaker.CircuitBreaker
}

// New constructs a Client bound to baseURL with the given per-attempt
// timeout, retry budget, and initial backoff delay (spec §5:
// retryDelayBase · 2^attempt).
func New(baseURL string, timeout time.Duration, maxRetries int, retryDelayBase time.Duration, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if retryDelayBase <= 0 {
		retryDelayBase = 200 * time.Millisecond
	}
	cbCfg := circuitbreaker.DefaultConfig()
	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		baseURL:        baseURL,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		log:            log,
		breaker:        circuitbreaker.New(cbCfg, log.Named("circuitbreaker")),
	}
}

// FetchSegment issues the GET for a media segment with exponential-backoff
// retry, short-circuiting via the breaker when the origin is failing
// persistently.
func (c *Client) FetchSegment(ctx context.Context, seg domain.SegmentDescriptor) ([]byte, error) {
	url := fmt.Sprintf("%s/streams/movies/%s/%s/%s", c.baseURL, seg.Stream, seg.Quality, seg.SegmentID)
	return c.get(ctx, url)
}

// FetchInitSegment issues the GET for a quality's init segment.
func (c *Client) FetchInitSegment(ctx context.Context, stream domain.StreamID, quality domain.QualityID, initURL string) ([]byte, error) {
	url := initURL
	if url == "" {
		url = fmt.Sprintf("%s/streams/movies/%s/%s/init.mp4", c.baseURL, stream, quality)
	}
	return c.get(ctx, url)
}

// FetchText issues a GET for a playlist and returns its raw text.
func (c *Client) FetchText(ctx context.Context, url string) ([]byte, error) {
	return c.get(ctx, url)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	retryCfg := retry.Config{
		Enabled:      true,
		MaxAttempts:  c.maxRetries,
		InitialDelay: c.retryDelayBase,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	result, err := c.breaker.ExecuteWithResult(ctx, func() (interface{}, error) {
		return retry.RetryWithResult(ctx, retryCfg, c.log, func() ([]byte, error) {
			return c.doGet(ctx, url)
		})
	})
	if err != nil {
		return nil, err
	}
	bytes, _ := result.([]byte)
	return bytes, nil
}

func (c *Client) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Sprintf("build origin request: %v", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewTransientNetworkError(err, "origin request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.NewNotFoundError("origin segment")
	}
	if resp.StatusCode >= 500 {
		return nil, apperrors.NewTransientNetworkError(nil, fmt.Sprintf("origin returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewProtocolViolationError(fmt.Sprintf("origin returned unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewTransientNetworkError(err, "reading origin response body failed")
	}
	return body, nil
}
