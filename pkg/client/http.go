// Package client is the node's outbound HTTP client, used for actor and
// webfinger lookups and signed inbox deliveries.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Config holds outbound HTTP settings
type Config struct {
	Timeout time.Duration `yaml:"timeout"`
	// Retries applies to GET only; deliveries are retried by the queue.
	Retries      int           `yaml:"retries"`
	RetryWait    time.Duration `yaml:"retry_wait"`
	RetryMaxWait time.Duration `yaml:"retry_max_wait"`
	UserAgent    string        `yaml:"user_agent"`
	// InsecureSkipVerify accepts any TLS certificate. Only for local testing.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		Retries:      2,
		RetryWait:    100 * time.Millisecond,
		RetryMaxWait: 2 * time.Second,
		UserAgent:    "ouka/1.0",
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	URI        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URI, e.StatusCode)
}

// Client implements federation.HTTPClient on top of resty.
type Client struct {
	rc     *resty.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	rc := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(retryableGet)
	if cfg.UserAgent != "" {
		rc.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.InsecureSkipVerify {
		rc.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
		logger.Warn("TLS certificate verification disabled for outbound requests")
	}

	return &Client{rc: rc, logger: logger}
}

// retryableGet retries idempotent requests on transport errors and 5xx.
func retryableGet(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	return err != nil || resp.StatusCode() >= http.StatusInternalServerError
}

// Get fetches uri and returns the response body.
func (c *Client) Get(ctx context.Context, uri string, headers map[string]string) ([]byte, error) {
	resp, err := c.request(ctx, headers).Get(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	if !resp.IsSuccess() {
		return nil, &StatusError{Method: http.MethodGet, URI: uri, StatusCode: resp.StatusCode()}
	}

	c.logger.Debug("Fetched",
		zap.String("uri", uri),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("elapsed", resp.Time()))
	return resp.Body(), nil
}

// Post sends body to uri. Any non-2xx status is an error.
func (c *Client) Post(ctx context.Context, uri string, body []byte, headers map[string]string) error {
	resp, err := c.request(ctx, headers).SetBody(body).Post(uri)
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", uri, err)
	}
	if !resp.IsSuccess() {
		return &StatusError{Method: http.MethodPost, URI: uri, StatusCode: resp.StatusCode()}
	}

	c.logger.Debug("Posted",
		zap.String("uri", uri),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("elapsed", resp.Time()))
	return nil
}

func (c *Client) request(ctx context.Context, headers map[string]string) *resty.Request {
	req := c.rc.R().SetContext(ctx)
	for name, value := range headers {
		// net/http takes Host from the URL.
		if strings.EqualFold(name, "host") {
			continue
		}
		req.SetHeader(name, value)
	}
	return req
}
