package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/autouam/autouam/internal/config"
)

const (
	// requestTimeout bounds every individual HTTP request so a stuck
	// remote call cannot stall the control loop.
	requestTimeout = 10 * time.Second

	// defaultRetryAfter is used when a 429 response omits the header.
	defaultRetryAfter = 5 * time.Second
)

// Client talks to the Cloudflare v4 API for a single zone.
type Client struct {
	http    *http.Client
	baseURL string
	zoneID  string
	token   string
	retry   retryPolicy
	logger  *zap.Logger
}

// NewClient creates a Client from the Cloudflare configuration.
func NewClient(cfg config.CloudflareConfig, logger *zap.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: requestTimeout},
		baseURL: cfg.BaseURL,
		zoneID:  cfg.ZoneID,
		token:   cfg.APIToken,
		retry:   defaultRetryPolicy(),
		logger:  logger,
	}
}

// apiEnvelope is the standard Cloudflare v4 response wrapper.
type apiEnvelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

func (e *apiEnvelope) errorMessage() string {
	if len(e.Errors) > 0 {
		return e.Errors[0].Message
	}
	return "unknown error"
}

// VerifyCredentials checks that the API token is valid and active.
func (c *Client) VerifyCredentials(ctx context.Context) error {
	return c.retry.do(ctx, c.logger, "verify_credentials", func() error {
		_, err := c.doRequest(ctx, http.MethodGet, "/user/tokens/verify", nil)
		return err
	})
}

// GetSecurityLevel returns the zone's current security level.
func (c *Client) GetSecurityLevel(ctx context.Context) (Level, error) {
	var level Level
	err := c.retry.do(ctx, c.logger, "get_security_level", func() error {
		result, err := c.doRequest(ctx, http.MethodGet,
			fmt.Sprintf("/zones/%s/settings/security_level", c.zoneID), nil)
		if err != nil {
			return err
		}
		var setting struct {
			Value Level `json:"value"`
		}
		if err := json.Unmarshal(result, &setting); err != nil {
			return fmt.Errorf("decoding security level: %w", err)
		}
		level = setting.Value
		return nil
	})
	return level, err
}

// SetSecurityLevel sets the zone's security level. The current level is
// queried first; a write is only issued when it differs, keeping the call
// idempotent and sparing the API's rate limits.
func (c *Client) SetSecurityLevel(ctx context.Context, target Level) error {
	if !target.Valid() {
		return &APIError{StatusCode: http.StatusBadRequest,
			Message: fmt.Sprintf("invalid security level %q", target)}
	}

	current, err := c.GetSecurityLevel(ctx)
	if err != nil {
		return err
	}
	if current == target {
		c.logger.Debug("Security level already set, skipping write",
			zap.String("level", string(target)))
		return nil
	}

	body, err := json.Marshal(map[string]Level{"value": target})
	if err != nil {
		return fmt.Errorf("encoding security level: %w", err)
	}

	err = c.retry.do(ctx, c.logger, "set_security_level", func() error {
		_, derr := c.doRequest(ctx, http.MethodPatch,
			fmt.Sprintf("/zones/%s/settings/security_level", c.zoneID), body)
		return derr
	})
	if err != nil {
		return err
	}

	c.logger.Info("Security level changed",
		zap.String("from", string(current)),
		zap.String("to", string(target)))
	return nil
}

// doRequest performs a single HTTP request and classifies the response.
// Transport failures come back as plain errors the retry policy treats as
// transient; HTTP-level failures come back typed.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &retryAfterError{Delay: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	var envelope apiEnvelope
	if jerr := json.Unmarshal(data, &envelope); jerr != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("decoding response: %w", jerr)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: envelope.errorMessage()}
	case resp.StatusCode >= 500:
		// Server-side failures are worth retrying.
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, &APIError{StatusCode: resp.StatusCode, Message: envelope.errorMessage()}
	case !envelope.Success:
		return nil, &APIError{StatusCode: resp.StatusCode, Message: envelope.errorMessage()}
	}

	return envelope.Result, nil
}

// parseRetryAfter reads a Retry-After header in either RFC 7231 form:
// delay-seconds or an HTTP-date. Unparseable or negative values fall back
// to a conservative default.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return defaultRetryAfter
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}
