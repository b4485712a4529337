// Package captioner talks to the image captioning model service.
//
// The service accepts POST /caption with a multipart "image" field and
// answers {"caption": "...", "tags": [...]}. Transient failures (the service
// being unreachable or an attempt timing out) are retried with exponential
// backoff up to MaxAttempts; every other failure is returned immediately.
package captioner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

type Kind string

const (
	KindUnreachable     Kind = "unreachable"
	KindTimeout         Kind = "timeout"
	KindInvalidResponse Kind = "invalid_response"
	KindModelError      Kind = "model_error"
)

// Transient reports whether a failure of this kind is worth retrying.
func (k Kind) Transient() bool {
	return k == KindUnreachable || k == KindTimeout
}

type Error struct {
	Kind     Kind
	Status   int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("caption ")
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

type Result struct {
	Caption string   `json:"caption"`
	Tags    []string `json:"tags"`
}

type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	return c
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	return d
}

// Caption sends image to the model service and returns its caption and tags.
func (c *Client) Caption(ctx context.Context, image []byte, filename string) (*Result, error) {
	var lastErr *Error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		res, err := c.captionOnce(ctx, image, filename)
		if err == nil {
			return res, nil
		}
		err.Attempts = attempt
		lastErr = err

		if ctx.Err() != nil || !err.Kind.Transient() || attempt == c.cfg.MaxAttempts {
			break
		}
		wait := c.backoff(attempt)
		c.logger.Warn("caption attempt failed, retrying",
			"attempt", attempt, "kind", string(err.Kind), "backoff", wait.String(), "error", err.Err)
		if serr := c.sleep(ctx, wait); serr != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) captionOnce(ctx context.Context, image []byte, filename string) (*Result, *Error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", filepath.Base(filename))
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Err: err}
	}
	if _, err := part.Write(image); err != nil {
		return nil, &Error{Kind: KindUnreachable, Err: err}
	}
	if err := writer.Close(); err != nil {
		return nil, &Error{Kind: KindUnreachable, Err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.BaseURL+"/caption", &body)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(ctx, attemptCtx, err)
	}

	if cerr := statusError(resp.StatusCode, respBody); cerr != nil {
		return nil, cerr
	}

	var parsed Result
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Status: resp.StatusCode, Err: err}
	}
	parsed.Caption = strings.TrimSpace(parsed.Caption)
	if parsed.Caption == "" {
		return nil, &Error{Kind: KindInvalidResponse, Status: resp.StatusCode, Err: errors.New("empty caption")}
	}
	if parsed.Tags == nil {
		parsed.Tags = []string{}
	}
	return &parsed, nil
}

func (c *Client) transportError(parent, attempt context.Context, err error) *Error {
	if parent.Err() == nil && errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(parent.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindUnreachable, Err: err}
}

func statusError(status int, body []byte) *Error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := errorMessage(body)
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &Error{Kind: KindUnreachable, Status: status, Err: errors.New(msg)}
	default:
		return &Error{Kind: KindModelError, Status: status, Err: errors.New(msg)}
	}
}

func errorMessage(body []byte) string {
	var parsed struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if s, ok := parsed.Detail.(string); ok && s != "" {
			return s
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = "empty response body"
	}
	return msg
}

// Health probes GET /health on the model service and returns its JSON body.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(context.Background(), ctx, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Err: err}
	}
	if cerr := statusError(resp.StatusCode, body); cerr != nil {
		return nil, cerr
	}
	out := map[string]any{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Status: resp.StatusCode, Err: err}
	}
	return out, nil
}
