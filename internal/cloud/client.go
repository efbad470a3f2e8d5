package cloud

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

	"github.com/nerrad567/deerma-bridge/internal/infrastructure/config"
)

// Defaults matching the vendor Android app.
const (
	DefaultBaseURL   = "https://iot.deerma.com"
	DefaultAppID     = "9c3b124649fa11e98b6e02461a5b364e"
	DefaultUserAgent = "okhttp/4.12.0"
	DefaultLanguage  = "zh-CN"

	// maxBodySize caps how much of a response body is read.
	maxBodySize = 1 << 20
)

// Logger is the logging interface used by the client.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Options configures a Client.
type Options struct {
	BaseURL   string
	AppID     string
	UserAgent string
	Language  string
	Timeout   time.Duration
}

// OptionsFromConfig builds client options from the cloud config section.
func OptionsFromConfig(cfg config.CloudConfig) Options {
	return Options{
		BaseURL:   cfg.BaseURL,
		AppID:     cfg.AppID,
		UserAgent: cfg.UserAgent,
		Language:  cfg.Language,
		Timeout:   time.Duration(cfg.Timeout) * time.Second,
	}
}

// Client talks to the Deerma REST API. It holds no session state; every
// authenticated call takes the access token explicitly.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	opts   Options
	http   *http.Client
	logger Logger
}

// New creates a Client. Empty options fall back to the vendor defaults.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.AppID == "" {
		opts.AppID = DefaultAppID
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		opts:   opts,
		http:   &http.Client{Timeout: opts.Timeout},
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for request diagnostics.
func (c *Client) SetLogger(l Logger) {
	if l != nil {
		c.logger = l
	}
}

// SetHTTPClient replaces the underlying HTTP client (tests, proxies).
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.http = hc
	}
}

// envelope is the common response wrapper: {"code":0,"success":true,"message":"","data":...}.
type envelope struct {
	Code    *int            `json:"code"`
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (e *envelope) ok() bool {
	return (e.Code != nil && *e.Code == 0) || e.Success
}

func (e *envelope) code() int {
	if e.Code == nil {
		return 0
	}
	return *e.Code
}

func (e *envelope) message() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Msg
}

// do performs one request and decodes the envelope into env. Transport
// failures, auth failures, rate limiting and backend rejections are all
// classified here.
func (c *Client) do(ctx context.Context, op, method, path, token string, query url.Values, body any, env *envelope) error {
	target := c.opts.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cloud: %s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("cloud: %s: building request: %w", op, err)
	}
	req.Header.Set("app_id", c.opts.AppID)
	req.Header.Set("Accept-Language", c.opts.Language)
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("cloud: %s: %w", op, ctxErr)
		}
		return &TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &TransientNetworkError{Op: op, Err: fmt.Errorf("reading body: %w", err)}
	}

	c.logger.Debug("cloud request",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	// Decode before checking the status: error bodies usually carry a message.
	decodeErr := json.Unmarshal(raw, env)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Op: op, Status: resp.StatusCode, Code: env.code(), Message: env.message()}
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %s", ErrRateLimited, op, env.message())
	case resp.StatusCode >= 500:
		return &TransientNetworkError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: %s: status %d: %s", ErrRejected, op, resp.StatusCode, env.message())
	}

	if decodeErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, op, decodeErr)
	}

	switch code := env.code(); {
	case code == http.StatusUnauthorized:
		return &AuthError{Op: op, Status: resp.StatusCode, Code: code, Message: env.message()}
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %s", ErrRateLimited, op, env.message())
	case !env.ok():
		return fmt.Errorf("%w: %s: code %d: %s", ErrRejected, op, code, env.message())
	}
	return nil
}

// flexString decodes a JSON string or number as a string.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = flexString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// flexFloat decodes a JSON number or numeric string.
type flexFloat struct {
	Value float64
	Valid bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	v, ok := decodeNumber(b)
	f.Value, f.Valid = v, ok
	return nil
}

// decodeNumber accepts a JSON number or a numeric string; anything else is
// reported as not valid.
func decodeNumber(b []byte) (float64, bool) {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		v, err := n.Float64()
		return v, err == nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return v, err == nil
	}
	return 0, false
}

// decodeData unmarshals the envelope data into out.
func decodeData(op string, env *envelope, out any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: %s: empty data", ErrMalformedResponse, op)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, op, err)
	}
	return nil
}

// errorsAsAuth converts a backend rejection into an AuthError, used where
// any rejection means bad credentials (login, refresh).
func errorsAsAuth(op string, err error) error {
	if errors.Is(err, ErrRejected) {
		return &AuthError{Op: op, Message: err.Error()}
	}
	return err
}
