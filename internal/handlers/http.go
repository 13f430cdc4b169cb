package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig configures the http handler.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

type httpHandler struct {
	config HTTPConfig
}

// NewHTTPHandler creates the "http" handler, which calls an HTTP endpoint
// and stores the response in a next socket parameter.
func NewHTTPHandler(cfg HTTPConfig) Handler {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &httpHandler{config: cfg}
}

type httpAuth struct {
	Type        string `mapstructure:"type"`
	Token       string `mapstructure:"token"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	HeaderName  string `mapstructure:"header_name"`
	HeaderValue string `mapstructure:"header_value"`
}

type httpConfig struct {
	Method            string            `mapstructure:"method"`
	URL               string            `mapstructure:"url"`
	Headers           map[string]string `mapstructure:"headers"`
	Body              any               `mapstructure:"body"`
	BodyParam         string            `mapstructure:"body_param"`
	BodyEncoding      string            `mapstructure:"body_encoding"`
	Auth              *httpAuth         `mapstructure:"auth"`
	Timeout           string            `mapstructure:"timeout"`
	FailOnErrorStatus bool              `mapstructure:"fail_on_error_status"`
	Result            string            `mapstructure:"result"`
}

func (h *httpHandler) Name() string { return "http" }
func (h *httpHandler) Description() string {
	return "Call an HTTP endpoint and store the response in a next socket parameter"
}

func (h *httpHandler) Execute(hc *Context) (bool, error) {
	var cfg httpConfig
	if err := hc.DecodeConfig(&cfg); err != nil {
		return false, err
	}
	u, err := url.ParseRequestURI(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", cfg.URL)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeout := h.config.DefaultTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid timeout %q", cfg.Timeout)
		}
		timeout = d
	}

	body := cfg.Body
	if cfg.BodyParam != "" {
		body, _ = hc.Param(cfg.BodyParam)
	}
	bodyReader, contentType, err := encodeBody(body, cfg.BodyEncoding)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(hc.Ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bodyReader)
	if err != nil {
		return false, schema.NewError(schema.ErrCodeExecution, "http: build request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, cfg.Auth)

	start := time.Now()
	resp, err := h.config.Client.Do(req)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "http: %s %s failed", method, cfg.URL).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return false, schema.NewError(schema.ErrCodeExecution, "http: read response body").WithCause(err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        decodeResponse(raw, resp.Header.Get("Content-Type")),
		"duration_ms": time.Since(start).Milliseconds(),
	}

	if cfg.FailOnErrorStatus && resp.StatusCode >= 400 {
		return false, schema.NewErrorf(schema.ErrCodeHandlerFailed, "http: %s %s returned %d", method, cfg.URL, resp.StatusCode).
			WithDetails(result)
	}
	if cfg.Result != "" {
		if err := hc.SetResult(cfg.Result, result); err != nil {
			return false, err
		}
	}
	return true, nil
}

func encodeBody(body any, encoding string) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	switch encoding {
	case "form":
		fields, ok := body.(map[string]any)
		if !ok {
			return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "http: form body must be an object, got %T", body)
		}
		vals := url.Values{}
		for k, v := range fields {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(body)), "text/plain", nil
	case "", "json":
		b, err := json.Marshal(body)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeExecution, "http: marshal body as JSON").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "http: unknown body_encoding %q", encoding)
	}
}

func applyAuth(req *http.Request, auth *httpAuth) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "api_key":
		if auth.HeaderName != "" {
			req.Header.Set(auth.HeaderName, auth.HeaderValue)
		}
	}
}

// decodeResponse returns JSON bodies decoded and anything else as text.
func decodeResponse(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
