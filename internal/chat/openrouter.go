package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/buddytalk/internal/policy"
)

const (
	defaultBaseURL   = "https://openrouter.ai/api"
	defaultReferer   = "https://buddytalk.app"
	defaultTitle     = "BuddyTalk"
	maxResponseBytes = 4 << 20
	maxErrorBytes    = 4 << 10
)

var (
	ErrMissingAPIKey  = errors.New("chat: OpenRouter API key not configured")
	ErrInvalidRequest = errors.New("chat: missing required fields: model and messages array")
	ErrRateLimited    = errors.New("chat: rate limit exceeded")
)

// UpstreamError reports a failed OpenRouter call. StatusCode is the
// upstream status, or 502/504 when no response arrived.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return "OpenRouter API error: " + e.Body
}

// Request is the body accepted from the front-end. Messages are forwarded
// untouched so role/content variants the model supports pass through.
type Request struct {
	Model       string            `json:"model"`
	Messages    []json.RawMessage `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
}

type upstreamRequest struct {
	Model       string            `json:"model"`
	Messages    []json.RawMessage `json:"messages"`
	Temperature float64           `json:"temperature"`
	MaxTokens   int               `json:"max_tokens"`
	TopP        float64           `json:"top_p"`
}

func (r Request) upstream() upstreamRequest {
	out := upstreamRequest{
		Model:       strings.TrimSpace(r.Model),
		Messages:    r.Messages,
		Temperature: 0.9,
		MaxTokens:   500,
		TopP:        0.95,
	}
	if r.Temperature != nil {
		out.Temperature = *r.Temperature
	}
	if r.MaxTokens != nil {
		out.MaxTokens = *r.MaxTokens
	}
	if r.TopP != nil {
		out.TopP = *r.TopP
	}
	return out
}

// Usage is the token accounting OpenRouter attaches to completions.
type Usage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	Cost             *float64 `json:"cost,omitempty"`
}

// Completion is the upstream response. Body is returned to clients
// verbatim; the parsed fields are for logging.
type Completion struct {
	Body  []byte
	Model string
	Reply string
	Usage *Usage
}

type Config struct {
	BaseURL string
	APIKey  string
	Referer string
	Title   string
	Timeout time.Duration
	// RateLimit is requests per second across all callers; 0 disables it.
	RateLimit float64
	RateBurst int
}

// Client proxies chat completions to OpenRouter with a server-held key.
type Client struct {
	endpoint string
	apiKey   string
	referer  string
	title    string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	referer := strings.TrimSpace(cfg.Referer)
	if referer == "" {
		referer = defaultReferer
	}
	title := strings.TrimSpace(cfg.Title)
	if title == "" {
		title = defaultTitle
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		endpoint: baseURL + "/v1/chat/completions",
		apiKey:   strings.TrimSpace(cfg.APIKey),
		referer:  referer,
		title:    title,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

func (c *Client) Configured() bool { return c.apiKey != "" }

// Complete forwards req to OpenRouter and returns its JSON response.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	if c.apiKey == "" {
		return Completion{}, ErrMissingAPIKey
	}
	if strings.TrimSpace(req.Model) == "" || req.Messages == nil {
		return Completion{}, ErrInvalidRequest
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return Completion{}, ErrRateLimited
	}

	body := req.upstream()
	payload, err := json.Marshal(body)
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("HTTP-Referer", c.referer)
	httpReq.Header.Set("X-Title", c.title)

	c.logger.Info("openrouter chat request",
		zap.String("model", body.Model),
		zap.Int("messages", len(body.Messages)),
	)

	res, err := c.client.Do(httpReq)
	if err != nil {
		status := http.StatusBadGateway
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			status = http.StatusGatewayTimeout
		}
		msg, _ := policy.RedactSecrets(err.Error(), c.apiKey)
		c.logger.Error("openrouter unreachable", zap.Int("status", status), zap.String("error", msg))
		return Completion{}, &UpstreamError{StatusCode: status, Body: msg}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBytes))
		msg, _ := policy.RedactSecrets(strings.TrimSpace(string(raw)), c.apiKey)
		c.logger.Error("openrouter api error", zap.Int("status", res.StatusCode), zap.String("body", msg))
		return Completion{}, &UpstreamError{StatusCode: res.StatusCode, Body: msg}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes+1))
	if err != nil {
		return Completion{}, &UpstreamError{StatusCode: http.StatusBadGateway, Body: "read response: " + err.Error()}
	}
	if len(raw) > maxResponseBytes {
		return Completion{}, &UpstreamError{StatusCode: http.StatusBadGateway, Body: "response too large"}
	}

	out := Completion{Body: raw}
	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Completion{}, &UpstreamError{StatusCode: http.StatusBadGateway, Body: "invalid JSON response: " + err.Error()}
	}
	out.Model = parsed.Model
	out.Usage = parsed.Usage
	if len(parsed.Choices) > 0 {
		out.Reply = parsed.Choices[0].Message.Content
	}

	fields := []zap.Field{zap.String("model", out.Model), zap.Int("reply_length", len(out.Reply))}
	if u := out.Usage; u != nil {
		fields = append(fields,
			zap.Int("prompt_tokens", u.PromptTokens),
			zap.Int("completion_tokens", u.CompletionTokens),
			zap.Int("total_tokens", u.TotalTokens),
		)
		if u.Cost != nil {
			fields = append(fields, zap.Float64("cost_usd", *u.Cost))
		}
	}
	c.logger.Info("openrouter chat complete", fields...)
	return out, nil
}
