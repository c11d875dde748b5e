package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/buddytalk/internal/policy"
)

const (
	defaultBaseURL = "https://api.fish.audio"
	defaultModel   = "s1"
	maxAudioBytes  = 64 << 20
	maxErrorBytes  = 4 << 10
)

var (
	ErrMissingAPIKey  = errors.New("tts: Fish Audio API key not configured")
	ErrInvalidRequest = errors.New("tts: missing required fields: text and reference_id")
	ErrRateLimited    = errors.New("tts: rate limit exceeded")
)

// UpstreamError reports a failed call to the Fish Audio API. StatusCode is
// the upstream status, or 502/504 when the call never got a response.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return "Fish Audio API error: " + e.Body
}

// Request mirrors the Fish Audio TTS body. Zero values take the documented
// defaults; Temperature and TopP are pointers so 0 stays expressible.
type Request struct {
	Text        string   `json:"text"`
	ReferenceID string   `json:"reference_id"`
	Format      string   `json:"format,omitempty"`
	MP3Bitrate  int      `json:"mp3_bitrate,omitempty"`
	Latency     string   `json:"latency,omitempty"`
	Normalize   bool     `json:"normalize"`
	ChunkLength int      `json:"chunk_length,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

type upstreamRequest struct {
	Text        string  `json:"text"`
	ReferenceID string  `json:"reference_id"`
	Format      string  `json:"format"`
	MP3Bitrate  int     `json:"mp3_bitrate"`
	Latency     string  `json:"latency"`
	Normalize   bool    `json:"normalize"`
	ChunkLength int     `json:"chunk_length"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

func (r Request) upstream() upstreamRequest {
	out := upstreamRequest{
		Text:        r.Text,
		ReferenceID: r.ReferenceID,
		Format:      r.Format,
		MP3Bitrate:  r.MP3Bitrate,
		Latency:     r.Latency,
		Normalize:   r.Normalize,
		ChunkLength: r.ChunkLength,
		Temperature: 0.7,
		TopP:        0.7,
	}
	if out.Format == "" {
		out.Format = "mp3"
	}
	if out.MP3Bitrate == 0 {
		out.MP3Bitrate = 128
	}
	if out.Latency == "" {
		out.Latency = "balanced"
	}
	if out.ChunkLength == 0 {
		out.ChunkLength = 200
	}
	if r.Temperature != nil {
		out.Temperature = *r.Temperature
	}
	if r.TopP != nil {
		out.TopP = *r.TopP
	}
	return out
}

// Audio is a synthesized clip.
type Audio struct {
	Data        []byte
	ContentType string
}

type Config struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
	// RateLimit is requests per second across all callers; 0 disables it.
	RateLimit float64
	RateBurst int
}

// Client proxies text-to-speech requests to Fish Audio.
type Client struct {
	baseURL      string
	apiKey       string
	defaultModel string
	client       *http.Client
	limiter      *rate.Limiter
	logger       *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.DefaultModel)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		baseURL:      baseURL,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		defaultModel: model,
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
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

// HasDefaultKey reports whether a server-side key is configured.
func (c *Client) HasDefaultKey() bool { return c.apiKey != "" }

// Synthesize sends req to Fish Audio. apiKey overrides the configured key
// when non-empty; model falls back to the configured default.
func (c *Client) Synthesize(ctx context.Context, apiKey, model string, req Request) (Audio, error) {
	if strings.TrimSpace(req.Text) == "" || strings.TrimSpace(req.ReferenceID) == "" {
		return Audio{}, ErrInvalidRequest
	}
	key := strings.TrimSpace(apiKey)
	if key == "" {
		key = c.apiKey
	}
	if key == "" {
		return Audio{}, ErrMissingAPIKey
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return Audio{}, ErrRateLimited
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = c.defaultModel
	}

	body := req.upstream()
	payload, err := json.Marshal(body)
	if err != nil {
		return Audio{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/v1/tts?" + url.Values{"model": {model}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Audio{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	c.logger.Info("fish audio tts request",
		zap.Int("text_length", len(body.Text)),
		zap.String("reference_id", body.ReferenceID),
		zap.String("model", model),
	)

	res, err := c.client.Do(httpReq)
	if err != nil {
		status := http.StatusBadGateway
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			status = http.StatusGatewayTimeout
		}
		msg, _ := policy.RedactSecrets(err.Error(), key)
		c.logger.Error("fish audio unreachable", zap.Int("status", status), zap.String("error", msg))
		return Audio{}, &UpstreamError{StatusCode: status, Body: msg}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBytes))
		msg, _ := policy.RedactSecrets(strings.TrimSpace(string(raw)), key)
		c.logger.Error("fish audio api error", zap.Int("status", res.StatusCode), zap.String("body", msg))
		return Audio{}, &UpstreamError{StatusCode: res.StatusCode, Body: msg}
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxAudioBytes+1))
	if err != nil {
		return Audio{}, &UpstreamError{StatusCode: http.StatusBadGateway, Body: "read audio: " + err.Error()}
	}
	if len(data) > maxAudioBytes {
		return Audio{}, &UpstreamError{StatusCode: http.StatusBadGateway, Body: "audio response too large"}
	}

	c.logger.Info("fish audio tts complete", zap.Int("bytes", len(data)))
	return Audio{Data: data, ContentType: contentType(body.Format)}, nil
}

func contentType(format string) string {
	switch strings.ToLower(format) {
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/ogg"
	case "pcm":
		return "audio/pcm"
	default:
		return "audio/mpeg"
	}
}
