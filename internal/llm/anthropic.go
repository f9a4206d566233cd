package llm

import (
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

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
)

const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com"

	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultAPITimeout     = 30 * time.Second
	defaultMaxTokens      = 1024
)

// Completer turns a system instruction and a user prompt into model text.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

type AnthropicConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	// Timeout bounds each attempt.
	Timeout time.Duration
	// Retries is the number of retries after the first attempt. Zero disables retrying.
	Retries int
	Logger  zerolog.Logger
	Client  *http.Client
}

// Anthropic calls the Messages API through the official SDK.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    zerolog.Logger
}

func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultAnthropicBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid API base url %q: %w", base, err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("empty anthropic api key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}

	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithBaseURL(base + "/"),
		option.WithMaxRetries(retries),
		option.WithRequestTimeout(timeout),
	}
	if cfg.Client != nil {
		opts = append(opts, option.WithHTTPClient(cfg.Client))
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
		logger:    cfg.Logger.With().Str("component", "anthropic").Logger(),
	}, nil
}

func (a *Anthropic) Model() string {
	return a.model
}

// Complete sends one user turn and returns the concatenated text blocks of the reply.
// Rate limits, overloads and 5xx are retried by the SDK.
func (a *Anthropic) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		err = fromSDKError(err)
		a.logger.Warn().Err(err).Bool("retryable", IsRetryable(err)).Msg("anthropic request failed")
		return "", err
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", fmt.Errorf("empty model output (stop_reason=%s)", msg.StopReason)
	}
	return text.String(), nil
}

// APIError is a non-2xx reply from a model provider.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("api status=%d body=%s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api status=%d type=%s: %s", e.StatusCode, e.Type, e.Message)
}

func (e *APIError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError {
		return true
	}
	return e.Type == "overloaded_error" || e.Type == "rate_limit_error"
}

// IsRetryable classifies transport failures and retryable API statuses.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

// fromSDKError maps the SDK's error onto APIError, reading the provider's error envelope.
func fromSDKError(err error) error {
	var sdkErr *anthropic.Error
	if !errors.As(err, &sdkErr) {
		return fmt.Errorf("messages request failed: %w", err)
	}
	raw := strings.TrimSpace(sdkErr.RawJSON())
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if jsonErr := json.Unmarshal([]byte(raw), &envelope); jsonErr != nil || envelope.Error.Message == "" {
		return &APIError{StatusCode: sdkErr.StatusCode, Message: raw}
	}
	return &APIError{
		StatusCode: sdkErr.StatusCode,
		Type:       envelope.Error.Type,
		Message:    envelope.Error.Message,
	}
}
