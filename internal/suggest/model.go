package suggest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lydakis/copilot-mcp/internal/cache"
	"github.com/lydakis/copilot-mcp/internal/registry"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrMissingCredential is returned when no API token is configured.
var ErrMissingCredential = errors.New("model API token is not set")

// Model completes a prompt into free-form text.
type Model interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	BaseURL       string
	Model         string
	Token         string
	TokenEnv      string // named in ErrMissingCredential messages
	MaxRetries    int
	RatePerSecond float64
	SystemPrompt  string
	HTTPClient    *http.Client
	Logger        *slog.Logger

	// RetryInitialInterval overrides the first backoff delay.
	RetryInitialInterval time.Duration
}

// OpenAIModel talks to a chat completion API such as GitHub Models or OpenAI.
type OpenAIModel struct {
	client       *openai.Client
	model        string
	hasToken     bool
	tokenEnv     string
	systemPrompt string
	maxRetries   int
	initial      time.Duration
	limiter      *rate.Limiter
	log          *slog.Logger
}

// NewOpenAIModel builds a model client. A missing token is reported on the
// first Complete call rather than here, so the server can start without one.
func NewOpenAIModel(cfg OpenAIConfig) *OpenAIModel {
	clientCfg := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	m := &OpenAIModel{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        cfg.Model,
		hasToken:     cfg.Token != "",
		tokenEnv:     cfg.TokenEnv,
		systemPrompt: cfg.SystemPrompt,
		maxRetries:   max(cfg.MaxRetries, 0),
		initial:      cfg.RetryInitialInterval,
		limiter:      rate.NewLimiter(limit, 1),
		log:          cfg.Logger,
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Complete sends prompt as a single user message and returns the first choice.
func (m *OpenAIModel) Complete(ctx context.Context, prompt string) (string, error) {
	if !m.hasToken {
		if m.tokenEnv != "" {
			return "", fmt.Errorf("%w: set %s", ErrMissingCredential, m.tokenEnv)
		}
		return "", ErrMissingCredential
	}

	req := openai.ChatCompletionRequest{
		Model:       m.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: m.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	b := backoff.NewExponentialBackOff()
	if m.initial > 0 {
		b.InitialInterval = m.initial
	}

	attempt := 0
	op := func() (string, error) {
		attempt++
		if err := m.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(err)
		}

		resp, err := m.client.CreateChatCompletion(ctx, req)
		if err != nil {
			if retryable(err) {
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		if len(resp.Choices) == 0 {
			return "", backoff.Permanent(errors.New("model returned no choices"))
		}
		return resp.Choices[0].Message.Content, nil
	}

	text, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.log.Warn("model call failed, retrying", "attempt", attempt, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	return text, nil
}

// retryable reports rate limits, server errors and network failures.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// SystemPrompt describes the available tools and the reply format.
func SystemPrompt(tools []registry.Tool) string {
	var b strings.Builder
	b.WriteString("You translate user requests into exactly one tool call.\n")
	b.WriteString("Reply with a single JSON object of the form ")
	b.WriteString(`{"tool": "<tool name>", "arguments": {"<param>": <value>}}`)
	b.WriteString(" and nothing else.\n\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		for _, p := range t.Params {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "    %s (%s, %s)", p.Name, p.Kind, req)
			if p.Description != "" {
				fmt.Fprintf(&b, ": %s", p.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// CachedModel serves repeated prompts from a TTL cache and collapses
// concurrent identical prompts into one upstream call.
type CachedModel struct {
	next  Model
	cache *cache.Cache[string]
	scope string
}

// NewCachedModel wraps next. scope separates cache keys of different
// upstream configurations (model name, system prompt). timeout bounds each
// shared upstream call independently of the callers waiting on it.
func NewCachedModel(next Model, ttl, timeout time.Duration, scope string) *CachedModel {
	return &CachedModel{
		next:  next,
		cache: cache.New[string](ttl, cache.DefaultCapacity).WithLoadTimeout(timeout),
		scope: scope,
	}
}

// Complete implements Model.
func (m *CachedModel) Complete(ctx context.Context, prompt string) (string, error) {
	text, _, err := m.cache.Do(ctx, cache.Key(m.scope, prompt), m.loader(prompt))
	return text, err
}

func (m *CachedModel) loader(prompt string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return m.next.Complete(ctx, prompt)
	}
}
