package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/lydakis/copilot-mcp/internal/registry"
	"github.com/lydakis/copilot-mcp/internal/suggest"
)

// DefaultSuggestTimeout bounds a model call when none is configured.
const DefaultSuggestTimeout = 30 * time.Second

type suggestParams struct {
	Prompt string `json:"prompt"`
}

type suggester struct {
	reg     *registry.Registry
	model   suggest.Model
	timeout time.Duration
	log     *slog.Logger
}

// Suggest returns the copilot_suggest tool. It asks model for a tool call,
// then runs that call as a nested call. A nil model always reports a
// missing credential.
func Suggest(reg *registry.Registry, model suggest.Model, timeout time.Duration, logger *slog.Logger) registry.Tool {
	if timeout <= 0 {
		timeout = DefaultSuggestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &suggester{reg: reg, model: model, timeout: timeout, log: logger}

	return registry.Tool{
		Name:        CopilotSuggest,
		Description: "Ask the model to pick a tool for a free-text request and run it.",
		Params: []registry.Param{
			{Name: "prompt", Kind: registry.KindString, Required: true, Description: "What you want done"},
		},
		Handler: registry.Bind(s.handle),
	}
}

func (s *suggester) handle(ctx context.Context, p suggestParams, c registry.Caller) (any, error) {
	if s.model == nil {
		return nil, dispatch.Errorf(dispatch.KindMissingCredential, "no suggestion model is configured")
	}

	text, err := s.complete(ctx, p.Prompt)
	if err != nil {
		return nil, err
	}

	sug, err := suggest.Parse(text, s.reg.Has)
	if err != nil {
		var pf *suggest.ParseFailure
		if errors.As(err, &pf) {
			s.log.Debug("unparseable suggestion", "reason", pf.Reason, "output", text)
			return nil, &dispatch.Error{
				Kind:    dispatch.KindSuggestionUnparseable,
				Reason:  pf.Reason,
				Message: pf.Error(),
			}
		}
		return nil, err
	}

	s.log.Debug("suggested call", "tool", sug.Tool)
	result, err := c.Call(ctx, sug.Tool, sug.Arguments)
	if err != nil {
		return nil, err
	}
	return map[string]any{"suggestion": sug, "result": result}, nil
}

func (s *suggester) complete(ctx context.Context, prompt string) (string, error) {
	mctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := s.model.Complete(mctx, prompt)
	if err == nil {
		return text, nil
	}

	switch {
	case errors.Is(err, suggest.ErrMissingCredential):
		return "", dispatch.Errorf(dispatch.KindMissingCredential, "%v", err)
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(mctx.Err(), context.DeadlineExceeded):
		return "", dispatch.Errorf(dispatch.KindUpstreamTimeout, "model did not answer within %s", s.timeout)
	default:
		return "", dispatch.Errorf(dispatch.KindUpstreamFailed, "model call failed: %v", err)
	}
}

// Register adds every tool to reg, with copilot_suggest backed by model.
func Register(reg *registry.Registry, model suggest.Model, suggestTimeout time.Duration, logger *slog.Logger) error {
	for _, t := range Builtins() {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("registering %s: %w", t.Name, err)
		}
	}
	if err := reg.Register(Suggest(reg, model, suggestTimeout, logger)); err != nil {
		return fmt.Errorf("registering %s: %w", CopilotSuggest, err)
	}
	return nil
}
