package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lydakis/copilot-mcp/internal/registry"
)

// Kind classifies a failure. Kinds travel over the wire as plain strings.
type Kind string

const (
	KindAlreadyRunning        Kind = "AlreadyRunning"
	KindNotRunning            Kind = "NotRunning"
	KindUnknownTool           Kind = "UnknownTool"
	KindInvalidArguments      Kind = "InvalidArguments"
	KindChainTooDeep          Kind = "ChainTooDeep"
	KindNestedCallFailed      Kind = "NestedCallFailed"
	KindSuggestionUnparseable Kind = "SuggestionUnparseable"
	KindUpstreamTimeout       Kind = "UpstreamTimeout"
	KindUpstreamFailed        Kind = "UpstreamFailed"
	KindMissingCredential     Kind = "MissingCredential"
	KindConnectionFailed      Kind = "ConnectionFailed"
	KindStaleLock             Kind = "StaleLock"
	KindHandlerError          Kind = "HandlerError"
	KindCancelled             Kind = "Cancelled"
)

// Sub-reasons for SuggestionUnparseable.
const (
	ReasonNoStructureFound = "NoStructureFound"
	ReasonUnknownTool      = "UnknownTool"
)

// Error is the structured failure returned by tool execution. Nested failures
// keep the inner error as Cause.
type Error struct {
	Kind    Kind   `json:"kind" yaml:"kind"`
	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Message string `json:"message" yaml:"message"`
	Tool    string `json:"tool,omitempty" yaml:"tool,omitempty"`
	Cause   *Error `json:"cause,omitempty" yaml:"cause,omitempty"`
}

// Errorf builds an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString("(" + e.Reason + ")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

// Unwrap exposes the nested cause.
func (e *Error) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error by kind, and by reason when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Root returns the innermost cause.
func (e *Error) Root() *Error {
	cur := e
	for cur.Cause != nil {
		cur = cur.Cause
	}
	return cur
}

// AsError converts any error into an *Error, preserving typed errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var de *Error
	if errors.As(err, &de) {
		return de
	}

	var ve *registry.ValidationError
	if errors.As(err, &ve) {
		return &Error{Kind: KindInvalidArguments, Message: err.Error(), Tool: ve.Tool}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCancelled, Message: err.Error()}
	}

	return &Error{Kind: KindHandlerError, Message: err.Error()}
}
