// Package runner defines the generation backend contract and its built-in
// implementations.
package runner

import (
	"context"
	"errors"
	"fmt"
)

// Kinds accepted by configuration.
const (
	KindMock     = "mock"
	KindOllama   = "ollama"
	KindLMStudio = "lmstudio"
	KindGemini   = "gemini"
)

// Fallbacks applied by the HTTP runners when a challenge leaves a limit unset.
const (
	DefaultMaxTokens   = 400
	DefaultTemperature = 0.8
)

// ErrUnavailable marks a backend that cannot be reached or is misconfigured.
var ErrUnavailable = errors.New("runner unavailable")

// Options are passed through unchanged from the challenge.
type Options struct {
	MaxTokens   int
	Temperature float64
	Seed        *int64
}

// withDefaults fills zero limits with the package fallbacks.
func (o Options) withDefaults() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Temperature == 0 {
		o.Temperature = DefaultTemperature
	}
	return o
}

// TokenSink receives each produced token, in production order.
type TokenSink func(token string)

// Runner produces a token stream for a prompt.
type Runner interface {
	// Test fails with ErrUnavailable when the backend cannot serve requests.
	Test(ctx context.Context) error
	// Generate calls sink once per token and returns when the stream ends.
	// Failures are reported as *GenerationError.
	Generate(ctx context.Context, prompt string, opts Options, sink TokenSink) error
}

// GenerationError is a backend-side fault during a round.
type GenerationError struct {
	Runner string
	Err    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation failed: %v", e.Runner, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func generationErr(runner string, format string, args ...any) error {
	return &GenerationError{Runner: runner, Err: fmt.Errorf(format, args...)}
}

func unavailable(runner string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrUnavailable, runner, fmt.Sprintf(format, args...))
}
