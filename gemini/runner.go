// Package gemini adapts the Gemini API to the runner contract.
package gemini

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/gambiarra-club/arena-client/runner"
)

const DefaultModel = "gemini-2.5-flash"

// Runner streams text from Gemini's GenerateContentStream.
type Runner struct {
	apiKey string
	model  string
	// httpOptions overrides the API endpoint, e.g. in tests.
	httpOptions genai.HTTPOptions

	mu     sync.Mutex
	client *genai.Client
}

// NewRunner validates the configuration; the client is created lazily so
// that Test reports connectivity problems as unavailability.
func NewRunner(apiKey, model string) (*Runner, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: gemini: GEMINI_API_KEY is required", runner.ErrUnavailable)
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &Runner{apiKey: apiKey, model: model}, nil
}

func (r *Runner) getClient(ctx context.Context) (*genai.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      r.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: r.httpOptions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	r.client = client
	return client, nil
}

// Test checks that the configured model is visible to the API key.
func (r *Runner) Test(ctx context.Context) error {
	client, err := r.getClient(ctx)
	if err != nil {
		return fmt.Errorf("%w: gemini: %v", runner.ErrUnavailable, err)
	}
	if _, err := client.Models.Get(ctx, r.model, nil); err != nil {
		return fmt.Errorf("%w: gemini: model %q: %v", runner.ErrUnavailable, r.model, err)
	}
	return nil
}

func (r *Runner) Generate(ctx context.Context, prompt string, opts runner.Options, sink runner.TokenSink) error {
	client, err := r.getClient(ctx)
	if err != nil {
		return &runner.GenerationError{Runner: runner.KindGemini, Err: err}
	}

	cfg, err := generateConfig(opts)
	if err != nil {
		return &runner.GenerationError{Runner: runner.KindGemini, Err: err}
	}

	for resp, err := range client.Models.GenerateContentStream(ctx, r.model, genai.Text(prompt), cfg) {
		if err != nil {
			return &runner.GenerationError{Runner: runner.KindGemini, Err: err}
		}
		if text := resp.Text(); text != "" {
			sink(text)
		}
	}
	return nil
}

// generateConfig maps options onto the API's int32 fields. Token limits
// beyond int32 are clamped; a seed that does not fit is rejected.
func generateConfig(opts runner.Options) (*genai.GenerateContentConfig, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = runner.DefaultMaxTokens
	}
	if maxTokens > math.MaxInt32 {
		maxTokens = math.MaxInt32
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = runner.DefaultTemperature
	}
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
		Temperature:     genai.Ptr(float32(temperature)),
	}
	if opts.Seed != nil {
		seed := *opts.Seed
		if seed < math.MinInt32 || seed > math.MaxInt32 {
			return nil, fmt.Errorf("seed %d does not fit in int32", seed)
		}
		cfg.Seed = genai.Ptr(int32(seed))
	}
	return cfg, nil
}
