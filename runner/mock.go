package runner

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
)

var mockResponses = []string{
	"Once upon a time in a distant digital kingdom, bits and bytes danced in quiet harmony...",
	"An artificial mind wakes up to a world of endless possibility and tests every neuron it owns...",
	"Deep inside the silicon a curious awareness keeps asking what it is made of...",
	"Old algorithms whisper about the future across layer after layer of weights...",
	"Between the zeros and the ones a new kind of creativity starts writing its own rules...",
}

const mockAlphabet = "abcdefghijklmnopqrstuvwxyz "

// MockConfig controls the simulated per-token latency.
type MockConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	// Source seeds the generator when a challenge carries no seed.
	Source int64
}

// DefaultMockConfig returns 20-80ms per token.
func DefaultMockConfig() MockConfig {
	return MockConfig{
		MinDelay: 20 * time.Millisecond,
		MaxDelay: 80 * time.Millisecond,
		Source:   time.Now().UnixNano(),
	}
}

// Mock simulates a model without any network access. The number of tokens
// never exceeds the requested maximum.
type Mock struct {
	cfg MockConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewMock(cfg MockConfig) *Mock {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &Mock{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Source)),
	}
}

// Test always succeeds.
func (m *Mock) Test(context.Context) error {
	return nil
}

func (m *Mock) Generate(ctx context.Context, _ string, opts Options, sink TokenSink) error {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	rng := m.rngFor(opts.Seed)

	words := strings.Fields(mockResponses[m.intn(rng, len(mockResponses))])
	for i := 0; i < min(maxTokens/3, len(words)); i++ {
		if err := m.wait(ctx, rng); err != nil {
			return err
		}
		token := words[i]
		if i < len(words)-1 {
			token += " "
		}
		sink(token)
	}

	for i := 0; i < maxTokens-len(words)*3; i++ {
		if err := m.wait(ctx, rng); err != nil {
			return err
		}
		sink(m.randomToken(rng))
	}
	return nil
}

// rngFor returns a dedicated generator for seeded rounds so that a seed
// always reproduces the same output.
func (m *Mock) rngFor(seed *int64) *rand.Rand {
	if seed != nil {
		return rand.New(rand.NewSource(*seed))
	}
	return nil
}

func (m *Mock) intn(rng *rand.Rand, n int) int {
	if rng != nil {
		return rng.Intn(n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Intn(n)
}

func (m *Mock) wait(ctx context.Context, rng *rand.Rand) error {
	delay := m.cfg.MinDelay
	if span := m.cfg.MaxDelay - m.cfg.MinDelay; span > 0 {
		delay += time.Duration(m.intn(rng, int(span)))
	}
	if delay <= 0 {
		if err := ctx.Err(); err != nil {
			return &GenerationError{Runner: KindMock, Err: err}
		}
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &GenerationError{Runner: KindMock, Err: ctx.Err()}
	case <-timer.C:
		return nil
	}
}

func (m *Mock) randomToken(rng *rand.Rand) string {
	n := 3 + m.intn(rng, 10)
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(mockAlphabet[m.intn(rng, len(mockAlphabet))])
	}
	return b.String()
}
