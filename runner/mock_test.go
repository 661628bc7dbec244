package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func quietMock() *Mock {
	return NewMock(MockConfig{Source: 1})
}

func collect(t *testing.T, r Runner, opts Options) []string {
	t.Helper()
	var tokens []string
	if err := r.Generate(context.Background(), "hi", opts, func(tok string) {
		tokens = append(tokens, tok)
	}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	return tokens
}

func TestMockRespectsMaxTokens(t *testing.T) {
	for _, maxTokens := range []int{1, 3, 9, 30, 60, 200} {
		tokens := collect(t, quietMock(), Options{MaxTokens: maxTokens})
		if len(tokens) > maxTokens {
			t.Fatalf("max_tokens=%d produced %d tokens", maxTokens, len(tokens))
		}
		if maxTokens >= 3 && len(tokens) == 0 {
			t.Fatalf("max_tokens=%d produced no tokens", maxTokens)
		}
	}
}

func TestMockDefaultsMaxTokens(t *testing.T) {
	tokens := collect(t, quietMock(), Options{})
	if len(tokens) == 0 || len(tokens) > DefaultMaxTokens {
		t.Fatalf("unexpected token count=%d", len(tokens))
	}
}

func TestMockSeedIsReproducible(t *testing.T) {
	seed := int64(42)
	a := collect(t, NewMock(MockConfig{Source: 1}), Options{MaxTokens: 90, Seed: &seed})
	b := collect(t, NewMock(MockConfig{Source: 2}), Options{MaxTokens: 90, Seed: &seed})
	if strings.Join(a, "|") != strings.Join(b, "|") {
		t.Fatalf("seeded output differs:\n%v\n%v", a, b)
	}
}

func TestMockStopsOnCancel(t *testing.T) {
	m := NewMock(MockConfig{MinDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Source: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := m.Generate(ctx, "hi", Options{MaxTokens: 400}, func(string) {})
	var gerr *GenerationError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}
}

func TestMockAlwaysAvailable(t *testing.T) {
	if err := quietMock().Test(context.Background()); err != nil {
		t.Fatalf("test: %v", err)
	}
}
