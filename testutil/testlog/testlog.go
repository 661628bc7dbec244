// Package testlog routes component logs into the test output.
package testlog

import (
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// New returns a debug-level logger that writes through t.Log. Lines emitted
// by goroutines that outlive the test are dropped.
func New(t *testing.T) zerolog.Logger {
	t.Helper()
	w := &writer{t: t}
	t.Cleanup(w.stop)
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).
		Level(zerolog.DebugLevel).
		With().Str("test", t.Name()).Logger()
}

type writer struct {
	mu      sync.Mutex
	t       *testing.T
	stopped bool
}

func (w *writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.t.Helper()
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

func (w *writer) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}
