// Package telemetry keeps per-round results and fans them out to an
// optional publisher.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	OutcomeComplete = "complete"
	OutcomeError    = "error"
)

// Round is the result of one challenge as seen by this participant.
type Round struct {
	ParticipantID       string    `json:"participant_id"`
	SessionID           string    `json:"session_id"`
	Round               int       `json:"round"`
	Runner              string    `json:"runner"`
	Model               string    `json:"model"`
	Outcome             string    `json:"outcome"`
	ErrorCode           string    `json:"error_code,omitempty"`
	Tokens              int       `json:"tokens"`
	FirstTokenLatencyMS *int64    `json:"latency_ms_first_token,omitempty"`
	DurationMS          int64     `json:"duration_ms"`
	FinishedAt          time.Time `json:"finished_at"`
}

// Publisher ships round results somewhere outside the process.
type Publisher interface {
	PublishRound(ctx context.Context, r Round) error
	Close() error
}

// Totals summarizes every round recorded so far.
type Totals struct {
	Rounds    int
	Completed int
	Failed    int
	Tokens    int
}

// Tracker accumulates totals and forwards rounds to its publisher.
// Publishing failures are logged, never returned to the caller.
type Tracker struct {
	pub     Publisher
	log     zerolog.Logger
	timeout time.Duration

	mu     sync.Mutex
	totals Totals
}

// NewTracker creates a tracker. pub may be nil.
func NewTracker(pub Publisher, log zerolog.Logger) *Tracker {
	return &Tracker{
		pub:     pub,
		log:     log.With().Str("component", "telemetry").Logger(),
		timeout: 2 * time.Second,
	}
}

// Record adds r to the totals and publishes it.
func (t *Tracker) Record(ctx context.Context, r Round) {
	t.mu.Lock()
	t.totals.Rounds++
	t.totals.Tokens += r.Tokens
	if r.Outcome == OutcomeComplete {
		t.totals.Completed++
	} else {
		t.totals.Failed++
	}
	t.mu.Unlock()

	if t.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.pub.PublishRound(ctx, r); err != nil {
		t.log.Warn().Err(err).Int("round", r.Round).Msg("publish round failed")
	}
}

// Totals returns a snapshot.
func (t *Tracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}

// LogTotals writes the totals at info level.
func (t *Tracker) LogTotals() {
	tot := t.Totals()
	t.log.Info().
		Int("rounds", tot.Rounds).
		Int("completed", tot.Completed).
		Int("failed", tot.Failed).
		Int("tokens", tot.Tokens).
		Msg("session totals")
}

// Close releases the publisher.
func (t *Tracker) Close() error {
	if t.pub == nil {
		return nil
	}
	return t.pub.Close()
}
