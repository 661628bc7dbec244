// Package orchestrator turns arena challenges into ordered token streams.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gambiarra-club/arena-client/messages"
	"github.com/gambiarra-club/arena-client/runner"
	"github.com/gambiarra-club/arena-client/telemetry"
)

// ErrRoundActive is returned when a challenge arrives while another round
// is still generating.
var ErrRoundActive = errors.New("orchestrator: round already in progress")

// Sender queues a frame for delivery. Frames must go out in call order.
type Sender interface {
	Send(ctx context.Context, f messages.Frame) error
}

// Config is fixed for the lifetime of the client.
type Config struct {
	ParticipantID string
	Model         messages.ModelInfo
	// Defaults fill challenge limits that are zero.
	Defaults runner.Options
	// EnforceDeadline cancels generation once the challenge deadline passes.
	EnforceDeadline bool
}

// Orchestrator runs at most one round at a time.
type Orchestrator struct {
	cfg     Config
	runner  runner.Runner
	sender  Sender
	tracker *telemetry.Tracker
	log     zerolog.Logger
	now     func() time.Time

	busy atomic.Bool
	wg   sync.WaitGroup
}

// New creates an orchestrator. tracker may be nil.
func New(cfg Config, r runner.Runner, s Sender, tracker *telemetry.Tracker, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		runner:  r,
		sender:  s,
		tracker: tracker,
		log:     log.With().Str("component", "orchestrator").Logger(),
		now:     time.Now,
	}
}

// Handle starts c on its own goroutine and returns immediately. It reports
// false when a round is already running; the challenge is then dropped.
func (o *Orchestrator) Handle(ctx context.Context, c messages.Challenge) bool {
	if !o.acquire(c) {
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		report := o.play(ctx, c)
		o.busy.Store(false)
		o.record(ctx, report)
	}()
	return true
}

// Run plays c on the calling goroutine.
func (o *Orchestrator) Run(ctx context.Context, c messages.Challenge) error {
	if !o.acquire(c) {
		return ErrRoundActive
	}
	report := o.play(ctx, c)
	o.busy.Store(false)
	o.record(ctx, report)
	return nil
}

// Busy reports whether a round is in progress.
func (o *Orchestrator) Busy() bool { return o.busy.Load() }

// Wait blocks until rounds started by Handle have sent their terminal frame
// and been recorded.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) acquire(c messages.Challenge) bool {
	if o.busy.CompareAndSwap(false, true) {
		return true
	}
	o.log.Warn().
		Int("round", c.Round).
		Str("session_id", c.SessionID).
		Msg("challenge received while a round is active, ignoring")
	return false
}

func (o *Orchestrator) options(c messages.Challenge) runner.Options {
	opts := runner.Options{
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		Seed:        c.Seed,
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = o.cfg.Defaults.MaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = o.cfg.Defaults.Temperature
	}
	return opts
}

// play sends the token frames of one round followed by exactly one
// terminal frame. The next round may start as soon as it returns, so
// publishing the report is left to the caller.
func (o *Orchestrator) play(ctx context.Context, c messages.Challenge) telemetry.Round {
	log := o.log.With().Int("round", c.Round).Logger()
	log.Info().
		Int("max_tokens", c.MaxTokens).
		Int64("deadline_ms", c.DeadlineMS).
		Str("prompt", c.Prompt).
		Msg("challenge started")

	genCtx := ctx
	if o.cfg.EnforceDeadline && c.DeadlineMS > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, time.Duration(c.DeadlineMS)*time.Millisecond)
		defer cancel()
	}

	var (
		mu         sync.Mutex
		seq        int
		firstToken time.Time
		sendErr    error
	)
	start := o.now()
	sink := func(token string) {
		mu.Lock()
		defer mu.Unlock()
		if firstToken.IsZero() {
			firstToken = o.now()
		}
		if err := o.sender.Send(ctx, messages.NewToken(c.Round, o.cfg.ParticipantID, seq, token)); err != nil {
			if sendErr == nil {
				sendErr = err
				log.Warn().Err(err).Int("seq", seq).Msg("token frame not queued")
			}
			return
		}
		seq++
	}

	genErr := o.runner.Generate(genCtx, c.Prompt, o.options(c), sink)
	end := o.now()

	mu.Lock()
	tokens := seq
	first := firstToken
	mu.Unlock()

	report := telemetry.Round{
		ParticipantID: o.cfg.ParticipantID,
		SessionID:     c.SessionID,
		Round:         c.Round,
		Runner:        o.cfg.Model.Runner,
		Model:         o.cfg.Model.Name,
		Tokens:        tokens,
		DurationMS:    end.Sub(start).Milliseconds(),
		FinishedAt:    end.UTC(),
	}

	// The terminal frame is queued even while shutting down so that the
	// outbox flush can deliver it.
	termCtx := context.WithoutCancel(ctx)
	var terminal messages.Frame
	if genErr != nil {
		code := messages.ErrCodeGenerationFailed
		if o.cfg.EnforceDeadline && ctx.Err() == nil && errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			code = messages.ErrCodeDeadlineExceeded
		}
		log.Error().Err(genErr).Str("code", code).Int("tokens", tokens).Msg("generation failed")
		terminal = messages.NewError(c.Round, o.cfg.ParticipantID, code, genErr.Error())
		report.Outcome = telemetry.OutcomeError
		report.ErrorCode = code
	} else {
		var latency *int64
		if tokens > 0 {
			ms := first.Sub(start).Milliseconds()
			latency = &ms
			report.FirstTokenLatencyMS = latency
		}
		log.Info().
			Int("tokens", tokens).
			Int64("duration_ms", report.DurationMS).
			Msg("round complete")
		terminal = messages.NewComplete(c.Round, o.cfg.ParticipantID, tokens, latency, report.DurationMS, o.cfg.Model)
		report.Outcome = telemetry.OutcomeComplete
	}

	if err := o.sender.Send(termCtx, terminal); err != nil {
		log.Error().Err(err).Str("kind", string(terminal.Kind())).Msg("terminal frame not queued")
	}
	return report
}

func (o *Orchestrator) record(ctx context.Context, report telemetry.Round) {
	if o.tracker != nil {
		o.tracker.Record(context.WithoutCancel(ctx), report)
	}
}
