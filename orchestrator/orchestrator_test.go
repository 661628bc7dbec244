package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/gambiarra-club/arena-client/messages"
	"github.com/gambiarra-club/arena-client/runner"
	"github.com/gambiarra-club/arena-client/telemetry"
	"github.com/gambiarra-club/arena-client/testutil/testlog"
)

type recordSender struct {
	mu     sync.Mutex
	frames []messages.Frame
	err    error
}

func (s *recordSender) Send(_ context.Context, f messages.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordSender) Frames() []messages.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messages.Frame(nil), s.frames...)
}

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptRunner emits tokens after optional per-token waits, then returns err.
type scriptRunner struct {
	tokens []string
	before func(i int)
	err    error
}

func (r *scriptRunner) Test(context.Context) error { return nil }

func (r *scriptRunner) Generate(ctx context.Context, _ string, _ runner.Options, sink runner.TokenSink) error {
	for i, tok := range r.tokens {
		if r.before != nil {
			r.before(i)
		}
		sink(tok)
	}
	return r.err
}

// blockingRunner waits for release or ctx.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *blockingRunner) Test(context.Context) error { return nil }

func (r *blockingRunner) Generate(ctx context.Context, _ string, _ runner.Options, sink runner.TokenSink) error {
	close(r.started)
	select {
	case <-r.release:
		sink("done")
		return nil
	case <-ctx.Done():
		return &runner.GenerationError{Runner: "blocking", Err: ctx.Err()}
	}
}

func testConfig() Config {
	return Config{
		ParticipantID: "p-1",
		Model:         messages.ModelInfo{Name: "mock-1", Runner: "mock"},
		Defaults:      runner.Options{MaxTokens: 400, Temperature: 0.8},
	}
}

func challenge(round, maxTokens int) messages.Challenge {
	return messages.Challenge{
		Type:        messages.KindChallenge,
		SessionID:   "s-1",
		Round:       round,
		Prompt:      "tell me a story",
		MaxTokens:   maxTokens,
		Temperature: 0.5,
		DeadlineMS:  60000,
	}
}

// splitFrames checks the stream shape: tokens first, then one terminal frame.
func splitFrames(t *testing.T, frames []messages.Frame) ([]messages.Token, messages.Frame) {
	t.Helper()
	if len(frames) == 0 {
		t.Fatalf("no frames sent")
	}
	var tokens []messages.Token
	for i, f := range frames[:len(frames)-1] {
		tok, ok := f.(messages.Token)
		if !ok {
			t.Fatalf("frame %d got=%T want token", i, f)
		}
		tokens = append(tokens, tok)
	}
	last := frames[len(frames)-1]
	switch last.(type) {
	case messages.Complete, messages.Error:
	default:
		t.Fatalf("last frame got=%T want terminal", last)
	}
	return tokens, last
}

func TestSequenceIsGapFreeUnderJitter(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	words := make([]string, 60)
	waits := make([]time.Duration, 60)
	for i := range words {
		words[i] = "w"
		waits[i] = time.Duration(rng.Intn(500)) * time.Microsecond
	}
	s := &recordSender{}
	o := New(testConfig(), &scriptRunner{
		tokens: words,
		before: func(i int) { time.Sleep(waits[i]) },
	}, s, nil, testlog.New(t))

	if err := o.Run(context.Background(), challenge(1, 60)); err != nil {
		t.Fatalf("run: %v", err)
	}
	tokens, last := splitFrames(t, s.Frames())
	for i, tok := range tokens {
		if tok.Seq != i || tok.Round != 1 || tok.ParticipantID != "p-1" {
			t.Fatalf("token %d got=%+v", i, tok)
		}
	}
	done, ok := last.(messages.Complete)
	if !ok || done.Tokens != 60 {
		t.Fatalf("terminal got=%+v", last)
	}
}

func TestFirstTokenLatency(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cases := []struct {
		name    string
		tokens  []string
		latency *int64
	}{
		{name: "tokens", tokens: []string{"a", "b", "c"}, latency: ptr(int64(150))},
		{name: "no tokens", tokens: nil, latency: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &recordSender{}
			r := &scriptRunner{
				tokens: tc.tokens,
				before: func(i int) {
					if i == 0 {
						clock.Advance(150 * time.Millisecond)
					} else {
						clock.Advance(10 * time.Millisecond)
					}
				},
			}
			o := New(testConfig(), r, s, nil, testlog.New(t))
			o.now = clock.Now

			if err := o.Run(context.Background(), challenge(2, 10)); err != nil {
				t.Fatalf("run: %v", err)
			}
			_, last := splitFrames(t, s.Frames())
			done, ok := last.(messages.Complete)
			if !ok {
				t.Fatalf("terminal got=%T want complete", last)
			}
			if done.Tokens != len(tc.tokens) {
				t.Fatalf("tokens got=%d want=%d", done.Tokens, len(tc.tokens))
			}
			switch {
			case tc.latency == nil && done.FirstTokenLatencyMS != nil:
				t.Fatalf("latency got=%d want absent", *done.FirstTokenLatencyMS)
			case tc.latency != nil && (done.FirstTokenLatencyMS == nil || *done.FirstTokenLatencyMS != *tc.latency):
				t.Fatalf("latency got=%v want=%d", done.FirstTokenLatencyMS, *tc.latency)
			}
			wantDuration := int64(0)
			if len(tc.tokens) > 0 {
				wantDuration = 150 + int64(len(tc.tokens)-1)*10
			}
			if done.DurationMS != wantDuration {
				t.Fatalf("duration got=%d want=%d", done.DurationMS, wantDuration)
			}
			if done.ModelInfo != (messages.ModelInfo{Name: "mock-1", Runner: "mock"}) {
				t.Fatalf("model info got=%+v", done.ModelInfo)
			}
		})
	}
}

func TestFailureSendsSingleErrorFrame(t *testing.T) {
	s := &recordSender{}
	tracker := telemetry.NewTracker(nil, testlog.New(t))
	o := New(testConfig(), &scriptRunner{
		tokens: []string{"a", "b"},
		err:    &runner.GenerationError{Runner: "ollama", Err: errors.New("model not found")},
	}, s, tracker, testlog.New(t))

	if err := o.Run(context.Background(), challenge(5, 10)); err != nil {
		t.Fatalf("run: %v", err)
	}
	tokens, last := splitFrames(t, s.Frames())
	if len(tokens) != 2 {
		t.Fatalf("tokens got=%d want=2", len(tokens))
	}
	ef, ok := last.(messages.Error)
	if !ok {
		t.Fatalf("terminal got=%T want error", last)
	}
	if ef.Code != messages.ErrCodeGenerationFailed || ef.Round != 5 || ef.ParticipantID != "p-1" {
		t.Fatalf("error frame got=%+v", ef)
	}
	if ef.Message != "ollama generation failed: model not found" {
		t.Fatalf("message got=%q", ef.Message)
	}
	if got := tracker.Totals(); got != (telemetry.Totals{Rounds: 1, Failed: 1, Tokens: 2}) {
		t.Fatalf("totals got=%+v", got)
	}
}

func TestMockRoundThree(t *testing.T) {
	s := &recordSender{}
	mock := runner.NewMock(runner.MockConfig{MinDelay: 0, MaxDelay: time.Millisecond, Source: 3})
	tracker := telemetry.NewTracker(nil, testlog.New(t))
	o := New(testConfig(), mock, s, tracker, testlog.New(t))

	if err := o.Run(context.Background(), challenge(3, 9)); err != nil {
		t.Fatalf("run: %v", err)
	}
	tokens, last := splitFrames(t, s.Frames())
	done, ok := last.(messages.Complete)
	if !ok {
		t.Fatalf("terminal got=%T want complete", last)
	}
	if done.Round != 3 || done.Tokens > 9 || done.Tokens != len(tokens) {
		t.Fatalf("complete got=%+v with %d token frames", done, len(tokens))
	}
	if done.Tokens > 0 && done.FirstTokenLatencyMS == nil {
		t.Fatalf("latency missing with %d tokens", done.Tokens)
	}
	if got := tracker.Totals(); got.Completed != 1 || got.Tokens != done.Tokens {
		t.Fatalf("totals got=%+v", got)
	}
}

func TestOverlappingChallengeDropped(t *testing.T) {
	s := &recordSender{}
	r := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	o := New(testConfig(), r, s, nil, testlog.New(t))

	if !o.Handle(context.Background(), challenge(1, 10)) {
		t.Fatalf("first challenge rejected")
	}
	<-r.started
	if o.Handle(context.Background(), challenge(2, 10)) {
		t.Fatalf("overlapping challenge accepted")
	}
	if err := o.Run(context.Background(), challenge(2, 10)); !errors.Is(err, ErrRoundActive) {
		t.Fatalf("run while busy got=%v want=%v", err, ErrRoundActive)
	}
	close(r.release)
	o.Wait()

	frames := s.Frames()
	if len(frames) != 2 {
		t.Fatalf("frames got=%d want=2", len(frames))
	}
	if done, ok := frames[1].(messages.Complete); !ok || done.Round != 1 {
		t.Fatalf("terminal got=%+v", frames[1])
	}
	if o.Busy() {
		t.Fatalf("still busy after round")
	}
}

func TestDeadlineEnforcement(t *testing.T) {
	cases := []struct {
		name    string
		enforce bool
		code    string
	}{
		{name: "enforced", enforce: true, code: messages.ErrCodeDeadlineExceeded},
		{name: "advisory", enforce: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.EnforceDeadline = tc.enforce
			r := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
			s := &recordSender{}
			o := New(cfg, r, s, nil, testlog.New(t))

			c := challenge(4, 10)
			c.DeadlineMS = 20
			if !tc.enforce {
				go func() {
					<-r.started
					time.Sleep(60 * time.Millisecond)
					close(r.release)
				}()
			}
			if err := o.Run(context.Background(), c); err != nil {
				t.Fatalf("run: %v", err)
			}
			_, last := splitFrames(t, s.Frames())
			if tc.code == "" {
				if _, ok := last.(messages.Complete); !ok {
					t.Fatalf("terminal got=%T want complete", last)
				}
				return
			}
			ef, ok := last.(messages.Error)
			if !ok || ef.Code != tc.code {
				t.Fatalf("terminal got=%+v want code %s", last, tc.code)
			}
		})
	}
}

func TestSendFailuresAreNotFatal(t *testing.T) {
	s := &recordSender{err: errors.New("outbox closed")}
	o := New(testConfig(), &scriptRunner{tokens: []string{"a", "b"}}, s, nil, testlog.New(t))
	if err := o.Run(context.Background(), challenge(6, 10)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(s.Frames()); got != 0 {
		t.Fatalf("frames got=%d want=0", got)
	}
}

func TestOptionsDefaults(t *testing.T) {
	seed := int64(11)
	o := New(testConfig(), nil, nil, nil, testlog.New(t))
	c := challenge(1, 0)
	c.Temperature = 0
	c.Seed = &seed
	got := o.options(c)
	if got.MaxTokens != 400 || got.Temperature != 0.8 || got.Seed != &seed {
		t.Fatalf("options got=%+v", got)
	}
	got = o.options(challenge(1, 9))
	if got.MaxTokens != 9 || got.Temperature != 0.5 || got.Seed != nil {
		t.Fatalf("options got=%+v", got)
	}
}

func ptr[T any](v T) *T { return &v }
