package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/gambiarra-club/arena-client/testutil/testlog"
)

type memPublisher struct {
	mu     sync.Mutex
	rounds []Round
	err    error
	closed bool
}

func (m *memPublisher) PublishRound(_ context.Context, r Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds = append(m.rounds, r)
	return m.err
}

func (m *memPublisher) Close() error {
	m.closed = true
	return nil
}

func TestTrackerTotals(t *testing.T) {
	pub := &memPublisher{}
	tr := NewTracker(pub, testlog.New(t))

	tr.Record(context.Background(), Round{Round: 1, Outcome: OutcomeComplete, Tokens: 7})
	tr.Record(context.Background(), Round{Round: 2, Outcome: OutcomeError, ErrorCode: "GENERATION_FAILED", Tokens: 2})
	tr.Record(context.Background(), Round{Round: 3, Outcome: OutcomeComplete, Tokens: 0})

	want := Totals{Rounds: 3, Completed: 2, Failed: 1, Tokens: 9}
	if got := tr.Totals(); got != want {
		t.Fatalf("totals got=%+v want=%+v", got, want)
	}
	if len(pub.rounds) != 3 || pub.rounds[1].ErrorCode != "GENERATION_FAILED" {
		t.Fatalf("published got=%+v", pub.rounds)
	}
	if err := tr.Close(); err != nil || !pub.closed {
		t.Fatalf("close err=%v closed=%v", err, pub.closed)
	}
}

func TestTrackerIgnoresPublishErrors(t *testing.T) {
	pub := &memPublisher{err: errors.New("redis down")}
	tr := NewTracker(pub, testlog.New(t))
	tr.Record(context.Background(), Round{Round: 1, Outcome: OutcomeComplete, Tokens: 1})
	if got := tr.Totals().Rounds; got != 1 {
		t.Fatalf("rounds got=%d want=1", got)
	}
}

func TestTrackerWithoutPublisher(t *testing.T) {
	tr := NewTracker(nil, testlog.New(t))
	tr.Record(context.Background(), Round{Round: 1, Outcome: OutcomeError})
	tr.LogTotals()
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRoundJSON(t *testing.T) {
	lat := int64(42)
	raw, err := sonic.Marshal(Round{
		ParticipantID:       "p-1",
		Round:               3,
		Outcome:             OutcomeComplete,
		Tokens:              9,
		FirstTokenLatencyMS: &lat,
		DurationMS:          120,
		FinishedAt:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := sonic.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := got["error_code"]; ok {
		t.Fatalf("error_code must be omitted on success: %s", raw)
	}
	if got["latency_ms_first_token"] != float64(42) || got["finished_at"] != "2026-01-02T03:04:05Z" {
		t.Fatalf("round json got=%s", raw)
	}
}

func TestNewRedisPublisherUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pub, err := NewRedisPublisher(ctx, RedisOptions{Addr: "127.0.0.1:1"})
	if err == nil {
		_ = pub.Close()
		t.Fatalf("expected ping failure")
	}
	if pub != nil {
		t.Fatalf("publisher must be nil on failure")
	}
}

func TestPresenceKey(t *testing.T) {
	if got := presenceKey("p-1"); got != "participant:p-1" {
		t.Fatalf("key got=%q", got)
	}
}
