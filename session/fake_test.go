package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gambiarra-club/arena-client/config"
	"github.com/gambiarra-club/arena-client/messages"
)

var errFakeClosed = errors.New("fake transport closed")

type fakeTransport struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errFakeClosed
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func (f *fakeTransport) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case f.inbound <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatalf("inbound buffer full")
	}
}

// fakeDialer hands out transports on Opened. Dials fail while failing is set.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	failing bool
	opened  chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{opened: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	failing := d.failing
	d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failing {
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport()
	d.opened <- t
	return t, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	d.failing = v
	d.mu.Unlock()
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.opened:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatalf("no transport opened")
		return nil
	}
}

// recordSleep replaces the backoff sleep so schedules can be asserted
// without waiting.
type recordSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordSleep) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func testIdentity() config.SessionConfig {
	return config.SessionConfig{
		ServerURL:     "ws://arena.test/ws",
		ParticipantID: "p-1",
		Nickname:      "gambi",
		PIN:           "1234",
		Runner:        "mock",
		Model:         "mock-1",
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func decodeWritten(t *testing.T, raw []byte) messages.Frame {
	t.Helper()
	f, err := messages.Decode(raw)
	if err != nil {
		t.Fatalf("decode written frame %s: %v", raw, err)
	}
	return f
}
