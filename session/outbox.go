package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Outbox is a bounded FIFO of encoded frames drained by a single writer.
// Enqueue blocks while the queue is full, so producers slow down instead of
// frames being dropped. Frames are written strictly in enqueue order.
type Outbox struct {
	queue chan []byte
	write func([]byte) error
	log   zerolog.Logger

	quit     chan struct{}
	finished chan struct{}

	// mu orders Enqueue registration against Close; inflight lets the
	// writer wait for senders that got in before the close.
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	startOnce sync.Once
	started   atomic.Bool
	written   atomic.Int64
	dropped   atomic.Int64
}

func NewOutbox(size int, write func([]byte) error, log zerolog.Logger) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{
		queue:    make(chan []byte, size),
		write:    write,
		log:      log,
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start launches the writer goroutine. Later calls are no-ops.
func (o *Outbox) Start() {
	o.startOnce.Do(func() {
		o.started.Store(true)
		go o.run()
	})
}

// Enqueue appends data, waiting for room when the queue is full.
func (o *Outbox) Enqueue(ctx context.Context, data []byte) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOutboxClosed
	}
	o.inflight.Add(1)
	o.mu.Unlock()
	defer o.inflight.Done()

	select {
	case o.queue <- data:
		return nil
	case <-o.quit:
		return ErrOutboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting frames, lets the writer flush what is queued and
// waits for it until ctx ends.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.quit)
	}
	o.mu.Unlock()
	if !o.started.Load() {
		return nil
	}
	select {
	case <-o.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued frames.
func (o *Outbox) Pending() int { return len(o.queue) }

// Written returns the number of frames handed to the transport.
func (o *Outbox) Written() int64 { return o.written.Load() }

// Dropped returns the number of frames lost to write failures.
func (o *Outbox) Dropped() int64 { return o.dropped.Load() }

func (o *Outbox) run() {
	defer close(o.finished)
	for {
		select {
		case data := <-o.queue:
			o.deliver(data)
		case <-o.quit:
			// Blocked senders return once quit is closed; any frame
			// they queued first is still drained.
			o.inflight.Wait()
			o.drain()
			return
		}
	}
}

func (o *Outbox) drain() {
	for {
		select {
		case data := <-o.queue:
			o.deliver(data)
		default:
			return
		}
	}
}

func (o *Outbox) deliver(data []byte) {
	if err := o.write(data); err != nil {
		o.dropped.Add(1)
		o.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping outbound frame")
		return
	}
	o.written.Add(1)
}
