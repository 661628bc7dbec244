package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/gambiarra-club/arena-client/messages"
)

// Handlers receive connection events. They are set once at construction and
// run on the receive goroutine, so they must not block for long.
type Handlers struct {
	OnChallenge  func(messages.Challenge)
	OnRegistered func(messages.Registered)
	// OnClosed fires when an established transport drops.
	OnClosed func(err error)
	// OnExhausted fires once when the reconnect budget is spent. The
	// connection is terminally closed at that point.
	OnExhausted func(err error)
}

// Connection is the participant's session with the arena.
type Connection struct {
	cfg      Config
	handlers Handlers
	dialer   Dialer
	log      zerolog.Logger
	outbox   *Outbox
	sleep    func(ctx context.Context, d time.Duration) error

	// ctx lives until Disconnect or exhaustion; it bounds dials and
	// backoff sleeps.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	connected bool
	attempts  int
	delay     time.Duration
	backoff   *backoff.ExponentialBackOff
	transport Transport
	err       error

	done     chan struct{}
	doneOnce sync.Once
}

// New builds a connection using the websocket transport.
func New(cfg Config, handlers Handlers, log zerolog.Logger) *Connection {
	cfg = cfg.withDefaults()
	return NewWithDialer(cfg, WebsocketDialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		ReadLimit:        cfg.ReadLimit,
	}, handlers, log)
}

// NewWithDialer builds a connection over a custom transport.
func NewWithDialer(cfg Config, dialer Dialer, handlers Handlers, log zerolog.Logger) *Connection {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		cfg:      cfg,
		handlers: handlers,
		dialer:   dialer,
		log:      log.With().Str("component", "session").Logger(),
		sleep:    sleepContext,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateDisconnected,
		backoff:  newBackoff(cfg.BaseDelay),
		done:     make(chan struct{}),
	}
	c.outbox = NewOutbox(cfg.QueueSize, c.writeCurrent, c.log)
	return c
}

// Connect opens the transport, registers and starts the receive loop. It
// does not retry; the backoff machine only governs drops after this call
// succeeded.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateRegistered:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	// Once connected, drops are handled by the reconnect loop.
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.resetBackoffLocked()
	c.mu.Unlock()

	// Tie the caller's deadline to the connection lifetime.
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	if err := c.open(dialCtx); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.outbox.Start()
	return nil
}

// Send encodes f and queues it behind every frame sent before it. It blocks
// only while the outbound queue is full.
func (c *Connection) Send(ctx context.Context, f messages.Frame) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	data, err := messages.Encode(f)
	if err != nil {
		return err
	}
	return c.outbox.Enqueue(ctx, data)
}

// Disconnect closes the session for good: pending frames are flushed until
// ctx ends, the transport is closed and no reconnect will follow.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.cancel()
	flushErr := c.outbox.Close(ctx)
	c.teardown()
	c.log.Info().Int64("written", c.outbox.Written()).Int64("dropped", c.outbox.Dropped()).Msg("disconnected")
	return flushErr
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the reconnect attempts consumed since the last successful
// registration.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Done is closed once the connection is terminally closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns ErrReconnectExhausted after the budget ran out, nil otherwise.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connection) resetBackoffLocked() {
	c.attempts = 0
	c.delay = 0
	c.backoff.Reset()
}

func (c *Connection) setState(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = s
	return true
}

// open dials, writes the register frame and publishes the transport. The
// register frame is written before the transport becomes visible to the
// outbox, so it is always the first frame on the wire.
func (c *Connection) open(ctx context.Context) error {
	url := c.cfg.Identity.ServerURL
	if !c.setState(StateConnecting) {
		return ErrClosed
	}

	t, err := c.dialer.Dial(ctx, url)
	if err != nil {
		c.setState(StateDisconnected)
		return &ConnectionError{Op: "dial", URL: url, Err: err}
	}

	id := c.cfg.Identity
	reg, err := messages.Encode(messages.NewRegister(id.ParticipantID, id.Nickname, id.PIN, id.Runner, id.Model))
	if err == nil {
		err = t.WriteMessage(reg)
	}
	if err != nil {
		_ = t.Close()
		c.setState(StateDisconnected)
		return &ConnectionError{Op: "register", URL: url, Err: err}
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = t.Close()
		return ErrClosed
	}
	c.transport = t
	c.state = StateRegistered
	c.mu.Unlock()

	c.log.Info().Str("url", url).Str("participant_id", id.ParticipantID).Msg("registered")
	go c.receiveLoop(t)
	return nil
}

func (c *Connection) writeCurrent(data []byte) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.WriteMessage(data)
}

func (c *Connection) receiveLoop(t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			c.handleDrop(t, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Connection) dispatch(data []byte) {
	f, err := messages.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping inbound frame")
		return
	}

	switch f := f.(type) {
	case messages.Challenge:
		c.log.Debug().Int("round", f.Round).Str("session_id", f.SessionID).Msg("challenge received")
		if c.handlers.OnChallenge != nil {
			c.handlers.OnChallenge(f)
		}
	case messages.Registered:
		c.mu.Lock()
		c.resetBackoffLocked()
		c.mu.Unlock()
		c.log.Info().Msg("registration acknowledged")
		if c.handlers.OnRegistered != nil {
			c.handlers.OnRegistered(f)
		}
	case messages.Error:
		c.log.Error().Int("round", f.Round).Str("code", f.Code).Str("message", f.Message).Msg("server error")
	case messages.Heartbeat:
		c.log.Trace().Msg("heartbeat")
	default:
		c.log.Warn().Str("kind", string(f.Kind())).Msg("ignoring client-bound frame kind from server")
	}
}

// handleDrop runs on the receive goroutine of the transport that failed, so
// at most one reconnect sequence is ever active.
func (c *Connection) handleDrop(t Transport, cause error) {
	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	closed := c.state == StateClosed
	if !closed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	_ = t.Close()

	if closed {
		return
	}
	c.log.Warn().Err(cause).Msg("connection lost")
	if c.handlers.OnClosed != nil {
		c.handlers.OnClosed(cause)
	}
	c.reconnect()
}

func (c *Connection) reconnect() {
	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.cfg.MaxAttempts {
			c.state = StateClosed
			c.err = ErrReconnectExhausted
			attempts := c.attempts
			c.mu.Unlock()

			c.log.Error().Int("attempts", attempts).Msg("max reconnection attempts reached")
			c.cancel()
			_ = c.outbox.Close(context.Background())
			c.teardown()
			if c.handlers.OnExhausted != nil {
				c.handlers.OnExhausted(ErrReconnectExhausted)
			}
			return
		}
		c.attempts++
		c.delay = c.backoff.NextBackOff()
		attempt, delay := c.attempts, c.delay
		c.mu.Unlock()

		c.log.Warn().
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxAttempts).
			Dur("delay", delay).
			Msg("reconnecting")

		if err := c.sleep(c.ctx, delay); err != nil {
			return
		}
		err := c.open(c.ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnection failed")
	}
}

// teardown closes the live transport and marks the connection done.
func (c *Connection) teardown() {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
	c.doneOnce.Do(func() { close(c.done) })
}
