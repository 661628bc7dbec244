// Package server is a minimal arena used to drive the client locally and in
// tests. It registers participants, pushes challenges and records what the
// participants stream back.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gambiarra-club/arena-client/messages"
)

const ErrCodeInvalidPIN = "INVALID_PIN"

var ErrUnknownParticipant = errors.New("server: unknown participant")

// Options configures the arena.
type Options struct {
	Addr string
	// PIN is required from every participant. Empty accepts any PIN.
	PIN string
	// OnFrame is called for every frame a registered participant sends.
	OnFrame func(participantID string, f messages.Frame)
	// OnRegister is called after a participant is acknowledged.
	OnRegister func(r messages.Register)
}

type participant struct {
	reg  messages.Register
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *participant) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Arena is a single-session arena server.
type Arena struct {
	opts       Options
	sessionID  string
	log        zerolog.Logger
	upgrader   websocket.Upgrader
	router     chi.Router
	httpServer *http.Server

	mu           sync.RWMutex
	participants map[string]*participant
}

func NewArena(opts Options, log zerolog.Logger) *Arena {
	a := &Arena{
		opts:         opts,
		sessionID:    uuid.NewString(),
		log:          log.With().Str("component", "arena").Logger(),
		participants: make(map[string]*participant),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Get("/ws", a.handleWebSocket)
	r.Get("/health", a.handleHealth)
	a.router = r

	a.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a
}

// Handler exposes the routes, e.g. for httptest.
func (a *Arena) Handler() http.Handler { return a.router }

// SessionID identifies this arena run in challenges.
func (a *Arena) SessionID() string { return a.sessionID }

// Start begins listening for connections
func (a *Arena) Start() error {
	a.log.Info().Str("addr", a.opts.Addr).Str("session_id", a.sessionID).Msg("arena listening")
	return a.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (a *Arena) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	for id, p := range a.participants {
		_ = p.conn.Close()
		delete(a.participants, id)
	}
	a.mu.Unlock()
	return a.httpServer.Shutdown(ctx)
}

// Participants returns the ids of connected participants, sorted.
func (a *Arena) Participants() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.participants))
	for id := range a.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast sends f to every registered participant and returns how many
// received it.
func (a *Arena) Broadcast(f messages.Frame) (int, error) {
	data, err := messages.Encode(f)
	if err != nil {
		return 0, err
	}
	a.mu.RLock()
	targets := make([]*participant, 0, len(a.participants))
	for _, p := range a.participants {
		targets = append(targets, p)
	}
	a.mu.RUnlock()

	sent := 0
	for _, p := range targets {
		if err := p.write(data); err != nil {
			a.log.Warn().Err(err).Str("participant_id", p.reg.ParticipantID).Msg("broadcast failed")
			continue
		}
		sent++
	}
	return sent, nil
}

// Challenge broadcasts a challenge for round, filling in the session id.
func (a *Arena) Challenge(c messages.Challenge) (int, error) {
	c.SessionID = a.sessionID
	return a.Broadcast(c)
}

// SendRaw writes data as-is to one participant.
func (a *Arena) SendRaw(participantID string, data []byte) error {
	p, ok := a.lookup(participantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return p.write(data)
}

// Drop closes a participant's socket without a close handshake, like a
// network failure would.
func (a *Arena) Drop(participantID string) error {
	p, ok := a.lookup(participantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return p.conn.Close()
}

func (a *Arena) lookup(id string) (*participant, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.participants[id]
	return p, ok
}

func (a *Arena) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	p, err := a.register(conn)
	if err != nil {
		a.log.Warn().Err(err).Msg("registration rejected")
		return
	}
	id := p.reg.ParticipantID
	defer a.remove(id, p)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.log.Info().Err(err).Str("participant_id", id).Msg("participant left")
			return
		}
		f, err := messages.Decode(data)
		if err != nil {
			a.log.Warn().Err(err).Str("participant_id", id).Msg("bad frame from participant")
			continue
		}
		if a.opts.OnFrame != nil {
			a.opts.OnFrame(id, f)
		}
	}
}

// register expects the first frame to be a register frame with the arena PIN.
func (a *Arena) register(conn *websocket.Conn) (*participant, error) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read register: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	f, err := messages.Decode(data)
	if err != nil {
		return nil, err
	}
	reg, ok := f.(messages.Register)
	if !ok {
		return nil, fmt.Errorf("first frame is %q, want register", string(f.Kind()))
	}
	if a.opts.PIN != "" && reg.PIN != a.opts.PIN {
		if out, err := messages.Encode(messages.NewError(0, reg.ParticipantID, ErrCodeInvalidPIN, "invalid session pin")); err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, out)
		}
		return nil, fmt.Errorf("participant %s: %s", reg.ParticipantID, ErrCodeInvalidPIN)
	}

	p := &participant{reg: reg, conn: conn}
	a.mu.Lock()
	if old, exists := a.participants[reg.ParticipantID]; exists {
		_ = old.conn.Close()
	}
	a.participants[reg.ParticipantID] = p
	a.mu.Unlock()

	ack, err := messages.Encode(messages.Registered{Payload: map[string]any{
		"participant_id": reg.ParticipantID,
		"session_id":     a.sessionID,
	}})
	if err != nil {
		return nil, err
	}
	if err := p.write(ack); err != nil {
		a.remove(reg.ParticipantID, p)
		return nil, fmt.Errorf("write registered: %w", err)
	}

	a.log.Info().
		Str("participant_id", reg.ParticipantID).
		Str("nickname", reg.Nickname).
		Str("runner", reg.Runner).
		Str("model", reg.Model).
		Msg("participant registered")
	if a.opts.OnRegister != nil {
		a.opts.OnRegister(reg)
	}
	return p, nil
}

// remove forgets p unless a newer connection replaced it.
func (a *Arena) remove(id string, p *participant) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.participants[id]; ok && cur == p {
		delete(a.participants, id)
	}
}

func (a *Arena) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","session_id":%q,"participants":%d}`, a.sessionID, len(a.Participants()))
}
