// Package messages defines the arena wire protocol: one JSON object per
// websocket message, discriminated by its "type" field.
package messages

// Kind is the value of a frame's "type" field.
type Kind string

const (
	KindRegister   Kind = "register"
	KindChallenge  Kind = "challenge"
	KindHeartbeat  Kind = "heartbeat"
	KindRegistered Kind = "registered"
	KindToken      Kind = "token"
	KindComplete   Kind = "complete"
	KindError      Kind = "error"
)

// Error codes carried by error frames.
const (
	ErrCodeGenerationFailed = "GENERATION_FAILED"
	ErrCodeDeadlineExceeded = "DEADLINE_EXCEEDED"
)

// Frame is one protocol message.
type Frame interface {
	Kind() Kind
}

// Register is the client's session-start frame.
type Register struct {
	Type          Kind   `json:"type"`
	ParticipantID string `json:"participant_id"`
	Nickname      string `json:"nickname"`
	PIN           string `json:"pin"`
	Runner        string `json:"runner"`
	Model         string `json:"model"`
}

// Challenge asks the participant to generate text for one round.
type Challenge struct {
	Type        Kind    `json:"type"`
	SessionID   string  `json:"session_id"`
	Round       int     `json:"round"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	DeadlineMS  int64   `json:"deadline_ms"`
	Seed        *int64  `json:"seed,omitempty"`
}

// Registered acknowledges a registration. The payload is server defined.
type Registered struct {
	Payload map[string]any
}

// Heartbeat is a server keepalive; no reply is required.
type Heartbeat struct{}

// Token carries one generated token.
type Token struct {
	Type          Kind   `json:"type"`
	Round         int    `json:"round"`
	ParticipantID string `json:"participant_id"`
	Seq           int    `json:"seq"`
	Content       string `json:"content"`
}

// ModelInfo identifies the model that produced a round.
type ModelInfo struct {
	Name   string `json:"name"`
	Runner string `json:"runner"`
}

// Complete closes a successful round with its timing telemetry.
// FirstTokenLatencyMS is nil when no token was produced.
type Complete struct {
	Type                Kind      `json:"type"`
	Round               int       `json:"round"`
	ParticipantID       string    `json:"participant_id"`
	Tokens              int       `json:"tokens"`
	FirstTokenLatencyMS *int64    `json:"latency_ms_first_token,omitempty"`
	DurationMS          int64     `json:"duration_ms"`
	ModelInfo           ModelInfo `json:"model_info"`
}

// Error reports a failure. ParticipantID is only set on client-originated errors.
type Error struct {
	Type          Kind   `json:"type"`
	Round         int    `json:"round"`
	ParticipantID string `json:"participant_id,omitempty"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

func (Register) Kind() Kind   { return KindRegister }
func (Challenge) Kind() Kind  { return KindChallenge }
func (Registered) Kind() Kind { return KindRegistered }
func (Heartbeat) Kind() Kind  { return KindHeartbeat }
func (Token) Kind() Kind      { return KindToken }
func (Complete) Kind() Kind   { return KindComplete }
func (Error) Kind() Kind      { return KindError }

// NewRegister creates a registration frame
func NewRegister(participantID, nickname, pin, runner, model string) Register {
	return Register{
		Type:          KindRegister,
		ParticipantID: participantID,
		Nickname:      nickname,
		PIN:           pin,
		Runner:        runner,
		Model:         model,
	}
}

// NewToken creates a token frame
func NewToken(round int, participantID string, seq int, content string) Token {
	return Token{
		Type:          KindToken,
		Round:         round,
		ParticipantID: participantID,
		Seq:           seq,
		Content:       content,
	}
}

// NewComplete creates a completion frame
func NewComplete(round int, participantID string, tokens int, firstTokenMS *int64, durationMS int64, info ModelInfo) Complete {
	return Complete{
		Type:                KindComplete,
		Round:               round,
		ParticipantID:       participantID,
		Tokens:              tokens,
		FirstTokenLatencyMS: firstTokenMS,
		DurationMS:          durationMS,
		ModelInfo:           info,
	}
}

// NewError creates an error frame
func NewError(round int, participantID, code, message string) Error {
	return Error{
		Type:          KindError,
		Round:         round,
		ParticipantID: participantID,
		Code:          code,
		Message:       message,
	}
}
