package messages

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

var (
	ErrMalformedFrame     = errors.New("messages: malformed frame")
	ErrUnknownKind        = errors.New("messages: unknown message kind")
	ErrMalformedChallenge = errors.New("messages: malformed challenge")
	ErrUnencodable        = errors.New("messages: frame kind cannot be encoded")
)

// ProtocolError describes a frame that was dropped. It never terminates a
// connection.
type ProtocolError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.Kind != "" {
		fmt.Fprintf(&b, " kind=%q", string(e.Kind))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err is a frame-level protocol error.
func IsRecoverable(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr)
}

type envelope struct {
	Type Kind `json:"type"`
}

// challengeWire uses pointers so that absent required fields can be told
// apart from zero values.
type challengeWire struct {
	SessionID   *string  `json:"session_id"`
	Round       *int     `json:"round"`
	Prompt      *string  `json:"prompt"`
	MaxTokens   *int     `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	DeadlineMS  *int64   `json:"deadline_ms"`
	Seed        *int64   `json:"seed"`
}

// Decode parses one wire frame into its typed record.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Err: ErrMalformedFrame, Detail: err.Error()}
	}
	if env.Type == "" {
		return nil, &ProtocolError{Err: ErrMalformedFrame, Detail: "missing type"}
	}

	switch env.Type {
	case KindChallenge:
		return decodeChallenge(data)
	case KindHeartbeat:
		return Heartbeat{}, nil
	case KindRegistered:
		payload := map[string]any{}
		if err := sonic.Unmarshal(data, &payload); err != nil {
			return nil, &ProtocolError{Kind: env.Type, Err: ErrMalformedFrame, Detail: err.Error()}
		}
		delete(payload, "type")
		return Registered{Payload: payload}, nil
	case KindError:
		var f Error
		return decodeInto(data, env.Type, &f)
	case KindRegister:
		var f Register
		return decodeInto(data, env.Type, &f)
	case KindToken:
		var f Token
		return decodeInto(data, env.Type, &f)
	case KindComplete:
		var f Complete
		return decodeInto(data, env.Type, &f)
	default:
		return nil, &ProtocolError{Kind: env.Type, Err: ErrUnknownKind}
	}
}

func decodeInto[T Frame](data []byte, kind Kind, f *T) (Frame, error) {
	if err := sonic.Unmarshal(data, f); err != nil {
		return nil, &ProtocolError{Kind: kind, Err: ErrMalformedFrame, Detail: err.Error()}
	}
	return *f, nil
}

func decodeChallenge(data []byte) (Frame, error) {
	var w challengeWire
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, &ProtocolError{Kind: KindChallenge, Err: ErrMalformedChallenge, Detail: err.Error()}
	}

	var missing []string
	if w.SessionID == nil {
		missing = append(missing, "session_id")
	}
	if w.Round == nil {
		missing = append(missing, "round")
	}
	if w.Prompt == nil {
		missing = append(missing, "prompt")
	}
	if w.MaxTokens == nil {
		missing = append(missing, "max_tokens")
	}
	if w.Temperature == nil {
		missing = append(missing, "temperature")
	}
	if w.DeadlineMS == nil {
		missing = append(missing, "deadline_ms")
	}
	if len(missing) > 0 {
		return nil, &ProtocolError{
			Kind:   KindChallenge,
			Err:    ErrMalformedChallenge,
			Detail: "missing " + strings.Join(missing, ", "),
		}
	}

	return Challenge{
		Type:        KindChallenge,
		SessionID:   *w.SessionID,
		Round:       *w.Round,
		Prompt:      *w.Prompt,
		MaxTokens:   *w.MaxTokens,
		Temperature: *w.Temperature,
		DeadlineMS:  *w.DeadlineMS,
		Seed:        w.Seed,
	}, nil
}

// Encode serializes a frame with its canonical field set. The type field is
// always derived from the frame's kind.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Register:
		v.Type = KindRegister
		return sonic.Marshal(v)
	case Token:
		v.Type = KindToken
		return sonic.Marshal(v)
	case Complete:
		v.Type = KindComplete
		return sonic.Marshal(v)
	case Error:
		v.Type = KindError
		return sonic.Marshal(v)
	case Challenge:
		v.Type = KindChallenge
		return sonic.Marshal(v)
	case Heartbeat:
		return sonic.Marshal(envelope{Type: KindHeartbeat})
	case Registered:
		out := make(map[string]any, len(v.Payload)+1)
		for k, val := range v.Payload {
			out[k] = val
		}
		out["type"] = KindRegistered
		return sonic.Marshal(out)
	default:
		if f == nil {
			return nil, ErrUnencodable
		}
		return nil, fmt.Errorf("%w: %q", ErrUnencodable, string(f.Kind()))
	}
}
