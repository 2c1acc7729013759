package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Client event types carried over the websocket.
const (
	TypeSessionStart   = "session-start"
	TypeUtterance      = "utterance"
	TypeInterrupt      = "interrupt"
	TypeSpeechDetected = "speech-detected"
	TypeSessionEnd     = "session-end"
)

// Server event types.
const (
	TypeResponse = "response"
	TypeAudio    = "audio"
	TypeReady    = "ready"
	TypeError    = "error"
)

// ClientEvent is one decoded inbound frame.
type ClientEvent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ServerEvent is one outbound frame. Audio marshals to base64 in JSON.
type ServerEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Audio   []byte `json:"audio,omitempty"`
	Message string `json:"message,omitempty"`
}

// DecodeError carries a reason for a rejected frame. Frames rejected at this
// layer are dropped without a reply.
type DecodeError struct {
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Message: message, Param: param}
}

// DecodeClientEvent parses and validates one inbound frame.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var evt ClientEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return ClientEvent{}, badFrame("invalid json frame", "")
	}
	evt.Type = strings.TrimSpace(evt.Type)
	if evt.Type == "" {
		return ClientEvent{}, badFrame("missing type", "type")
	}
	switch evt.Type {
	case TypeSessionStart, TypeInterrupt, TypeSpeechDetected, TypeSessionEnd:
		return evt, nil
	case TypeUtterance:
		// Presence only; length bounds are the handler's acceptance policy.
		return evt, nil
	default:
		return ClientEvent{}, badFrame("unsupported event type", "type")
	}
}

// Bus subjects for observability fan-out. Payloads below; fire-and-forget.
const (
	SubjectSessionStarted = "voicerelay.session.started"
	SubjectSessionEnded   = "voicerelay.session.ended"
	SubjectTurnCompleted  = "voicerelay.turn.completed"
	SubjectSynthCompleted = "voicerelay.synth.completed"
)

// SessionEvent marks a session lifecycle transition.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnEvent reports one completed utterance/reply exchange.
type TurnEvent struct {
	SessionID string    `json:"session_id"`
	Fallback  bool      `json:"fallback"`
	Timestamp time.Time `json:"timestamp"`
}

// SynthEvent reports the outcome of one synthesis request.
type SynthEvent struct {
	SessionID string    `json:"session_id"`
	Chunks    int       `json:"chunks"`
	Stopped   bool      `json:"stopped"`
	Errored   bool      `json:"errored"`
	Timestamp time.Time `json:"timestamp"`
}
