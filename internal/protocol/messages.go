package protocol

import "time"

// Message types accepted on the downstream (client-facing) leg.
const (
	TypeSpeak = "Speak"
	TypeFlush = "Flush"
	TypeClear = "Clear"
	TypeClose = "Close"
)

// Message types emitted on the downstream leg. Binary audio is forwarded as a
// raw binary frame and never wrapped in one of these.
const (
	TypeOpen     = "Open"
	TypeMetadata = "Metadata"
	TypeFlushed  = "Flushed"
	TypeCleared  = "Cleared"
	TypeError    = "Error"
)

// ClientMessage is a structured message received from the downstream client,
// discriminated by Type.
type ClientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// OpenMessage signals that the upstream provider is ready to accept text.
type OpenMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// MetadataMessage carries the provider descriptors for the current request.
// Only these four fields pass through; provider-internal fields are dropped.
type MetadataMessage struct {
	Type         string `json:"type"`
	RequestID    string `json:"request_id"`
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
	ModelUUID    string `json:"model_uuid"`
}

// FlushedMessage signals that all submitted text has been synthesized.
type FlushedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ClearedMessage acknowledges that buffered text and audio were discarded.
type ClearedMessage struct {
	Type       string `json:"type"`
	SequenceID int64  `json:"sequence_id"`
}

// CloseMessage signals that the session is ending.
type CloseMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ErrorMessage reports a recoverable or terminal session error downstream.
type ErrorMessage struct {
	Type  string       `json:"type"`
	Error ErrorPayload `json:"error"`
}

// ErrorPayload carries a machine-readable type/code pair plus a human-readable
// message. Details optionally carries a remediation hint.
type ErrorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error taxonomy reported to downstream clients.
const (
	ErrTypeValidation = "VALIDATION_ERROR"
	ErrTypeConnection = "CONNECTION_ERROR"
	ErrTypeParsing    = "PARSING_ERROR"
	ErrTypeTTS        = "TTS_ERROR"

	ErrCodeInvalidText      = "INVALID_TEXT"
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeGeneration       = "AUDIO_GENERATION_ERROR"
)

// NewError builds an ErrorMessage for the given taxonomy entry.
func NewError(errType, code, message, details string) ErrorMessage {
	return ErrorMessage{
		Type: TypeError,
		Error: ErrorPayload{
			Type:    errType,
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// Bus subjects for session lifecycle events.
const (
	SubjectSessionStarted = "session.started"
	SubjectSessionClosed  = "session.closed"
	SubjectGeneration     = "session.generation"
)

// SessionStarted is published when a downstream connection is accepted and the
// upstream leg is established.
type SessionStarted struct {
	SessionID  string    `json:"session_id"`
	Model      string    `json:"model"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionClosed is published when a session terminates, from either leg.
type SessionClosed struct {
	SessionID string    `json:"session_id"`
	Code      int       `json:"code"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GenerationEvent is published after a flush completes, summarizing the audio
// relayed for one generation.
type GenerationEvent struct {
	SessionID  string    `json:"session_id"`
	AudioBytes int64     `json:"audio_bytes"`
	Chunks     int       `json:"chunks"`
	Timestamp  time.Time `json:"timestamp"`
}
