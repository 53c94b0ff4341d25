// Package relay bridges one downstream (client) websocket and one upstream
// (provider) websocket per session, translating the control protocol while
// passing binary audio through untouched.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlink-labs/voxlink/internal/bus"
	"github.com/voxlink-labs/voxlink/internal/protocol"
	"github.com/voxlink-labs/voxlink/internal/upstream"
)

// State is the relay session lifecycle. Transitions only move forward except
// that Active falls back to Closing when either leg goes away.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingReady
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Downstream is the subset of the client-facing websocket the session needs.
// *websocket.Conn satisfies it.
type Downstream interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Provider is the upstream leg as the session sees it. *upstream.Client
// satisfies it.
type Provider interface {
	Events() <-chan upstream.Event
	SendText(text string) error
	Flush() error
	Clear() error
	Close(code int) error
}

// Session owns exactly one downstream and one upstream socket pair and
// enforces the protocol ordering between them.
type Session struct {
	id    string
	model string
	down  Downstream
	up    Provider
	log   *slog.Logger
	bus   *bus.Client
	meter *Metrics

	mu    sync.Mutex
	state State

	// writeMu serializes downstream writes from both pump goroutines.
	writeMu sync.Mutex

	closeDownOnce sync.Once
	closeUpOnce   sync.Once
	done          chan struct{}

	// per-generation accounting, reset on Flushed/Cleared
	genBytes  int64
	genChunks int

	closeCode int
}

// NewSession wires a session over an established downstream/upstream pair.
// The upstream leg may be nil only in tests; Run requires both.
func NewSession(id, model string, down Downstream, up Provider, busClient *bus.Client, meter *Metrics, log *slog.Logger) *Session {
	return &Session{
		id:    id,
		model: model,
		down:  down,
		up:    up,
		log:   log.With(slog.String("component", "session"), slog.String("session_id", id)),
		bus:   busClient,
		meter: meter,
		state: StateAwaitingReady,
		done:  make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Model returns the voice model the session was opened with.
func (s *Session) Model() string { return s.model }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = next
	}
	s.mu.Unlock()
}

// Done is closed once both legs are released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run pumps both legs until either closes. It blocks until the session is
// fully torn down.
func (s *Session) Run() {
	defer close(s.done)
	defer s.setState(StateClosed)

	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		s.pumpUpstream()
	}()

	s.pumpDownstream()
	<-upstreamDone

	s.publishClosed()
}

// pumpDownstream reads structured client messages until the downstream leg
// goes away, then mirrors the close onto the upstream leg.
func (s *Session) pumpDownstream() {
	for {
		msgType, data, err := s.down.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			if closeErr, ok := err.(*websocket.CloseError); ok {
				code = closeErr.Code
			}
			s.log.Info("downstream leg closed", slog.Int("code", code))
			s.rememberCloseCode(code)
			s.closeUpstream(protocol.SanitizeCloseCode(code))
			s.closeDownstream(protocol.CloseNormal, "")
			return
		}
		if msgType != websocket.TextMessage {
			s.log.Debug("ignoring non-text downstream frame", slog.Int("message_type", msgType))
			continue
		}
		if closing := s.handleClientMessage(data); closing {
			return
		}
	}
}

// handleClientMessage dispatches one structured downstream message. Failures
// are isolated to the message: they are reported as Error replies and never
// unwind the relay loop. The return value reports whether the message
// initiated session close.
func (s *Session) handleClientMessage(data []byte) bool {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(protocol.ErrTypeParsing, protocol.ErrCodeInvalidText,
			"message is not valid JSON", err.Error())
		return false
	}

	switch msg.Type {
	case protocol.TypeSpeak:
		s.handleSpeak(msg)
	case protocol.TypeFlush:
		if err := s.up.Flush(); err != nil {
			s.log.Warn("flush forward failed", slog.String("error", err.Error()))
		}
	case protocol.TypeClear:
		// Best-effort: providers without clear support simply ignore it.
		if err := s.up.Clear(); err != nil {
			s.log.Warn("clear forward failed", slog.String("error", err.Error()))
		}
	case protocol.TypeClose:
		s.setState(StateClosing)
		s.rememberCloseCode(protocol.CloseNormal)
		s.closeUpstream(protocol.CloseNormal)
		s.closeDownstream(protocol.CloseNormal, "")
		return true
	default:
		// Unrecognized types are never surfaced as client errors.
		s.log.Info("ignoring unrecognized message type", slog.String("type", msg.Type))
	}
	return false
}

func (s *Session) handleSpeak(msg protocol.ClientMessage) {
	if s.State() != StateActive {
		s.sendError(protocol.ErrTypeConnection, protocol.ErrCodeConnectionFailed,
			"upstream connection is not ready to accept text", "")
		return
	}
	if msg.Text == "" {
		s.sendError(protocol.ErrTypeValidation, protocol.ErrCodeInvalidText,
			"text must be a non-empty string", "")
		return
	}
	if err := s.up.SendText(msg.Text); err != nil {
		s.sendError(protocol.ErrTypeConnection, protocol.ErrCodeConnectionFailed,
			"failed to forward text upstream", err.Error())
		return
	}
	if err := s.up.Flush(); err != nil {
		s.sendError(protocol.ErrTypeConnection, protocol.ErrCodeConnectionFailed,
			"failed to flush upstream", err.Error())
	}
}

// pumpUpstream translates provider events into downstream messages until the
// upstream leg goes away, then mirrors the close onto the downstream leg.
func (s *Session) pumpUpstream() {
	for ev := range s.up.Events() {
		switch ev.Kind {
		case upstream.EventOpen:
			s.setState(StateActive)
			s.sendJSON(protocol.OpenMessage{Type: protocol.TypeOpen, Message: "upstream connection established"})

		case upstream.EventMetadata:
			s.sendJSON(protocol.MetadataMessage{
				Type:         protocol.TypeMetadata,
				RequestID:    ev.Metadata.RequestID,
				ModelName:    ev.Metadata.ModelName,
				ModelVersion: ev.Metadata.ModelVersion,
				ModelUUID:    ev.Metadata.ModelUUID,
			})

		case upstream.EventAudio:
			// Raw audio passes through verbatim, never wrapped.
			s.writeBinary(ev.Audio)
			s.genBytes += int64(len(ev.Audio))
			s.genChunks++
			if s.meter != nil {
				s.meter.AddAudioBytes(int64(len(ev.Audio)))
			}

		case upstream.EventFlushed:
			s.sendJSON(protocol.FlushedMessage{Type: protocol.TypeFlushed, Message: "generation complete"})
			s.publishGeneration()

		case upstream.EventCleared:
			s.sendJSON(protocol.ClearedMessage{Type: protocol.TypeCleared, SequenceID: ev.SequenceID})
			s.genBytes, s.genChunks = 0, 0

		case upstream.EventError:
			// Surface the provider message verbatim, then close with a
			// server-error code so the client keeps the surfaced error.
			s.sendError(protocol.ErrTypeTTS, protocol.ErrCodeGeneration, ev.Message, "")
			s.setState(StateClosing)
			s.rememberCloseCode(protocol.CloseServerError)
			s.closeUpstream(protocol.CloseServerError)
			s.closeDownstream(protocol.CloseServerError, "upstream error")
			return

		case upstream.EventClosed:
			s.log.Info("upstream leg closed", slog.Int("code", ev.Code))
			s.setState(StateClosing)
			s.sendJSON(protocol.CloseMessage{Type: protocol.TypeClose, Message: "upstream connection closed"})
			s.rememberCloseCode(ev.Code)
			s.closeDownstream(protocol.SanitizeCloseCode(ev.Code), "")
			s.closeUpstream(protocol.CloseNormal)
			return

		case upstream.EventIgnored:
			// Provider frame with no downstream translation.
		}
	}
}

func (s *Session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("failed to encode downstream message", slog.String("error", err.Error()))
		return
	}
	s.writeMu.Lock()
	err = s.down.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		s.log.Warn("downstream write failed", slog.String("error", err.Error()))
	}
}

func (s *Session) writeBinary(data []byte) {
	s.writeMu.Lock()
	err := s.down.WriteMessage(websocket.BinaryMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		s.log.Warn("downstream binary write failed", slog.String("error", err.Error()))
	}
}

func (s *Session) sendError(errType, code, message, details string) {
	if s.meter != nil {
		s.meter.AddError(errType)
	}
	s.sendJSON(protocol.NewError(errType, code, message, details))
}

// closeDownstream releases the client-facing leg exactly once.
func (s *Session) closeDownstream(code int, reason string) {
	s.closeDownOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.down.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.down.Close()
	})
}

// closeUpstream releases the provider-facing leg exactly once.
func (s *Session) closeUpstream(code int) {
	s.closeUpOnce.Do(func() {
		_ = s.up.Close(code)
	})
}

// RequestClose asks the session to shut down, used during coordinated
// shutdown. The session is not awaited; callers watch Done.
func (s *Session) RequestClose() {
	s.setState(StateClosing)
	s.rememberCloseCode(websocket.CloseGoingAway)
	s.closeUpstream(protocol.CloseNormal)
	s.closeDownstream(websocket.CloseGoingAway, "server shutting down")
}

func (s *Session) rememberCloseCode(code int) {
	s.mu.Lock()
	if s.closeCode == 0 {
		s.closeCode = code
	}
	s.mu.Unlock()
}

func (s *Session) publishGeneration() {
	bytes, chunks := s.genBytes, s.genChunks
	s.genBytes, s.genChunks = 0, 0
	if s.bus == nil {
		return
	}
	ev := protocol.GenerationEvent{
		SessionID:  s.id,
		AudioBytes: bytes,
		Chunks:     chunks,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.bus.Publish(protocol.SubjectGeneration, ev); err != nil {
		s.log.Warn("failed to publish generation event", slog.String("error", err.Error()))
	}
}

func (s *Session) publishClosed() {
	if s.meter != nil {
		s.meter.SessionClosed()
	}
	if s.bus == nil {
		return
	}
	s.mu.Lock()
	code := s.closeCode
	s.mu.Unlock()
	ev := protocol.SessionClosed{
		SessionID: s.id,
		Code:      code,
		Reason:    fmt.Sprintf("session ended in state %s", s.State()),
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.Publish(protocol.SubjectSessionClosed, ev); err != nil {
		s.log.Warn("failed to publish session closed event", slog.String("error", err.Error()))
	}
}
