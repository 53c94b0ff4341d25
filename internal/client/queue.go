package client

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxlink-labs/voxlink/internal/protocol"
	"github.com/voxlink-labs/voxlink/internal/wav"
)

// ValidationError reports client input rejected before anything reaches the
// relay.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Transport is the relay-facing control surface the queue drives. *Conn
// satisfies it.
type Transport interface {
	Speak(text string) error
	Clear() error
}

// Player renders one finalized WAV object. Playback errors are logged, never
// fatal to the queue.
type Player interface {
	Play(wavData []byte) error
}

// Queue holds completed generations newest-first and tracks at most one
// generation in flight. Relay events are fed in through the Handler methods.
type Queue struct {
	transport Transport
	player    Player
	params    wav.Params
	log       *slog.Logger

	// onStatus surfaces the latest user-visible status line, including
	// provider error messages verbatim.
	onStatus func(msg string)

	clock func() time.Time

	mu     sync.Mutex
	active *Generation
	items  []*Generation
}

// NewQueue builds a queue over an established transport. player and onStatus
// may be nil.
func NewQueue(transport Transport, player Player, params wav.Params, onStatus func(string), log *slog.Logger) *Queue {
	if onStatus == nil {
		onStatus = func(string) {}
	}
	return &Queue{
		transport: transport,
		player:    player,
		params:    params,
		log:       log.With(slog.String("component", "queue")),
		onStatus:  onStatus,
		clock:     time.Now,
	}
}

// Submit starts a new generation. At most one generation may be in flight;
// concurrent submissions and empty text fail with a ValidationError without
// touching the in-flight generation.
func (q *Queue) Submit(text, model string) (*Generation, error) {
	if text == "" {
		return nil, &ValidationError{Reason: "text must not be empty"}
	}

	q.mu.Lock()
	if q.active != nil {
		q.mu.Unlock()
		return nil, &ValidationError{Reason: "a generation is already in flight"}
	}
	gen := newGeneration(text, model, q.clock())
	q.active = gen
	q.mu.Unlock()

	if err := q.transport.Speak(text); err != nil {
		q.mu.Lock()
		q.active = nil
		q.mu.Unlock()
		return nil, fmt.Errorf("submit text: %w", err)
	}

	q.onStatus("generating")
	return gen, nil
}

// Cancel asks the relay to clear the in-flight generation. The partial buffer
// is discarded when the Cleared acknowledgement arrives.
func (q *Queue) Cancel() error {
	q.mu.Lock()
	active := q.active
	q.mu.Unlock()
	if active == nil {
		return nil
	}
	return q.transport.Clear()
}

// OnOpen implements Handler.
func (q *Queue) OnOpen(message string) {
	q.onStatus("connected")
	q.log.Info("relay session open", slog.String("message", message))
}

// OnMetadata records the provider descriptors on the in-flight generation.
func (q *Queue) OnMetadata(md Metadata) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active != nil {
		q.active.setMetadata(md)
	}
}

// OnAudioChunk appends one streamed fragment to the in-flight generation.
// Chunks arriving with no generation active are dropped.
func (q *Queue) OnAudioChunk(data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil || q.active.Status != StatusGenerating {
		q.log.Debug("dropping audio chunk with no active generation", slog.Int("bytes", len(data)))
		return
	}
	q.active.buffer.Append(data)
	q.onStatus(fmt.Sprintf("receiving audio (%d chunks)", q.active.buffer.Len()))
}

// OnFlushed finalizes the in-flight generation: assembles the WAV object,
// records latency, pushes it to the front of the queue and triggers playback.
func (q *Queue) OnFlushed() {
	q.mu.Lock()
	gen := q.active
	if gen == nil {
		q.mu.Unlock()
		return
	}

	audio, err := gen.buffer.Finalize(q.params)
	if err != nil {
		gen.Status = StatusError
		q.active = nil
		q.mu.Unlock()
		q.log.Warn("audio assembly failed", slog.String("error", err.Error()))
		q.onStatus("audio assembly failed")
		return
	}
	gen.Audio = audio
	gen.Latency = q.clock().Sub(gen.startTime)
	gen.Status = StatusComplete
	q.items = append([]*Generation{gen}, q.items...)
	q.active = nil
	q.mu.Unlock()

	q.onStatus(fmt.Sprintf("complete in %s", gen.Latency.Round(time.Millisecond)))
	if q.player != nil {
		if err := q.player.Play(audio); err != nil {
			q.log.Warn("playback failed", slog.String("error", err.Error()))
		}
	}
}

// OnCleared discards the in-flight generation's partial buffer and re-enables
// Submit. Nothing is queued.
func (q *Queue) OnCleared(sequenceID int64) {
	q.mu.Lock()
	if q.active != nil {
		q.active.buffer.Reset()
		q.active.Status = StatusError
		q.active = nil
	}
	q.mu.Unlock()
	q.log.Info("generation cleared", slog.Int64("sequence_id", sequenceID))
	q.onStatus("cleared")
}

// OnError marks the in-flight generation failed and surfaces the relay's
// message verbatim. The generation is not queued.
func (q *Queue) OnError(payload protocol.ErrorPayload) {
	q.mu.Lock()
	if q.active != nil {
		q.active.Status = StatusError
		q.active = nil
	}
	q.mu.Unlock()
	q.onStatus(payload.Message)
	q.log.Warn("relay error",
		slog.String("type", payload.Type),
		slog.String("code", payload.Code))
}

// OnClose implements Handler.
func (q *Queue) OnClose(message string) {
	q.onStatus("disconnected")
	q.log.Info("relay session closed", slog.String("message", message))
}

// Remove deletes one completed generation by id.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, gen := range q.items {
		if gen.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops every completed generation. The in-flight generation, if any,
// is untouched.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Items returns a snapshot of completed generations, newest first.
func (q *Queue) Items() []*Generation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Generation(nil), q.items...)
}

// Active returns the in-flight generation, or nil.
func (q *Queue) Active() *Generation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}
