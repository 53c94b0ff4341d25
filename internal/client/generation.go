// Package client implements the consumer side of a relay session: the
// generation queue, streamed-chunk accumulation, WAV assembly on completion,
// and optional local playback.
package client

import (
	"time"

	"github.com/google/uuid"

	"github.com/voxlink-labs/voxlink/internal/wav"
)

// Status is the lifecycle of one generation.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Metadata holds the provider descriptors forwarded by the relay. Set at most
// once per generation.
type Metadata struct {
	RequestID    string
	ModelName    string
	ModelVersion string
	ModelUUID    string
}

// Generation is one text-to-playable-audio unit of work. Chunks accumulate in
// the buffer only while the status is generating; once the generation reaches
// a terminal status the assembled audio (if any) is immutable.
type Generation struct {
	ID    string
	Text  string
	Model string

	Status   Status
	Metadata *Metadata

	// Audio is the finalized WAV object, populated on completion.
	Audio   []byte
	Latency time.Duration

	startTime time.Time
	buffer    *wav.Buffer
}

func newGeneration(text, model string, now time.Time) *Generation {
	return &Generation{
		ID:        uuid.NewString(),
		Text:      text,
		Model:     model,
		Status:    StatusGenerating,
		startTime: now,
		buffer:    wav.NewBuffer(),
	}
}

// ChunkCount reports how many audio fragments have arrived so far.
func (g *Generation) ChunkCount() int {
	return g.buffer.Len()
}

// PendingBytes reports the accumulated raw PCM size before finalization.
func (g *Generation) PendingBytes() int {
	return g.buffer.TotalBytes()
}

func (g *Generation) setMetadata(md Metadata) {
	if g.Metadata == nil {
		g.Metadata = &md
	}
}
