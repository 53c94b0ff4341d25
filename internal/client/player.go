package client

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"
	beepwav "github.com/gopxl/beep/wav"
)

// BeepPlayer plays finalized WAV objects through the local audio device. The
// speaker is initialized lazily from the first object's format and reused for
// the rest.
type BeepPlayer struct {
	once    sync.Once
	initErr error
}

func NewBeepPlayer() *BeepPlayer {
	return &BeepPlayer{}
}

// Play decodes one WAV object and blocks until playback finishes.
func (p *BeepPlayer) Play(wavData []byte) error {
	streamer, format, err := beepwav.Decode(io.NopCloser(bytes.NewReader(wavData)))
	if err != nil {
		return fmt.Errorf("decode wav: %w", err)
	}
	defer streamer.Close()

	p.once.Do(func() {
		p.initErr = speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10))
	})
	if p.initErr != nil {
		return fmt.Errorf("init speaker: %w", p.initErr)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(streamer, beep.Callback(func() {
		close(done)
	})))
	<-done
	return nil
}
