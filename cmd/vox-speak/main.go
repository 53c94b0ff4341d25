package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/voxlink-labs/voxlink/internal/client"
	"github.com/voxlink-labs/voxlink/internal/protocol"
	"github.com/voxlink-labs/voxlink/internal/wav"
)

var version = "0.1.0-dev"

func main() {
	var (
		relayURL    string
		model       string
		text        string
		outPath     string
		play        bool
		timeout     time.Duration
		sampleRate  int
		bitDepth    int
		channels    int
		showVersion bool
	)

	flag.StringVar(&relayURL, "relay", "ws://localhost:8080/ws", "Relay websocket endpoint")
	flag.StringVar(&model, "model", "", "Voice model (relay default when empty)")
	flag.StringVar(&text, "text", "", "Text to synthesize (falls back to positional args)")
	flag.StringVar(&outPath, "out", "speech.wav", "Output WAV path (empty to skip writing)")
	flag.BoolVar(&play, "play", false, "Play the assembled audio locally")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Overall deadline")
	flag.IntVar(&sampleRate, "sample-rate", 48000, "PCM sample rate the relay streams at")
	flag.IntVar(&bitDepth, "bit-depth", 16, "PCM bits per sample")
	flag.IntVar(&channels, "channels", 1, "PCM channel count")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	if text == "" {
		text = strings.Join(flag.Args(), " ")
	}
	if text == "" {
		fmt.Fprintln(os.Stderr, "nothing to synthesize: pass -text or positional words")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := run(relayURL, model, text, outPath, play, timeout, wav.Params{
		SampleRate:    sampleRate,
		BitsPerSample: bitDepth,
		Channels:      channels,
	}, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(relayURL, model, text, outPath string, play bool, timeout time.Duration, params wav.Params, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := client.DialRelay(ctx, relayURL, model, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	var player client.Player
	if play {
		player = client.NewBeepPlayer()
	}

	queue := client.NewQueue(conn, player, params, func(msg string) {
		fmt.Fprintf(os.Stderr, "status: %s\n", msg)
	}, logger)

	handler := &sessionHandler{
		Queue: queue,
		open:  make(chan struct{}),
		done:  make(chan error, 1),
	}

	go func() {
		if err := conn.Run(handler); err != nil {
			handler.finish(err)
		}
	}()

	select {
	case <-handler.open:
	case <-ctx.Done():
		return fmt.Errorf("relay never signalled ready: %w", ctx.Err())
	}

	if _, err := queue.Submit(text, model); err != nil {
		return err
	}

	select {
	case err := <-handler.done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return fmt.Errorf("generation did not complete: %w", ctx.Err())
	}

	items := queue.Items()
	if len(items) == 0 {
		return fmt.Errorf("no generation completed")
	}
	gen := items[0]
	fmt.Fprintf(os.Stderr, "assembled %d bytes in %s (%d chunks)\n",
		len(gen.Audio), gen.Latency.Round(time.Millisecond), gen.ChunkCount())

	if outPath != "" {
		if err := os.WriteFile(outPath, gen.Audio, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", outPath, err)
		}
		fmt.Printf("wrote %s\n", outPath)
	}
	return nil
}

// sessionHandler layers one-shot CLI signalling over the queue's event
// handling: it reports readiness and the first terminal outcome.
type sessionHandler struct {
	*client.Queue

	open     chan struct{}
	openOnce sync.Once

	done     chan error
	doneOnce sync.Once
}

func (h *sessionHandler) OnOpen(message string) {
	h.Queue.OnOpen(message)
	h.openOnce.Do(func() { close(h.open) })
}

func (h *sessionHandler) OnFlushed() {
	h.Queue.OnFlushed()
	h.finish(nil)
}

func (h *sessionHandler) OnError(payload protocol.ErrorPayload) {
	h.Queue.OnError(payload)
	h.finish(fmt.Errorf("%s/%s: %s", payload.Type, payload.Code, payload.Message))
}

func (h *sessionHandler) OnClose(message string) {
	h.Queue.OnClose(message)
	h.finish(fmt.Errorf("relay closed the session: %s", message))
}

func (h *sessionHandler) finish(err error) {
	h.doneOnce.Do(func() { h.done <- err })
}
