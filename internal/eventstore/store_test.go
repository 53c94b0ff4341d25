package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxlink-labs/voxlink/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.AppendSession(context.Background(), "s1", "aura-2-thalia-en", ""); err != nil {
		t.Fatalf("ephemeral append must be a no-op: %v", err)
	}
	sessions, err := es.ListRecentSessions(context.Background(), 10)
	if err != nil || sessions != nil {
		t.Fatalf("ephemeral list must return nothing, got %v, %v", sessions, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), sessionID, "aura-2-thalia-en", "127.0.0.1:51000"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Type: "session.generation", Payload: []byte(`{"audio_bytes":350}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != "session.generation" {
		t.Fatalf("unexpected event type: %s", events[0].Type)
	}

	sessions, err := es.ListRecentSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Model != "aura-2-thalia-en" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestPruneByCount(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{
		Path:          filepath.Join(tmp, "events.db"),
		RetentionMode: "session",
		MaxSessions:   2,
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		at := base.Add(time.Duration(i) * time.Minute)
		es.clock = func() time.Time { return at }
		if err := es.AppendSession(context.Background(), id, "m", ""); err != nil {
			t.Fatalf("append session %s: %v", id, err)
		}
	}
	es.clock = time.Now

	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	sessions, err := es.ListRecentSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions after prune, got %d", len(sessions))
	}
	for _, s := range sessions {
		if s.SessionID == "old" {
			t.Fatal("oldest session should have been pruned")
		}
	}
}
