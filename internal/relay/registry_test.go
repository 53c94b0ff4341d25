package relay

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestRegistryTracksSessions(t *testing.T) {
	reg := NewRegistry(testLogger())

	var sessions []*Session
	for i := 0; i < 3; i++ {
		down := newFakeDownstream()
		up := newFakeProvider()
		sess := NewSession(fmt.Sprintf("sess-%d", i), "m", down, up, nil, nil, testLogger())
		go sess.Run()
		reg.Add(sess)
		sessions = append(sessions, sess)
	}
	if got := reg.Len(); got != 3 {
		t.Fatalf("expected 3 tracked sessions, got %d", got)
	}

	reg.Remove(sessions[0].ID())
	if got := reg.Len(); got != 2 {
		t.Fatalf("expected 2 tracked sessions after remove, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reg.CloseAll(ctx)

	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("session %s did not terminate", sess.ID())
		}
	}
}

func TestRegistryCloseAllAbandonsOnDeadline(t *testing.T) {
	reg := NewRegistry(testLogger())

	// A session whose downstream never errors out of ReadMessage cannot
	// terminate, so CloseAll must give up at the deadline instead of hanging.
	down := newFakeDownstream()
	up := newFakeProvider()
	stuck := NewSession("sess-stuck", "m", &neverClosingDownstream{fakeDownstream: down}, up, nil, nil, testLogger())
	go stuck.Run()
	reg.Add(stuck)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	reg.CloseAll(ctx)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("CloseAll did not respect the deadline, took %s", elapsed)
	}

	// Unstick the fake so the goroutine can exit.
	down.pushClose(1000)
}

// neverClosingDownstream swallows Close so ReadMessage stays blocked.
type neverClosingDownstream struct {
	*fakeDownstream
}

func (n *neverClosingDownstream) Close() error { return nil }

func (n *neverClosingDownstream) ReadMessage() (int, []byte, error) {
	r := <-n.reads
	return r.msgType, r.data, r.err
}
