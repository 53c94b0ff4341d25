package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/voxlink-labs/voxlink/internal/bus"
	"github.com/voxlink-labs/voxlink/internal/eventstore"
	"github.com/voxlink-labs/voxlink/internal/protocol"
)

// recorder subscribes to session lifecycle subjects and persists them into
// the event store, building the timeline the /sessions endpoint reads.
type recorder struct {
	store *eventstore.Store
	log   *slog.Logger
}

func newRecorder(store *eventstore.Store, log *slog.Logger) *recorder {
	return &recorder{
		store: store,
		log:   log.With(slog.String("component", "recorder")),
	}
}

func (r *recorder) subscribe(busClient *bus.Client) error {
	if busClient == nil || !busClient.Healthy() {
		return errors.New("bus not connected")
	}

	subjects := map[string]nats.MsgHandler{
		protocol.SubjectSessionStarted: r.onStarted,
		protocol.SubjectSessionClosed:  r.onLifecycle,
		protocol.SubjectGeneration:     r.onLifecycle,
	}
	for subject, handler := range subjects {
		if _, err := busClient.Subscribe(subject, handler); err != nil {
			return err
		}
	}
	return nil
}

func (r *recorder) onStarted(msg *nats.Msg) {
	var ev protocol.SessionStarted
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		r.log.Warn("undecodable session.started event", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.store.AppendSession(ctx, ev.SessionID, ev.Model, ev.RemoteAddr); err != nil {
		r.log.Warn("failed to record session", slog.String("error", err.Error()))
		return
	}
	r.append(ctx, ev.SessionID, msg.Subject, msg.Data)
}

func (r *recorder) onLifecycle(msg *nats.Msg) {
	var envelope struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		r.log.Warn("undecodable lifecycle event",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.append(ctx, envelope.SessionID, msg.Subject, msg.Data)
}

func (r *recorder) append(ctx context.Context, sessionID, subject string, payload []byte) {
	err := r.store.AppendEvent(ctx, eventstore.Event{
		SessionID: sessionID,
		Type:      subject,
		Payload:   payload,
	})
	if err != nil {
		r.log.Warn("failed to record event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
