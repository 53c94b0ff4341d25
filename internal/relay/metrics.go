package relay

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics aggregates the relay-wide instruments. A nil *Metrics is valid and
// records nothing, which keeps session tests free of telemetry setup.
type Metrics struct {
	sessionsStarted metric.Int64Counter
	sessionsActive  metric.Int64UpDownCounter
	audioBytes      metric.Int64Counter
	errors          metric.Int64Counter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("voxlink/relay")

	started, err := meter.Int64Counter("relay.sessions.started",
		metric.WithDescription("Total relay sessions accepted"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("relay.sessions.active",
		metric.WithDescription("Currently active relay sessions"))
	if err != nil {
		return nil, err
	}
	audio, err := meter.Int64Counter("relay.audio.bytes",
		metric.WithDescription("Binary audio bytes relayed downstream"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("relay.errors",
		metric.WithDescription("Errors reported to downstream clients"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		sessionsStarted: started,
		sessionsActive:  active,
		audioBytes:      audio,
		errors:          errs,
	}, nil
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.sessionsStarted.Add(ctx, 1)
	m.sessionsActive.Add(ctx, 1)
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), -1)
}

func (m *Metrics) AddAudioBytes(n int64) {
	if m == nil {
		return
	}
	m.audioBytes.Add(context.Background(), n)
}

func (m *Metrics) AddError(errType string) {
	if m == nil {
		return
	}
	m.errors.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("error.type", errType)))
}
