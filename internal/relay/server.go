package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxlink-labs/voxlink/internal/bus"
	"github.com/voxlink-labs/voxlink/internal/config"
	"github.com/voxlink-labs/voxlink/internal/protocol"
	"github.com/voxlink-labs/voxlink/internal/upstream"
)

// DialFunc establishes the provider leg for one session. Swappable in tests.
type DialFunc func(ctx context.Context, cfg config.UpstreamConfig, model string, log *slog.Logger) (Provider, error)

// Server accepts downstream websocket upgrades and runs one Session per
// accepted connection.
type Server struct {
	upstreamCfg config.UpstreamConfig
	relayCfg    config.RelayConfig
	log         *slog.Logger
	bus         *bus.Client
	registry    *Registry
	metrics     *Metrics
	upgrader    websocket.Upgrader
	dial        DialFunc
	tracer      trace.Tracer
}

func NewServer(upstreamCfg config.UpstreamConfig, relayCfg config.RelayConfig, busClient *bus.Client, metrics *Metrics, log *slog.Logger) *Server {
	return &Server{
		upstreamCfg: upstreamCfg,
		relayCfg:    relayCfg,
		log:         log.With(slog.String("component", "relay")),
		bus:         busClient,
		registry:    NewRegistry(log),
		metrics:     metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay fronts a local dev UI; origin enforcement belongs to
			// the deployment in front of it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dial: func(ctx context.Context, cfg config.UpstreamConfig, model string, log *slog.Logger) (Provider, error) {
			return upstream.Dial(ctx, cfg, model, log)
		},
		tracer: otel.Tracer("voxlink/relay"),
	}
}

// Registry exposes the live-session set, used by coordinated shutdown.
func (s *Server) Registry() *Registry { return s.registry }

// HandleWS upgrades a downstream connection and relays it until either leg
// closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		model = s.upstreamCfg.DefaultModel
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.relayCfg.MaxMessageBytes)

	id := uuid.NewString()
	ctx, span := s.tracer.Start(r.Context(), "relay.session",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("session.model", model),
		))
	defer span.End()

	// Connecting: the upstream handshake may fail, terminating immediately
	// with a mapped close code.
	up, err := s.dial(ctx, s.upstreamCfg, model, s.log)
	if err != nil {
		s.log.Error("upstream handshake failed", slog.String("error", err.Error()))
		s.metrics.AddError(protocol.ErrTypeConnection)
		s.rejectDownstream(conn)
		return
	}

	sess := NewSession(id, model, conn, up, s.bus, s.metrics, s.log)
	s.registry.Add(sess)
	s.metrics.SessionStarted()
	s.publishStarted(sess, r.RemoteAddr)
	s.log.Info("session started",
		slog.String("session_id", id),
		slog.String("model", model))

	sess.Run()
	s.registry.Remove(id)
}

// rejectDownstream reports a failed upstream handshake and closes the
// freshly upgraded downstream leg with a server-error code.
func (s *Server) rejectDownstream(conn *websocket.Conn) {
	reply := protocol.NewError(protocol.ErrTypeConnection, protocol.ErrCodeConnectionFailed,
		"could not reach the speech provider", "verify upstream availability and credentials")
	if data, err := json.Marshal(reply); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(protocol.CloseServerError, "upstream handshake failed"),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

func (s *Server) publishStarted(sess *Session, remoteAddr string) {
	if s.bus == nil {
		return
	}
	ev := protocol.SessionStarted{
		SessionID:  sess.ID(),
		Model:      sess.Model(),
		RemoteAddr: remoteAddr,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.bus.Publish(protocol.SubjectSessionStarted, ev); err != nil {
		s.log.Warn("failed to publish session started event", slog.String("error", err.Error()))
	}
}

// Shutdown closes every live session, waiting at most the configured grace.
func (s *Server) Shutdown(ctx context.Context) {
	grace := time.Duration(s.relayCfg.ShutdownGraceMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	s.registry.CloseAll(ctx)
}
