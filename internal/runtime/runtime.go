// Package runtime assembles the relay daemon: telemetry, the embedded bus,
// the event store, the relay server and the HTTP surface, with coordinated
// shutdown.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlink-labs/voxlink/internal/bus"
	"github.com/voxlink-labs/voxlink/internal/config"
	"github.com/voxlink-labs/voxlink/internal/eventstore"
	"github.com/voxlink-labs/voxlink/internal/natsserver"
	"github.com/voxlink-labs/voxlink/internal/relay"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	store       *eventstore.Store
	tracerClose func(context.Context) error

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up and blocks until ctx is cancelled, then
// tears them down in reverse order. Sessions get the configured grace period
// before being abandoned.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	// The relay keeps working without a bus; lifecycle events are just lost.
	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		r.logger.Warn("bus unavailable, lifecycle events disabled", slog.String("error", err.Error()))
		busClient = nil
	}
	defer busClient.Close()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	defer store.Close()

	recorder := newRecorder(store, r.logger)
	if err := recorder.subscribe(busClient); err != nil {
		r.logger.Warn("event recording disabled", slog.String("error", err.Error()))
	}
	if err := store.Prune(ctx); err != nil {
		r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
	}

	metrics, err := relay.NewMetrics()
	if err != nil {
		r.logger.Warn("relay metrics disabled", slog.String("error", err.Error()))
		metrics = nil
	}

	relayServer := relay.NewServer(r.cfg.Upstream, r.cfg.Relay, busClient, metrics, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc(r.cfg.Relay.Path, relayServer.HandleWS)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/metadata", r.handleMetadata)
	mux.HandleFunc("/sessions", r.handleSessions)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("relay_path", r.cfg.Relay.Path))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	// Active sessions first: they get the configured grace, stragglers are
	// abandoned rather than awaited.
	relayServer.Shutdown(context.Background())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleMetadata serves the static service descriptor file. Read failures
// surface as a generic internal error, never the underlying path.
func (r *Runtime) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	data, err := os.ReadFile(r.cfg.HTTP.MetadataPath)
	if err != nil {
		r.logger.Error("failed to read metadata file", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.store.ListRecentSessions(req.Context(), 50)
	if err != nil {
		r.logger.Error("failed to list sessions", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		r.logger.Warn("failed to encode session list", slog.String("error", err.Error()))
	}
}
