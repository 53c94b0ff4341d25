package relay

import (
	"context"
	"log/slog"
	"sync"
)

// Registry is the process-wide set of live sessions. It exists only so a
// coordinated shutdown can reach every downstream leg; sessions never observe
// each other through it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log.With(slog.String("component", "registry")),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll requests close on every live session's downstream leg and waits
// until they finish or ctx expires. Sessions that outlive the grace period
// are abandoned, not awaited.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		s.RequestClose()
	}

	for _, s := range snapshot {
		select {
		case <-s.Done():
		case <-ctx.Done():
			r.log.Warn("abandoning sessions still open after grace period",
				slog.Int("remaining", r.Len()))
			return
		}
	}
}
