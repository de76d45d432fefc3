package server

import (
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Tutortoise/face-alignment-gate/pipeline"
	"github.com/Tutortoise/face-alignment-gate/source"
)

// Session is one client's live alignment check.
type Session struct {
	ID        string
	Pipeline  *pipeline.Pipeline
	Source    *source.Latest
	Limiter   *rate.Limiter
	CreatedAt time.Time
}

func (s *Session) Close() {
	s.Pipeline.Close()
	s.Source.Close()
}

type registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

func newSessionID() string {
	return uuid.NewString()
}

func (r *registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *registry) get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *registry) remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

func (r *registry) all() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func sizeOf(p image.Point) pipeline.Size {
	return pipeline.Size{Width: p.X, Height: p.Y}
}
