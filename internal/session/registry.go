package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// closeTimeout bounds how long CleanupAll waits for any one session to
// quit before moving on.
const closeTimeout = 10 * time.Second

// Registry tracks the active sessions of one run, keyed by the unit id
// each session currently serves.
type Registry struct {
	mu       sync.Mutex
	log      logrus.FieldLogger
	sessions map[string]*Session
}

// NewRegistry creates an empty registry scoped to one run.
func NewRegistry(log logrus.FieldLogger) *Registry {
	return &Registry{
		log:      log.WithField("component", "session_registry"),
		sessions: make(map[string]*Session),
	}
}

// Add tracks a session under its owning unit id.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.LastTouched = time.Now()
	r.sessions[s.UnitID] = s
}

// Touch refreshes the liveness timestamp of the session serving unitID.
// Called on every protocol message, including bare acks, so idle-timeout
// reclamation in the automation layer never fires on a session that is
// still reporting.
func (r *Registry) Touch(unitID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[unitID]; ok {
		s.LastTouched = time.Now()
	}
}

// Get returns the session serving unitID, or nil.
func (r *Registry) Get(unitID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[unitID]
}

// Rebind moves a session from one unit to the next. Used when an
// advancing session is chained onto the next queued unit instead of
// being relaunched.
func (r *Registry) Rebind(fromUnitID, toUnitID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[fromUnitID]
	if !ok {
		return nil
	}
	delete(r.sessions, fromUnitID)
	s.UnitID = toUnitID
	s.LastTouched = time.Now()
	r.sessions[toUnitID] = s
	return s
}

// Remove untracks and returns the session serving unitID, or nil. The
// caller owns closing it.
func (r *Registry) Remove(unitID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[unitID]
	if !ok {
		return nil
	}
	delete(r.sessions, unitID)
	return s
}

// DropRemote untracks every remote session without closing it, so a
// later CleanupAll leaves them running on the grid. Returns how many
// sessions were dropped.
func (r *Registry) DropRemote() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for id, s := range r.sessions {
		if s.Remote {
			delete(r.sessions, id)
			dropped++
		}
	}
	return dropped
}

// Active returns the number of tracked sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CleanupAll terminates every tracked session. Best-effort: a session
// that fails or times out is logged and skipped so one stuck browser
// never blocks the rest of shutdown.
func (r *Registry) CleanupAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if len(sessions) == 0 {
		return
	}

	r.log.WithField("sessions", len(sessions)).Debug("closing all sessions")

	g, _ := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			done := make(chan error, 1)
			go func() { done <- s.Close() }()

			select {
			case err := <-done:
				if err != nil {
					r.log.WithError(err).WithField("unit", s.UnitID).Warn("failed to close session")
				}
			case <-time.After(closeTimeout):
				r.log.WithField("unit", s.UnitID).Warn("timed out closing session")
			case <-ctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()
}
