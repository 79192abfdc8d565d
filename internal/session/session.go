// Package session manages live browser-automation handles: launching
// them locally or against a remote grid, tracking their liveness, and
// tearing them down.
package session

import (
	"context"
	"time"

	"github.com/ethpandaops/browsertest/internal/unit"
)

// Handle is the narrow slice of browser behaviour the run needs. The
// production implementation wraps a Playwright page; tests substitute
// fakes.
type Handle interface {
	// Navigate points the session's page at the given URL.
	Navigate(url string) error
	// Close quits the browser, releasing the underlying session.
	Close() error
}

// Session binds one browser handle to one unit of work at a time.
type Session struct {
	ID          string
	UnitID      string
	Remote      bool
	LastTouched time.Time

	handle Handle
}

// NewSession binds a browser handle to a unit of work.
func NewSession(id, unitID string, remote bool, h Handle) *Session {
	return &Session{ID: id, UnitID: unitID, Remote: remote, handle: h}
}

// Navigate drives the session's page to url and refreshes liveness.
func (s *Session) Navigate(url string) error {
	s.LastTouched = time.Now()
	return s.handle.Navigate(url)
}

// Close quits the underlying browser.
func (s *Session) Close() error {
	if s.handle == nil {
		return nil
	}
	return s.handle.Close()
}

// Provider launches browser sessions. Exactly one provider exists per
// run; the Playwright implementation lives in launcher.go.
type Provider interface {
	Start(ctx context.Context) error
	Stop() error
	Launch(ctx context.Context, u *unit.UnitOfWork) (*Session, error)
}

// Resolver resolves a requested remote browser descriptor against the
// grid's catalog of available browsers. Local descriptors pass through
// untouched.
type Resolver interface {
	Resolve(ctx context.Context, d unit.BrowserDescriptor) (unit.BrowserDescriptor, error)
}
