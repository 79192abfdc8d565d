// Package scheduler holds the backlog of pending units of work, gates
// how many browser sessions run at once, and decides after each page
// completion whether a unit is retried, escalated, or closed.
package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/browsertest/internal/report"
	"github.com/ethpandaops/browsertest/internal/unit"
)

// ErrMalformedUnit is returned by Enqueue for a structurally invalid
// unit of work.
var ErrMalformedUnit = errors.New("malformed unit of work")

// eventBuffer sizes the event channel. Launch events are bounded by the
// concurrency gate, so the channel never comes close to filling as long
// as the orchestrator keeps draining it.
const eventBuffer = 128

// Decision is the scheduler's verdict on a completed page run.
type Decision int

const (
	// DecisionSoftRetry reloads the same page on the same session.
	DecisionSoftRetry Decision = iota
	// DecisionHardRetry discards the session and relaunches a fresh one
	// for the same unit.
	DecisionHardRetry
	// DecisionAdvance closes the unit; the session either chains onto
	// the next queued unit or is freed.
	DecisionAdvance
	// DecisionDone means the backlog and all active units are exhausted.
	DecisionDone
)

func (d Decision) String() string {
	switch d {
	case DecisionSoftRetry:
		return "soft-retry"
	case DecisionHardRetry:
		return "hard-retry"
	case DecisionAdvance:
		return "advance"
	case DecisionDone:
		return "done"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Outcome carries the aggregate counts from a runEnd report.
type Outcome struct {
	Passed int
	Failed int
}

// EventKind tags scheduler events consumed by the orchestrator.
type EventKind int

const (
	// EventLaunch asks the orchestrator to launch a fresh session for a
	// newly admitted unit.
	EventLaunch EventKind = iota
	// EventRelaunch asks the orchestrator to discard the unit's current
	// session and launch a fresh one (hard retry).
	EventRelaunch
	// EventRunComplete signals that every unit has been resolved.
	EventRunComplete
)

// Event is a scheduling effect the orchestrator must act on.
type Event struct {
	Kind EventKind
	Unit *unit.UnitOfWork
}

// Result is the outcome of DecideAfterCompletion. Unit is set for
// decisions that keep the current session driving: the same unit on a
// soft retry, the chained next unit on an advance.
type Result struct {
	Decision Decision
	Unit     *unit.UnitOfWork
}

// Config configures a Scheduler.
type Config struct {
	Logger      logrus.FieldLogger
	Store       *report.Store
	Concurrency int
	SoftRetries int
	HardRetries int
}

// Scheduler owns the backlog and the active set. All state transitions
// serialize through its mutex; the protocol handler and orchestrator
// never mutate scheduling state directly.
type Scheduler struct {
	mu         sync.Mutex
	log        logrus.FieldLogger
	store      *report.Store
	softBudget int
	hardBudget int
	gate       int

	backlog []*unit.UnitOfWork
	active  map[string]*unit.UnitOfWork
	closed  map[string]bool
	events  chan Event
}

// New creates a scheduler for one run.
func New(cfg Config) *Scheduler {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		log:        cfg.Logger.WithField("component", "scheduler"),
		store:      cfg.Store,
		softBudget: cfg.SoftRetries,
		hardBudget: cfg.HardRetries,
		gate:       concurrency,
		active:     make(map[string]*unit.UnitOfWork),
		closed:     make(map[string]bool),
		events:     make(chan Event, eventBuffer),
	}
}

// Events is the stream of scheduling effects for the orchestrator.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Enqueue appends a unit to the backlog in FIFO order and registers it
// with the report store.
func (s *Scheduler) Enqueue(u *unit.UnitOfWork) error {
	if u == nil || u.Browser.Name == "" {
		return ErrMalformedUnit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.backlog = append(s.backlog, u)
	s.store.Register(u.ID(), u.String())

	return nil
}

// Fill admits units up to the concurrency bound, emitting a launch event
// for each. Called once by the orchestrator after the plan is enqueued.
func (s *Scheduler) Fill() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		u := s.admitLocked()
		if u == nil {
			return
		}
		s.events <- Event{Kind: EventLaunch, Unit: u}
	}
}

// AdmitNext returns the next backlog entry if the concurrency gate
// allows it, marking it active. Returns nil when the gate is full or the
// backlog is drained.
func (s *Scheduler) AdmitNext() *unit.UnitOfWork {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitLocked()
}

func (s *Scheduler) admitLocked() *unit.UnitOfWork {
	if len(s.backlog) == 0 || len(s.active) >= s.gate {
		return nil
	}

	u := s.backlog[0]
	s.backlog = s.backlog[1:]
	s.active[u.ID()] = u

	return u
}

// ActiveCount returns the number of units holding a session slot.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// DecideAfterCompletion resolves a unit's runEnd outcome into exactly
// one decision. A unit's completion is resolved once: a second runEnd
// for an already-closed unit gets a plain advance with no state change.
// An id that was never scheduled is a contract violation and panics.
func (s *Scheduler) DecideAfterCompletion(unitID string, outcome Outcome) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.active[unitID]
	if !ok {
		if s.closed[unitID] {
			return Result{Decision: DecisionAdvance}
		}
		panic(fmt.Sprintf("scheduler: unknown unit id %q", unitID))
	}

	u.Total = outcome.Passed + outcome.Failed
	failed := outcome.Failed > 0 || s.store.HasPending(unitID)

	if failed && u.SoftRetries < s.softBudget {
		u.SoftRetries++
		s.log.WithFields(logrus.Fields{
			"unit":    u.String(),
			"attempt": u.SoftRetries,
			"budget":  s.softBudget,
		}).Info("soft retry: reloading page")
		return Result{Decision: DecisionSoftRetry, Unit: u}
	}

	if failed && u.HardRetries < s.hardBudget {
		u.HardRetries++
		s.log.WithFields(logrus.Fields{
			"unit":    u.String(),
			"attempt": u.HardRetries,
			"budget":  s.hardBudget,
		}).Info("hard retry: relaunching session")
		s.events <- Event{Kind: EventRelaunch, Unit: u}
		return Result{Decision: DecisionHardRetry, Unit: u}
	}

	// The unit is closed: it passed, or both budgets are spent.
	delete(s.active, unitID)
	s.closed[unitID] = true
	s.store.CloseUnit(unitID)

	if failed {
		s.log.WithField("unit", u.String()).Error("unit failed after exhausting retries")
	} else {
		s.log.WithField("unit", u.String()).Debug("unit passed")
	}

	// Isolated-flag chaining: hand the freed session straight to the
	// next queued unit when it runs the same browser configuration.
	if len(s.backlog) > 0 {
		next := s.backlog[0]
		if next.Browser == u.Browser && next.Headless == u.Headless {
			s.backlog = s.backlog[1:]
			s.active[next.ID()] = next
			return Result{Decision: DecisionAdvance, Unit: next}
		}
	}

	if next := s.admitLocked(); next != nil {
		s.events <- Event{Kind: EventLaunch, Unit: next}
	}

	if len(s.active) == 0 && len(s.backlog) == 0 {
		s.events <- Event{Kind: EventRunComplete}
		return Result{Decision: DecisionDone}
	}

	return Result{Decision: DecisionAdvance}
}

// IsActive reports whether a unit currently holds a session slot.
func (s *Scheduler) IsActive(unitID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[unitID]
	return ok
}

// IsResolvable reports whether a completion report may legitimately name
// this unit: it holds a session slot or has already been closed. Backlog
// entries have no session yet, so no page can be reporting for them.
func (s *Scheduler) IsResolvable(unitID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[unitID]; ok {
		return true
	}
	return s.closed[unitID]
}
