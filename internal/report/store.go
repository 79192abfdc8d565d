// Package report tracks per-unit test results for one run: pending
// failures, flaky demotions, observed totals, and the final ordered
// failure list.
package report

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// FailureDetail carries what the browser reported for a failing test.
type FailureDetail struct {
	Message string `json:"message"`
	Diff    string `json:"diff,omitempty"`
}

// Failure is one unresolved test failure, recorded when its unit closes.
type Failure struct {
	UnitID   string
	UnitName string
	TestName string
	Detail   FailureDetail
}

func (f Failure) String() string {
	s := fmt.Sprintf("%s: %s: %s", f.UnitName, f.TestName, f.Detail.Message)
	if f.Detail.Diff != "" {
		s += "\n" + f.Detail.Diff
	}
	return s
}

// FlakyWarning records a test that failed on one attempt and passed on a
// later attempt within the same unit's retry sequence.
type FlakyWarning struct {
	UnitID   string
	UnitName string
	TestName string
}

type unitState struct {
	name    string
	pending map[string]FailureDetail
	// order preserves first-failure order so the final failure list is
	// deterministic regardless of map iteration.
	order  []string
	total  int
	closed bool
}

// Store holds mutable per-unit report state for one run. It is owned by
// the scheduler/protocol pairing; a fresh Store is constructed per run so
// no state leaks across invocations.
type Store struct {
	mu       sync.Mutex
	log      logrus.FieldLogger
	units    map[string]*unitState
	failures []Failure
	flaky    []FlakyWarning
}

// NewStore creates an empty store scoped to one run.
func NewStore(log logrus.FieldLogger) *Store {
	return &Store{
		log:   log.WithField("component", "report_store"),
		units: make(map[string]*unitState),
	}
}

// Register makes the store aware of a unit before any reports arrive.
// Registering the same id twice is a no-op so retries of the same
// logical unit keep their accumulated state.
func (s *Store) Register(unitID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.units[unitID]; ok {
		return
	}
	s.units[unitID] = &unitState{
		name:    name,
		pending: make(map[string]FailureDetail),
	}
}

// Known reports whether a unit id has been registered for this run.
func (s *Store) Known(unitID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.units[unitID]
	return ok
}

// RecordTestResult records the outcome of a single test. A nil failure
// means the test passed; if a prior failure entry exists for the same
// name this is a flaky transition: the entry is evicted, a warning is
// recorded, and true is returned. A non-nil failure sets or overwrites
// the pending entry.
func (s *Store) RecordTestResult(unitID, testName string, failure *FailureDetail) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.mustUnit(unitID)

	if failure != nil {
		if _, exists := u.pending[testName]; !exists {
			u.order = append(u.order, testName)
		}
		u.pending[testName] = *failure
		return false
	}

	if _, exists := u.pending[testName]; !exists {
		return false
	}

	delete(u.pending, testName)
	for i, name := range u.order {
		if name == testName {
			u.order = append(u.order[:i], u.order[i+1:]...)
			break
		}
	}

	s.flaky = append(s.flaky, FlakyWarning{UnitID: unitID, UnitName: u.name, TestName: testName})
	s.log.WithFields(logrus.Fields{
		"unit": u.name,
		"test": testName,
	}).Warn("flaky test: failed earlier, passed on retry")

	return true
}

// FinalizeRun stores the total test count from a runEnd report and
// returns whether the unit still has unresolved failures. Once the unit
// is closed its aggregate is frozen: a stray duplicate runEnd changes
// nothing.
func (s *Store) FinalizeRun(unitID string, total int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.mustUnit(unitID)
	if u.closed {
		return false
	}
	u.total = total

	return len(u.pending) > 0
}

// HasPending reports whether a unit has unresolved failures.
func (s *Store) HasPending(unitID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mustUnit(unitID).pending) > 0
}

// CloseUnit moves the unit's unresolved failures onto the run-wide
// failure list, in first-failure order. Called exactly once, when the
// scheduler advances past the unit with both retry budgets spent or the
// unit passed.
func (s *Store) CloseUnit(unitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.mustUnit(unitID)
	if u.closed {
		return
	}
	u.closed = true

	for _, testName := range u.order {
		s.failures = append(s.failures, Failure{
			UnitID:   unitID,
			UnitName: u.name,
			TestName: testName,
			Detail:   u.pending[testName],
		})
	}
}

// Failures returns the run-wide failure list in the order units closed.
func (s *Store) Failures() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Failure, len(s.failures))
	copy(out, s.failures)
	return out
}

// FlakyWarnings returns every flaky demotion observed during the run.
func (s *Store) FlakyWarnings() []FlakyWarning {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FlakyWarning, len(s.flaky))
	copy(out, s.flaky)
	return out
}

// UnitsWithoutTests returns the names of units that never executed a
// test. A unit with total == 0 always fails the run.
func (s *Store) UnitsWithoutTests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for _, u := range s.units {
		if u.total == 0 {
			names = append(names, u.name)
		}
	}
	return names
}

// mustUnit panics on an unknown id: every report path validates ids
// before touching the store, so an unknown id here is a programming
// error, not a recoverable condition.
func (s *Store) mustUnit(unitID string) *unitState {
	u, ok := s.units[unitID]
	if !ok {
		panic(fmt.Sprintf("report: unknown unit id %q", unitID))
	}
	return u
}
