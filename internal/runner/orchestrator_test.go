package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/browsertest/internal/config"
	"github.com/ethpandaops/browsertest/internal/protocol"
	"github.com/ethpandaops/browsertest/internal/report"
	"github.com/ethpandaops/browsertest/internal/session"
	"github.com/ethpandaops/browsertest/internal/unit"
)

// attemptScript is what the fake page does on one suite attempt.
type attemptScript struct {
	tests  []protocol.TestEndPayload
	passed int
	failed int
}

// scriptFunc returns the script for a unit's nth attempt, 1-based and
// counted across soft and hard retries.
type scriptFunc func(u *unit.UnitOfWork, attempt int) attemptScript

// fakeProvider stands in for the Playwright launcher. Each launched
// session behaves like a real page: it loads the page URL, posts its
// scripted reports over HTTP, and follows the returned instructions.
type fakeProvider struct {
	mu        sync.Mutex
	script    scriptFunc
	attempts  map[string]int
	launches  int
	active    int
	maxActive int

	// optional teardown hooks
	onStop  func()
	onClose func()
}

func newFakeProvider(script scriptFunc) *fakeProvider {
	return &fakeProvider{script: script, attempts: make(map[string]int)}
}

func (p *fakeProvider) Start(context.Context) error { return nil }

func (p *fakeProvider) Stop() error {
	if p.onStop != nil {
		p.onStop()
	}
	return nil
}

func (p *fakeProvider) Launch(_ context.Context, u *unit.UnitOfWork) (*session.Session, error) {
	p.mu.Lock()
	p.launches++
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	id := fmt.Sprintf("fake-%d", p.launches)
	p.mu.Unlock()

	return session.NewSession(id, u.ID(), u.Browser.Remote, &fakeBrowser{provider: p, unit: u}), nil
}

func (p *fakeProvider) release() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

func (p *fakeProvider) stats() (launches, maxActive int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launches, p.maxActive
}

type fakeBrowser struct {
	provider *fakeProvider
	unit     *unit.UnitOfWork

	mu     sync.Mutex
	closed bool
}

func (b *fakeBrowser) Navigate(pageURL string) error {
	// A real page loads asynchronously; the report conversation runs on
	// its own goroutine.
	go b.run(pageURL)
	return nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.provider.release()
		if b.provider.onClose != nil {
			b.provider.onClose()
		}
	}
	return nil
}

func (b *fakeBrowser) run(pageURL string) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return
	}
	q := parsed.Query()
	unitID := q.Get("unit")
	reportURL := q.Get("report")

	p := b.provider
	p.mu.Lock()
	p.attempts[unitID]++
	script := p.script(b.unit, p.attempts[unitID])
	p.mu.Unlock()

	b.post(reportURL, protocol.Message{Kind: protocol.KindAck, UnitID: unitID})

	for _, te := range script.tests {
		payload, _ := json.Marshal(te)
		b.post(reportURL, protocol.Message{Kind: protocol.KindTestEnd, UnitID: unitID, Payload: payload})
	}

	payload, _ := json.Marshal(protocol.RunEndPayload{Passed: script.passed, Failed: script.failed})
	in := b.post(reportURL, protocol.Message{Kind: protocol.KindRunEnd, UnitID: unitID, Payload: payload})
	if in != nil && in.Action == protocol.ActionNavigate {
		b.run(in.URL)
	}
}

func (b *fakeBrowser) post(reportURL string, msg protocol.Message) *protocol.Instruction {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	resp, err := http.Post(reportURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var in protocol.Instruction
	if err := json.NewDecoder(resp.Body).Decode(&in); err != nil {
		return nil
	}
	return &in
}

type passthroughResolver struct{}

func (passthroughResolver) Resolve(_ context.Context, d unit.BrowserDescriptor) (unit.BrowserDescriptor, error) {
	return d, nil
}

type failingResolver struct{ err error }

func (r failingResolver) Resolve(_ context.Context, d unit.BrowserDescriptor) (unit.BrowserDescriptor, error) {
	return d, r.err
}

func runConfig(browsers ...unit.BrowserDescriptor) *config.Config {
	cfg := &config.Config{
		BasePath:        "http://suite.invalid/tests",
		Browsers:        browsers,
		Concurrency:     1,
		ListenAddr:      "127.0.0.1:0",
		ShutdownTimeout: 5 * time.Second,
	}
	cfg.Normalize(time.Now())
	return cfg
}

func newOrchestrator(t *testing.T, cfg *config.Config, provider session.Provider) (*Orchestrator, *bytes.Buffer) {
	t.Helper()

	require.NoError(t, cfg.Validate())

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	out := new(bytes.Buffer)
	o := New(Config{
		Logger:   log,
		Run:      cfg,
		Provider: provider,
		Resolver: passthroughResolver{},
		Tunnel:   NoopTunnel{},
		Writer:   out,
	})
	return o, out
}

func passing(n int) scriptFunc {
	return func(_ *unit.UnitOfWork, _ int) attemptScript {
		return attemptScript{passed: n}
	}
}

func TestRun_AllPass(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(passing(12))
	o, out := newOrchestrator(t, runConfig(unit.BrowserDescriptor{Name: "chromium"}), provider)

	require.NoError(t, o.Run(context.Background()))
	require.Contains(t, out.String(), "all 1 unit(s) passed")
	require.Empty(t, o.store.Failures())
}

func TestRun_FlakyTestPassesWithOneWarning(t *testing.T) {
	t.Parallel()

	script := func(_ *unit.UnitOfWork, attempt int) attemptScript {
		if attempt == 1 {
			return attemptScript{
				tests: []protocol.TestEndPayload{{
					Name:    "loads the dashboard",
					Failure: &report.FailureDetail{Message: "timed out"},
				}},
				passed: 4, failed: 1,
			}
		}
		return attemptScript{
			tests:  []protocol.TestEndPayload{{Name: "loads the dashboard"}},
			passed: 5,
		}
	}

	cfg := runConfig(unit.BrowserDescriptor{Name: "chromium"})
	cfg.SoftRetries = 1
	provider := newFakeProvider(script)
	o, out := newOrchestrator(t, cfg, provider)

	require.NoError(t, o.Run(context.Background()))

	require.Empty(t, o.store.Failures())
	warnings := o.store.FlakyWarnings()
	require.Len(t, warnings, 1)
	require.Equal(t, "loads the dashboard", warnings[0].TestName)
	require.Contains(t, out.String(), "flaky test")

	// The retry reloaded the page on the same session.
	launches, _ := provider.stats()
	require.Equal(t, 1, launches)
}

func TestRun_PersistentFailureRecordedOnce(t *testing.T) {
	t.Parallel()

	script := func(_ *unit.UnitOfWork, _ int) attemptScript {
		return attemptScript{
			tests: []protocol.TestEndPayload{{
				Name:    "saves the form",
				Failure: &report.FailureDetail{Message: "assertion failed", Diff: "-want\n+got"},
			}},
			passed: 2, failed: 1,
		}
	}

	cfg := runConfig(unit.BrowserDescriptor{Name: "chromium"})
	cfg.SoftRetries = 1
	provider := newFakeProvider(script)
	o, _ := newOrchestrator(t, cfg, provider)

	err := o.Run(context.Background())
	require.ErrorIs(t, err, ErrRunFailed)

	failures := o.store.Failures()
	require.Len(t, failures, 1)
	require.Equal(t, "saves the form", failures[0].TestName)
}

func TestRun_HardRetryRelaunchesSession(t *testing.T) {
	t.Parallel()

	script := func(_ *unit.UnitOfWork, attempt int) attemptScript {
		if attempt == 1 {
			return attemptScript{passed: 0, failed: 3}
		}
		return attemptScript{passed: 3}
	}

	cfg := runConfig(unit.BrowserDescriptor{Name: "chromium"})
	cfg.HardRetries = 1
	provider := newFakeProvider(script)
	o, _ := newOrchestrator(t, cfg, provider)

	require.NoError(t, o.Run(context.Background()))

	launches, _ := provider.stats()
	require.Equal(t, 2, launches)
}

func TestRun_ZeroTestsFailsRunDespiteOtherBrowserPassing(t *testing.T) {
	t.Parallel()

	script := func(u *unit.UnitOfWork, _ int) attemptScript {
		if u.Browser.Name == "firefox" {
			return attemptScript{} // page loaded but no tests ran
		}
		return attemptScript{passed: 9}
	}

	cfg := runConfig(
		unit.BrowserDescriptor{Name: "chromium"},
		unit.BrowserDescriptor{Name: "firefox"},
	)
	provider := newFakeProvider(script)
	o, out := newOrchestrator(t, cfg, provider)

	err := o.Run(context.Background())
	require.ErrorIs(t, err, ErrRunFailed)
	require.Contains(t, out.String(), "no tests were executed")
	require.Empty(t, o.store.Failures())
}

func TestRun_ConcurrencyBoundHolds(t *testing.T) {
	t.Parallel()

	browsers := []unit.BrowserDescriptor{
		{Name: "chromium"}, {Name: "firefox"}, {Name: "webkit"},
		{Name: "chromium", Version: "beta"}, {Name: "firefox", Version: "beta"},
		{Name: "webkit", Version: "beta"},
	}
	cfg := runConfig(browsers...)
	cfg.Concurrency = 2

	provider := newFakeProvider(passing(3))
	o, _ := newOrchestrator(t, cfg, provider)

	require.NoError(t, o.Run(context.Background()))

	launches, maxActive := provider.stats()
	require.Equal(t, len(browsers), launches)
	require.LessOrEqual(t, maxActive, 2)
}

func TestRun_IsolatedFlagChainingReusesSession(t *testing.T) {
	t.Parallel()

	cfg := runConfig(unit.BrowserDescriptor{Name: "chromium"})
	cfg.IsolatedFlags = []string{"--experimental-a", "--experimental-b"}

	provider := newFakeProvider(passing(4))
	o, _ := newOrchestrator(t, cfg, provider)

	require.NoError(t, o.Run(context.Background()))

	// Three units, one session: the advance decisions chained it.
	launches, _ := provider.stats()
	require.Equal(t, 1, launches)
}

type teardownRecorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *teardownRecorder) record(step string) {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	r.mu.Unlock()
}

type recordingTunnel struct{ rec *teardownRecorder }

func (recordingTunnel) Start(context.Context) error { return nil }

func (t recordingTunnel) Stop() error {
	t.rec.record("tunnel")
	return nil
}

func TestRun_TeardownClosesSessionsThenTunnelThenProvider(t *testing.T) {
	t.Parallel()

	rec := &teardownRecorder{}
	provider := newFakeProvider(passing(2))
	provider.onClose = func() { rec.record("sessions") }
	provider.onStop = func() { rec.record("provider") }

	cfg := runConfig(unit.BrowserDescriptor{Name: "chromium"})
	require.NoError(t, cfg.Validate())

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	o := New(Config{
		Logger:   log,
		Run:      cfg,
		Provider: provider,
		Resolver: passthroughResolver{},
		Tunnel:   recordingTunnel{rec: rec},
		Writer:   new(bytes.Buffer),
	})

	require.NoError(t, o.Run(context.Background()))
	require.Equal(t, []string{"sessions", "tunnel", "provider"}, rec.steps)
}

func TestRun_ResolutionFailureAbortsBeforeLaunch(t *testing.T) {
	t.Parallel()

	cfg := runConfig(unit.BrowserDescriptor{Name: "chromium", Remote: true})
	cfg.GridURL = "http://grid.invalid"
	require.NoError(t, cfg.Validate())

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	provider := newFakeProvider(passing(1))
	resolveErr := errors.New("no such browser on grid")
	o := New(Config{
		Logger:   log,
		Run:      cfg,
		Provider: provider,
		Resolver: failingResolver{err: resolveErr},
		Tunnel:   NoopTunnel{},
		Writer:   new(bytes.Buffer),
	})

	err := o.Run(context.Background())
	require.ErrorIs(t, err, resolveErr)

	launches, _ := provider.stats()
	require.Zero(t, launches)
}
