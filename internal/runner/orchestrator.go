// Package runner drives one test run end to end: it enumerates the
// units of work, hosts the report transport, launches browser sessions
// as the scheduler admits them, and turns the collected results into a
// final verdict.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/browsertest/internal/config"
	"github.com/ethpandaops/browsertest/internal/protocol"
	"github.com/ethpandaops/browsertest/internal/report"
	"github.com/ethpandaops/browsertest/internal/scheduler"
	"github.com/ethpandaops/browsertest/internal/session"
	"github.com/ethpandaops/browsertest/internal/unit"
)

// ErrRunFailed is the terminal verdict of a run with unresolved failures
// or units that never executed a test.
var ErrRunFailed = errors.New("test run failed")

// Config wires the orchestrator's collaborators. Provider, Resolver and
// Tunnel default to the Playwright launcher, the grid resolver and a
// noop tunnel when unset.
type Config struct {
	Logger   logrus.FieldLogger
	Run      *config.Config
	Provider session.Provider
	Resolver session.Resolver
	Tunnel   Tunnel
	Writer   io.Writer
}

// Orchestrator coordinates one run from plan to verdict.
type Orchestrator struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	provider session.Provider
	resolver session.Resolver
	tunnel   Tunnel
	out      io.Writer

	store    *report.Store
	sessions *session.Registry
	sched    *scheduler.Scheduler
	metrics  *protocol.Metrics
	server   *http.Server

	mu        sync.Mutex
	reportURL string

	fatalOnce sync.Once
	fatalErr  error
	fatalCh   chan struct{}
}

// New builds an orchestrator and its run-scoped state. The report
// store, session registry and scheduler are constructed fresh here so
// no state survives across runs.
func New(cfg Config) *Orchestrator {
	log := cfg.Logger.WithField("component", "orchestrator")

	run := cfg.Run

	provider := cfg.Provider
	if provider == nil {
		provider = session.NewLauncher(session.LauncherConfig{Logger: cfg.Logger, GridURL: run.GridURL})
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = session.NewGridResolver(cfg.Logger, run.GridURL+"/status")
	}
	tunnel := cfg.Tunnel
	if tunnel == nil {
		if run.HasRemote() && run.TunnelCommand != "" {
			tunnel = NewCommandTunnel(cfg.Logger, run.TunnelCommand)
		} else {
			tunnel = NoopTunnel{}
		}
	}
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}

	store := report.NewStore(cfg.Logger)
	sessions := session.NewRegistry(cfg.Logger)
	sched := scheduler.New(scheduler.Config{
		Logger:      cfg.Logger,
		Store:       store,
		Concurrency: run.Concurrency,
		SoftRetries: run.SoftRetries,
		HardRetries: run.HardRetries,
	})

	o := &Orchestrator{
		log:      log,
		cfg:      run,
		provider: provider,
		resolver: resolver,
		tunnel:   tunnel,
		out:      out,
		store:    store,
		sessions: sessions,
		sched:    sched,
		metrics:  protocol.NewMetrics(),
		fatalCh:  make(chan struct{}),
	}

	handler := protocol.NewHandler(protocol.Config{
		Logger:    cfg.Logger,
		Scheduler: sched,
		Store:     store,
		Sessions:  sessions,
		Metrics:   o.metrics,
		PageURL:   o.pageURL,
	})
	o.server = &http.Server{
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return o
}

// Run drives the run to completion or a terminal failure. A nil return
// means every unit passed with at least one test executed.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	browsers, err := o.resolveBrowsers(runCtx)
	if err != nil {
		return err
	}

	if o.cfg.HasRemote() {
		if err := o.tunnel.Start(runCtx); err != nil {
			return fmt.Errorf("establishing tunnel: %w", err)
		}
	}

	if err := o.provider.Start(runCtx); err != nil {
		o.stopTunnel()
		return fmt.Errorf("starting browser provider: %w", err)
	}

	ln, err := net.Listen("tcp", o.cfg.ListenAddr)
	if err != nil {
		o.stopTunnel()
		o.stopProvider()
		return fmt.Errorf("starting report transport: %w", err)
	}
	o.log.WithField("addr", ln.Addr().String()).Debug("report transport listening")
	o.mu.Lock()
	o.reportURL = "http://" + ln.Addr().String() + "/report"
	o.mu.Unlock()
	go func() {
		if serveErr := o.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			o.fail(fmt.Errorf("report transport: %w", serveErr))
		}
	}()

	plan := unit.BuildPlan(browsers, o.cfg.Flags, o.cfg.IsolatedFlags, o.cfg.Headless)
	for _, u := range plan {
		if err := o.sched.Enqueue(u); err != nil {
			err = fmt.Errorf("enqueueing %s: %w", u, err)
			o.shutdown(err)
			return err
		}
	}

	o.log.WithFields(logrus.Fields{
		"run":         o.cfg.RunID,
		"units":       len(plan),
		"concurrency": o.cfg.Concurrency,
	}).Info("starting test run")

	o.sched.Fill()

	verdict := o.eventLoop(runCtx, cancel)
	if verdict == nil {
		verdict = o.verdict(plan)
	}

	o.shutdown(verdict)

	return verdict
}

// resolveBrowsers resolves each requested descriptor; remote ones get a
// concrete version from the grid catalog. Any resolution failure aborts
// the run before a single session starts.
func (o *Orchestrator) resolveBrowsers(ctx context.Context) ([]unit.BrowserDescriptor, error) {
	resolved := make([]unit.BrowserDescriptor, 0, len(o.cfg.Browsers))
	for _, b := range o.cfg.Browsers {
		d, err := o.resolver.Resolve(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("resolving browser %s: %w", b, err)
		}
		resolved = append(resolved, d)
	}
	return resolved, nil
}

// eventLoop acts on scheduler events until the run completes, a fatal
// error is recorded, or the context is interrupted.
func (o *Orchestrator) eventLoop(ctx context.Context, cancel context.CancelFunc) error {
	for {
		select {
		case ev := <-o.sched.Events():
			switch ev.Kind {
			case scheduler.EventLaunch:
				go o.launch(ctx, ev.Unit)
			case scheduler.EventRelaunch:
				go o.relaunch(ctx, ev.Unit)
			case scheduler.EventRunComplete:
				return nil
			}

		case <-o.fatalCh:
			cancel()
			return o.fatalErr

		case <-ctx.Done():
			return fmt.Errorf("run interrupted: %w", ctx.Err())
		}
	}
}

// launch starts a fresh session for a unit and points it at its test
// page. A launch failure is fatal for the whole run: partial browser
// coverage is a run failure, not something to skip past.
func (o *Orchestrator) launch(ctx context.Context, u *unit.UnitOfWork) {
	sess, err := o.provider.Launch(ctx, u)
	if err != nil {
		if ctx.Err() == nil {
			o.fail(fmt.Errorf("launching session for %s: %w", u, err))
		}
		return
	}

	o.sessions.Add(sess)

	if err := sess.Navigate(o.pageURL(u)); err != nil {
		if ctx.Err() == nil {
			o.fail(fmt.Errorf("loading test page for %s: %w", u, err))
		}
	}
}

// relaunch discards a unit's current session and starts a fresh one
// (hard retry).
func (o *Orchestrator) relaunch(ctx context.Context, u *unit.UnitOfWork) {
	if old := o.sessions.Remove(u.ID()); old != nil {
		if err := old.Close(); err != nil {
			o.log.WithError(err).WithField("unit", u.String()).Warn("failed to close session for hard retry")
		}
	}
	o.launch(ctx, u)
}

// pageURL builds the URL a unit's session loads: the suite root with the
// unit's correlation id, the run id, the report endpoint the page posts
// back to, and the unit's flags.
func (o *Orchestrator) pageURL(u *unit.UnitOfWork) string {
	o.mu.Lock()
	reportURL := o.reportURL
	o.mu.Unlock()

	v := url.Values{}
	v.Set("unit", u.ID())
	v.Set("run", o.cfg.RunID)
	if reportURL != "" {
		v.Set("report", reportURL)
	}
	for _, f := range u.Flags {
		v.Add("flag", f)
	}
	return o.cfg.BasePath + "?" + v.Encode()
}

// verdict computes the run's final outcome and prints the summary.
func (o *Orchestrator) verdict(plan []*unit.UnitOfWork) error {
	failures := o.store.Failures()
	flaky := o.store.FlakyWarnings()
	noTests := o.store.UnitsWithoutTests()

	for _, w := range flaky {
		fmt.Fprintf(o.out, "WARNING: flaky test %q on %s passed on retry\n", w.TestName, w.UnitName)
	}
	for _, f := range failures {
		fmt.Fprintf(o.out, "FAILED: %s\n", f)
	}
	for _, name := range noTests {
		fmt.Fprintf(o.out, "FAILED: %s: no tests were executed\n", name)
	}

	switch {
	case len(failures) > 0:
		return fmt.Errorf("%w: %d failure(s) across %d unit(s)", ErrRunFailed, len(failures), len(plan))
	case len(noTests) > 0:
		return fmt.Errorf("%w: %d unit(s) executed no tests", ErrRunFailed, len(noTests))
	default:
		fmt.Fprintf(o.out, "all %d unit(s) passed\n", len(plan))
		return nil
	}
}

// shutdown tears the run down in order: sessions, then the tunnel, then
// the provider, and the transport last so in-flight reports can still
// drain. Everything is bounded by the configured shutdown timeout. In
// debug mode a failed run holds its local sessions open for inspection
// until the operator confirms.
func (o *Orchestrator) shutdown(verdict error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
	defer cancel()

	// Only a test-failure verdict holds sessions for inspection; an
	// interrupt or fatal error proceeds straight to cleanup.
	if errors.Is(verdict, ErrRunFailed) {
		o.holdForInspection()
	}

	o.sessions.CleanupAll(ctx)
	o.stopTunnel()
	o.stopProvider()

	if err := o.server.Shutdown(ctx); err != nil {
		o.log.WithError(err).Warn("report transport did not shut down cleanly")
	}
}

func (o *Orchestrator) stopTunnel() {
	if err := o.tunnel.Stop(); err != nil {
		o.log.WithError(err).Warn("failed to stop tunnel")
	}
}

func (o *Orchestrator) stopProvider() {
	if err := o.provider.Stop(); err != nil {
		o.log.WithError(err).Warn("failed to stop browser provider")
	}
}

// holdForInspection implements the debug-mode hold. Remote sessions
// cannot usefully be inspected through a local hold; when configured to
// stay open they are dropped from the registry so cleanup skips them,
// and a dashboard hint is printed instead.
func (o *Orchestrator) holdForInspection() {
	if o.cfg.KeepRemoteOpen {
		if kept := o.sessions.DropRemote(); kept > 0 {
			fmt.Fprintf(o.out, "%d remote session(s) left open; inspect them on the grid dashboard at %s\n", kept, o.cfg.GridURL)
		}
	}

	if !o.cfg.Debug {
		return
	}

	fmt.Fprintln(o.out, "debug mode: browser sessions left open for inspection")
	confirmed := false
	prompt := &survey.Confirm{Message: "Close browser sessions and exit?", Default: true}
	if err := survey.AskOne(prompt, &confirmed); err != nil {
		o.log.WithError(err).Debug("debug prompt aborted")
	}
}

// fail records the first fatal error and wakes the event loop.
func (o *Orchestrator) fail(err error) {
	o.fatalOnce.Do(func() {
		o.log.WithError(err).Error("fatal run error")
		o.fatalErr = err
		close(o.fatalCh)
	})
}
