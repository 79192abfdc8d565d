package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/browsertest/internal/unit"
)

var (
	// ErrUnknownBrowser is returned when a descriptor names a browser
	// Playwright cannot drive.
	ErrUnknownBrowser = errors.New("unknown browser name")
	// ErrNoMatchingBrowser is returned when grid resolution finds no
	// available browser for a requested descriptor.
	ErrNoMatchingBrowser = errors.New("no matching browser available on grid")
)

// LauncherConfig configures the Playwright-backed session provider.
type LauncherConfig struct {
	Logger  logrus.FieldLogger
	GridURL string
}

// Launcher launches browser sessions through Playwright: locally for
// local descriptors, over the grid's websocket endpoint for remote ones.
type Launcher struct {
	mu      sync.Mutex
	log     logrus.FieldLogger
	gridURL string
	pw      *playwright.Playwright
}

// NewLauncher creates a session provider. Start must be called before
// the first Launch.
func NewLauncher(cfg LauncherConfig) *Launcher {
	return &Launcher{
		log:     cfg.Logger.WithField("component", "launcher"),
		gridURL: cfg.GridURL,
	}
}

// Start installs the Playwright driver if needed and boots it.
func (l *Launcher) Start(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pw != nil {
		return nil
	}

	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("installing playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("starting playwright: %w", err)
	}
	l.pw = pw

	return nil
}

// Stop shuts Playwright down. Sessions must already be closed.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pw == nil {
		return nil
	}
	if err := l.pw.Stop(); err != nil {
		return fmt.Errorf("stopping playwright: %w", err)
	}
	l.pw = nil

	return nil
}

// Launch starts a fresh browser session for a unit of work.
func (l *Launcher) Launch(_ context.Context, u *unit.UnitOfWork) (*Session, error) {
	l.mu.Lock()
	pw := l.pw
	l.mu.Unlock()

	if pw == nil {
		return nil, errors.New("launcher not started")
	}

	bt, err := browserType(pw, u.Browser.Name)
	if err != nil {
		return nil, err
	}

	var browser playwright.Browser
	if u.Browser.Remote {
		browser, err = bt.Connect(l.gridURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to grid for %s: %w", u.Browser, err)
		}
	} else {
		browser, err = bt.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(u.Headless),
			Args:     u.Flags,
		})
		if err != nil {
			return nil, fmt.Errorf("launching %s: %w", u.Browser, err)
		}
	}

	page, err := browser.NewPage()
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("opening page for %s: %w", u.Browser, err)
	}

	l.log.WithFields(logrus.Fields{
		"unit":     u.String(),
		"remote":   u.Browser.Remote,
		"headless": u.Headless,
	}).Debug("launched session")

	return &Session{
		ID:     uuid.NewString(),
		UnitID: u.ID(),
		Remote: u.Browser.Remote,
		handle: &playwrightHandle{browser: browser, page: page},
	}, nil
}

func browserType(pw *playwright.Playwright, name string) (playwright.BrowserType, error) {
	switch strings.ToLower(name) {
	case "chromium", "chrome", "edge":
		return pw.Chromium, nil
	case "firefox":
		return pw.Firefox, nil
	case "webkit", "safari":
		return pw.WebKit, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBrowser, name)
	}
}

type playwrightHandle struct {
	browser playwright.Browser
	page    playwright.Page
}

func (h *playwrightHandle) Navigate(url string) error {
	if _, err := h.page.Goto(url); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

func (h *playwrightHandle) Close() error {
	_ = h.page.Close()
	if err := h.browser.Close(); err != nil {
		return fmt.Errorf("closing browser: %w", err)
	}
	return nil
}

// catalogEntry is one browser advertised by the grid's status endpoint.
type catalogEntry struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// GridResolver resolves requested remote descriptors against the grid's
// catalog, picking the latest available version that matches.
type GridResolver struct {
	log        logrus.FieldLogger
	catalogURL string
	client     *http.Client
}

// NewGridResolver creates a resolver for the grid at catalogURL.
func NewGridResolver(log logrus.FieldLogger, catalogURL string) *GridResolver {
	return &GridResolver{
		log:        log.WithField("component", "grid_resolver"),
		catalogURL: catalogURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Resolve fills in the concrete version for a remote descriptor. Local
// descriptors pass through unchanged. A descriptor that matches nothing
// on the grid is a fatal run error, surfaced to the orchestrator.
func (r *GridResolver) Resolve(ctx context.Context, d unit.BrowserDescriptor) (unit.BrowserDescriptor, error) {
	if !d.Remote {
		return d, nil
	}

	entries, err := r.fetchCatalog(ctx)
	if err != nil {
		return d, fmt.Errorf("fetching grid catalog: %w", err)
	}

	best := ""
	for _, e := range entries {
		if !strings.EqualFold(e.Name, d.Name) {
			continue
		}
		if d.Platform != "" && !strings.EqualFold(e.Platform, d.Platform) {
			continue
		}
		if d.Version != "" && e.Version != d.Version {
			continue
		}
		if best == "" || versionLess(best, e.Version) {
			best = e.Version
		}
	}

	if best == "" {
		return d, fmt.Errorf("%w: %s", ErrNoMatchingBrowser, d)
	}

	d.Version = best
	r.log.WithFields(logrus.Fields{
		"browser": d.Name,
		"version": best,
	}).Info("resolved remote browser")

	return d, nil
}

func (r *GridResolver) fetchCatalog(ctx context.Context) ([]catalogEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.catalogURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("grid catalog returned %s", resp.Status)
	}

	var entries []catalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding grid catalog: %w", err)
	}
	return entries, nil
}

// versionLess compares dotted version strings numerically per segment,
// falling back to string comparison for non-numeric segments.
func versionLess(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			if an != bn {
				return an < bn
			}
			continue
		}
		if as[i] != bs[i] {
			return as[i] < bs[i]
		}
	}
	return len(as) < len(bs)
}
