// Package config handles run configuration: flags, environment
// fallbacks, and the optional YAML browser manifest.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/browsertest/internal/unit"
)

// Validation errors.
var (
	ErrNoBrowsers      = errors.New("at least one browser must be requested")
	ErrHeadlessDebug   = errors.New("--headless and --debug are mutually exclusive")
	ErrBadConcurrency  = errors.New("concurrency must be at least 1")
	ErrNegativeRetries = errors.New("retry budgets must not be negative")
	ErrEmptyBasePath   = errors.New("base path is required")
	ErrRemoteNeedsGrid = errors.New("remote browsers require a grid URL")
	ErrManifestNoEntry = errors.New("browser manifest contains no browsers")
)

// Config is the immutable, process-wide configuration of one run.
type Config struct {
	BasePath      string
	Browsers      []unit.BrowserDescriptor
	Concurrency   int
	SoftRetries   int
	HardRetries   int
	Headless      bool
	Debug         bool
	Verbose       bool
	RunID         string
	Flags         []string
	IsolatedFlags []string

	// KeepRemoteOpen leaves remote sessions open on failure and prints a
	// dashboard hint instead of holding them like local debug sessions.
	KeepRemoteOpen bool

	GridURL         string
	TunnelCommand   string
	ListenAddr      string
	ShutdownTimeout time.Duration
}

// Normalize fills derived fields: the trailing-slash base path and the
// run identifier when none was supplied.
func (c *Config) Normalize(now time.Time) {
	if c.BasePath != "" && !strings.HasSuffix(c.BasePath, "/") {
		c.BasePath += "/"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = getEnv("BROWSERTEST_LISTEN", "127.0.0.1:0")
	}
	if c.GridURL == "" {
		c.GridURL = os.Getenv("BROWSERTEST_GRID_URL")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.RunID == "" {
		c.RunID = c.deriveRunID(now)
	}
}

// deriveRunID hashes the configuration together with the start
// timestamp, so two runs of the same configuration still get distinct
// identifiers.
func (c *Config) deriveRunID(now time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00%d\x00%t\x00", c.BasePath, c.Concurrency, c.SoftRetries, c.HardRetries, c.Headless)
	for _, b := range c.Browsers {
		fmt.Fprintf(h, "%s\x00", b)
	}
	for _, f := range c.Flags {
		fmt.Fprintf(h, "%s\x00", f)
	}
	for _, f := range c.IsolatedFlags {
		fmt.Fprintf(h, "%s\x00", f)
	}
	fmt.Fprintf(h, "%d", now.UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// Validate rejects incompatible or missing run parameters before any
// session starts.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		return ErrEmptyBasePath
	}
	if len(c.Browsers) == 0 {
		return ErrNoBrowsers
	}
	if c.Headless && c.Debug {
		return ErrHeadlessDebug
	}
	if c.Concurrency < 1 {
		return ErrBadConcurrency
	}
	if c.SoftRetries < 0 || c.HardRetries < 0 {
		return ErrNegativeRetries
	}

	for _, b := range c.Browsers {
		if b.Remote && c.GridURL == "" {
			return fmt.Errorf("%w: %s", ErrRemoteNeedsGrid, b)
		}
	}

	return nil
}

// HasRemote reports whether any requested browser runs on the grid.
func (c *Config) HasRemote() bool {
	for _, b := range c.Browsers {
		if b.Remote {
			return true
		}
	}
	return false
}

// manifest is the YAML browser manifest shape.
type manifest struct {
	Browsers []unit.BrowserDescriptor `yaml:"browsers"`
}

// LoadManifest reads browser descriptors from a YAML manifest file.
func LoadManifest(path string) ([]unit.BrowserDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading browser manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing browser manifest: %w", err)
	}
	if len(m.Browsers) == 0 {
		return nil, ErrManifestNoEntry
	}

	return m.Browsers, nil
}

// ParseBrowser parses a CLI browser argument of the form
// name[@version][:platform], e.g. "chromium", "firefox@128:linux".
func ParseBrowser(arg string, remote bool) unit.BrowserDescriptor {
	d := unit.BrowserDescriptor{Remote: remote}

	rest := arg
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		d.Platform = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		d.Version = rest[i+1:]
		rest = rest[:i]
	}
	d.Name = rest

	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
