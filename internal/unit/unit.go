// Package unit defines the unit-of-work model for a test run: one
// (browser, flag-set, isolated-flag) combination executed to completion,
// possibly across several retries.
package unit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// idLength is the number of hex characters kept from the content hash.
const idLength = 16

// BrowserDescriptor identifies a requested browser. Version is empty for
// local browsers and filled in by grid resolution for remote ones.
type BrowserDescriptor struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version,omitempty"`
	Platform string `yaml:"platform,omitempty"`
	Remote   bool   `yaml:"remote,omitempty"`
}

func (b BrowserDescriptor) String() string {
	parts := []string{b.Name}
	if b.Version != "" {
		parts = append(parts, b.Version)
	}
	if b.Platform != "" {
		parts = append(parts, b.Platform)
	}
	origin := "local"
	if b.Remote {
		origin = "remote"
	}
	return fmt.Sprintf("%s (%s)", strings.Join(parts, " "), origin)
}

// UnitOfWork is one test-page execution to be driven to completion.
// The retry counters are owned by the scheduler; Total is written once
// the first runEnd report arrives.
type UnitOfWork struct {
	Browser      BrowserDescriptor
	Flags        []string
	IsolatedFlag string
	Headless     bool

	SoftRetries int
	HardRetries int
	Total       int
}

// ID returns the deterministic content hash identifying this unit. It is
// a pure function of the composing fields, so the same logical unit maps
// to the same id across retries and re-derivations. Retry counters and
// observed totals deliberately do not participate.
func (u *UnitOfWork) ID() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", u.Browser.Name, u.Browser.Version, u.Browser.Platform)
	fmt.Fprintf(h, "%t\x00%t\x00", u.Browser.Remote, u.Headless)
	for _, f := range u.Flags {
		fmt.Fprintf(h, "%s\x00", f)
	}
	fmt.Fprintf(h, "\x01%s", u.IsolatedFlag)
	return hex.EncodeToString(h.Sum(nil))[:idLength]
}

func (u *UnitOfWork) String() string {
	if u.IsolatedFlag != "" {
		return fmt.Sprintf("%s [%s]", u.Browser, u.IsolatedFlag)
	}
	return u.Browser.String()
}

// BuildPlan enumerates the units of work for a run in request order:
// for each browser, one unit carrying the shared flag set, then one unit
// per isolated flag. The returned order is the scheduler's FIFO order.
func BuildPlan(browsers []BrowserDescriptor, flags, isolated []string, headless bool) []*UnitOfWork {
	plan := make([]*UnitOfWork, 0, len(browsers)*(1+len(isolated)))
	for _, b := range browsers {
		plan = append(plan, &UnitOfWork{
			Browser:  b,
			Flags:    flags,
			Headless: headless,
		})

		for _, iso := range isolated {
			plan = append(plan, &UnitOfWork{
				Browser:      b,
				Flags:        append(append([]string{}, flags...), iso),
				IsolatedFlag: iso,
				Headless:     headless,
			})
		}
	}
	return plan
}
