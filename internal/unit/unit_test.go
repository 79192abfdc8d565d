package unit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestID_Deterministic(t *testing.T) {
	t.Parallel()

	a := &UnitOfWork{
		Browser:      BrowserDescriptor{Name: "chromium", Version: "120", Platform: "linux"},
		Flags:        []string{"--enable-foo", "--bar=1"},
		IsolatedFlag: "--isolated",
		Headless:     true,
	}
	b := &UnitOfWork{
		Browser:      BrowserDescriptor{Name: "chromium", Version: "120", Platform: "linux"},
		Flags:        []string{"--enable-foo", "--bar=1"},
		IsolatedFlag: "--isolated",
		Headless:     true,
	}

	require.Equal(t, a.ID(), b.ID())
	require.Len(t, a.ID(), 16)
}

func TestID_StableAcrossRetries(t *testing.T) {
	t.Parallel()

	u := &UnitOfWork{Browser: BrowserDescriptor{Name: "firefox"}}
	id := u.ID()

	u.SoftRetries = 2
	u.HardRetries = 1
	u.Total = 40

	require.Equal(t, id, u.ID())
}

func TestID_DistinguishesComposingFields(t *testing.T) {
	t.Parallel()

	base := &UnitOfWork{Browser: BrowserDescriptor{Name: "chromium"}, Flags: []string{"--a"}}

	variants := []*UnitOfWork{
		{Browser: BrowserDescriptor{Name: "firefox"}, Flags: []string{"--a"}},
		{Browser: BrowserDescriptor{Name: "chromium"}, Flags: []string{"--b"}},
		{Browser: BrowserDescriptor{Name: "chromium"}, Flags: []string{"--a"}, IsolatedFlag: "--a"},
		{Browser: BrowserDescriptor{Name: "chromium"}, Flags: []string{"--a"}, Headless: true},
		{Browser: BrowserDescriptor{Name: "chromium", Remote: true}, Flags: []string{"--a"}},
	}

	seen := map[string]bool{base.ID(): true}
	for _, v := range variants {
		require.False(t, seen[v.ID()], "id collision for %s", v)
		seen[v.ID()] = true
	}
}

func TestBuildPlan_OrderAndShape(t *testing.T) {
	t.Parallel()

	browsers := []BrowserDescriptor{
		{Name: "chromium"},
		{Name: "firefox"},
	}
	plan := BuildPlan(browsers, []string{"--shared"}, []string{"--iso-a", "--iso-b"}, true)

	require.Len(t, plan, 6)

	// Enumeration order is browser-major, isolated flags after the shared unit.
	require.Equal(t, "chromium", plan[0].Browser.Name)
	require.Empty(t, plan[0].IsolatedFlag)
	require.Equal(t, "--iso-a", plan[1].IsolatedFlag)
	require.Equal(t, "--iso-b", plan[2].IsolatedFlag)
	require.Equal(t, "firefox", plan[3].Browser.Name)

	// Isolated units carry the shared flags plus their own.
	require.Equal(t, []string{"--shared", "--iso-a"}, plan[1].Flags)

	for _, u := range plan {
		require.True(t, u.Headless)
	}
}

func TestBuildPlan_SharedFlagsNotAliased(t *testing.T) {
	t.Parallel()

	plan := BuildPlan([]BrowserDescriptor{{Name: "chromium"}}, []string{"--shared"}, []string{"--iso"}, false)
	plan[1].Flags[0] = "--mutated"

	require.Equal(t, []string{"--shared"}, plan[0].Flags)
}
