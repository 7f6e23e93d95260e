package budget

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/greyhelm/lorekeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager("", nil)
	require.NoError(t, err)
	return m
}

func TestCheckThresholds(t *testing.T) {
	m := newManager(t)
	m.SetLimit(ScopeDaily, 1.00)

	m.SetSpent(ScopeDaily, 0.10)
	assert.Equal(t, ActionAllow, m.Check().Action)

	m.SetSpent(ScopeDaily, 0.85)
	d := m.Check()
	assert.Equal(t, ActionWarn, d.Action, "85%% spent warns")
	assert.Equal(t, ScopeDaily, d.Scope)

	m.SetSpent(ScopeDaily, 0.96)
	assert.Equal(t, ActionDowngrade, m.Check().Action, "96%% spent downgrades")

	m.SetSpent(ScopeDaily, 1.00)
	assert.Equal(t, ActionReject, m.Check().Action, "at the hard limit rejects")
}

func TestHardLimitInvariant(t *testing.T) {
	m := newManager(t)
	m.SetLimit(ScopeTotal, 5.00)
	m.SetSpent(ScopeTotal, 4.50)

	// projected > limit − spent must reject
	d := m.Fits(0.51)
	assert.Equal(t, ActionReject, d.Action)

	err := d.RejectError()
	assert.Equal(t, types.ErrBudgetExceeded, err.Code)
	assert.Equal(t, "total", err.Scope)

	// exactly at the limit dispatches
	assert.Equal(t, ActionAllow, m.Fits(0.50).Action)
}

func TestStrictestScopeWins(t *testing.T) {
	m := newManager(t)
	m.SetLimit(ScopeSession, 10.00)
	m.SetLimit(ScopeDaily, 1.00)
	m.SetSpent(ScopeDaily, 1.00)

	d := m.Check()
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, ScopeDaily, d.Scope)
}

func TestWarnEvents(t *testing.T) {
	m := newManager(t)
	m.SetLimit(ScopeDaily, 1.00)
	m.SetSpent(ScopeDaily, 0.85)

	var events []Event
	m.OnWarn(func(e Event) { events = append(events, e) })

	m.Check()
	require.Len(t, events, 1)
	assert.Equal(t, ScopeDaily, events[0].Scope)
	assert.Equal(t, ActionWarn, events[0].Action)
}

func TestDebitAppliesToAllScopes(t *testing.T) {
	m := newManager(t)
	m.SetLimit(ScopeDaily, 10)
	m.Debit(0.25)
	m.Debit(0.50)

	status := m.Status()
	assert.InDelta(t, 0.75, status[ScopeDaily].Spent, 1e-9)
	assert.InDelta(t, 0.75, status[ScopeSession].Spent, 1e-9)
	assert.InDelta(t, 0.75, status[ScopeTotal].Spent, 1e-9)
}

func TestDailyRollover(t *testing.T) {
	m := newManager(t)
	base := time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.SetLimit(ScopeDaily, 1)
	m.Debit(0.90)

	assert.Equal(t, ActionReject, m.Fits(0.20).Action)

	// Next day: daily resets, total does not.
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, ActionAllow, m.Fits(0.20).Action)
	assert.InDelta(t, 0.90, m.Status()[ScopeTotal].Spent, 1e-9)
	assert.Zero(t, m.Status()[ScopeDaily].Spent)
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.json")
	m, err := NewManager(path, nil)
	require.NoError(t, err)
	m.SetLimit(ScopeDaily, 2.00)
	m.Debit(0.40)

	// Single JSON document on disk.
	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := NewManager(path, nil)
	require.NoError(t, err)
	status := reloaded.Status()
	assert.InDelta(t, 2.00, status[ScopeDaily].Limit, 1e-9)
	assert.InDelta(t, 0.40, status[ScopeDaily].Spent, 1e-9)
}
