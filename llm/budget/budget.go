// Package budget enforces per-scope spending limits. Thresholds drive the
// router's behavior: below 80% dispatch is normal, 80–95% warns, 95–100%
// downgrades the model, and at or past the hard limit requests are
// rejected. State persists as a single JSON document.
package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/greyhelm/lorekeeper/types"
	"go.uber.org/zap"
)

// Scope enumerates budget windows.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeDaily   Scope = "daily"
	ScopeMonthly Scope = "monthly"
	ScopeTotal   Scope = "total"
)

// Scopes in checking order.
var Scopes = []Scope{ScopeSession, ScopeDaily, ScopeMonthly, ScopeTotal}

// Threshold fractions.
const (
	warnThreshold      = 0.80
	downgradeThreshold = 0.95
)

// Action is what the router must do with a request.
type Action int

const (
	ActionAllow Action = iota
	ActionWarn
	ActionDowngrade
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionWarn:
		return "warn"
	case ActionDowngrade:
		return "downgrade"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a pre-dispatch budget check.
type Decision struct {
	Action Action  `json:"action"`
	Scope  Scope   `json:"scope,omitempty"`
	Limit  float64 `json:"limit,omitempty"`
	Spent  float64 `json:"spent,omitempty"`
}

// Event is a warning surfaced to the application layer.
type Event struct {
	Scope     Scope     `json:"scope"`
	Action    Action    `json:"action"`
	Limit     float64   `json:"limit"`
	Spent     float64   `json:"spent"`
	Timestamp time.Time `json:"timestamp"`
}

// ScopeStatus is the per-scope view for reporting.
type ScopeStatus struct {
	Limit float64 `json:"limit"`
	Spent float64 `json:"spent"`
}

// persisted is the single JSON document on disk.
type persisted struct {
	Limits     map[Scope]float64   `json:"limits"`
	Spent      map[Scope]float64   `json:"spent"`
	DailyDate  string              `json:"daily_date,omitempty"`
	MonthDate  string              `json:"month_date,omitempty"`
}

// Manager owns budget state. Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	path   string
	doc    persisted
	logger *zap.Logger
	onWarn func(Event)
	now    func() time.Time
}

// NewManager loads (or initializes) budget state at path. path may be
// empty for in-memory budgets (tests, sessions without persistence).
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		path:   path,
		logger: logger,
		now:    time.Now,
		doc: persisted{
			Limits: make(map[Scope]float64),
			Spent:  make(map[Scope]float64),
		},
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &m.doc); err != nil {
				return nil, fmt.Errorf("parse budget state: %w", err)
			}
			if m.doc.Limits == nil {
				m.doc.Limits = make(map[Scope]float64)
			}
			if m.doc.Spent == nil {
				m.doc.Spent = make(map[Scope]float64)
			}
		case os.IsNotExist(err):
			// fresh state
		default:
			return nil, fmt.Errorf("read budget state: %w", err)
		}
	}
	m.rollover()
	return m, nil
}

// OnWarn registers the warning event callback.
func (m *Manager) OnWarn(fn func(Event)) {
	m.mu.Lock()
	m.onWarn = fn
	m.mu.Unlock()
}

// SetLimit sets a scope's limit. Zero removes the limit.
func (m *Manager) SetLimit(scope Scope, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount <= 0 {
		delete(m.doc.Limits, scope)
	} else {
		m.doc.Limits[scope] = amount
	}
	m.persistLocked()
}

// SetSpent force-sets consumption (tests, migration).
func (m *Manager) SetSpent(scope Scope, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Spent[scope] = amount
	m.persistLocked()
}

// rollover resets daily/monthly consumption when the window changed.
// Caller need not hold the lock during construction; runtime callers do.
func (m *Manager) rollover() {
	now := m.now()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")
	if m.doc.DailyDate != day {
		m.doc.DailyDate = day
		m.doc.Spent[ScopeDaily] = 0
	}
	if m.doc.MonthDate != month {
		m.doc.MonthDate = month
		m.doc.Spent[ScopeMonthly] = 0
	}
}

// Check evaluates current consumption against every scope and returns the
// strictest threshold action. Bands are driven by what is already spent so
// the 95–100%% band can downgrade the model before the hard projection
// check runs; Fits enforces the hard limit on the final projection.
func (m *Manager) Check() Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	worst := Decision{Action: ActionAllow}
	for _, scope := range Scopes {
		limit, ok := m.doc.Limits[scope]
		if !ok || limit <= 0 {
			continue
		}
		spent := m.doc.Spent[scope]
		var action Action
		switch {
		case spent >= limit:
			action = ActionReject
		case spent/limit >= downgradeThreshold:
			action = ActionDowngrade
		case spent/limit >= warnThreshold:
			action = ActionWarn
		default:
			action = ActionAllow
		}
		if action > worst.Action {
			worst = Decision{Action: action, Scope: scope, Limit: limit, Spent: spent}
		}
	}

	if worst.Action >= ActionWarn && worst.Action != ActionReject && m.onWarn != nil {
		m.onWarn(Event{
			Scope:     worst.Scope,
			Action:    worst.Action,
			Limit:     worst.Limit,
			Spent:     worst.Spent,
			Timestamp: m.now(),
		})
	}
	return worst
}

// Fits enforces the hard limit on a projected cost: no dispatch occurs
// when projected exceeds limit − spent in any scope.
func (m *Manager) Fits(projected float64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	for _, scope := range Scopes {
		limit, ok := m.doc.Limits[scope]
		if !ok || limit <= 0 {
			continue
		}
		spent := m.doc.Spent[scope]
		if spent+projected > limit {
			return Decision{Action: ActionReject, Scope: scope, Limit: limit, Spent: spent}
		}
	}
	return Decision{Action: ActionAllow}
}

// RejectError renders a reject decision as the typed error.
func (d Decision) RejectError() *types.Error {
	e := types.NewError(types.ErrBudgetExceeded,
		fmt.Sprintf("%s budget exhausted: %.2f of %.2f spent", d.Scope, d.Spent, d.Limit))
	e.Scope = string(d.Scope)
	return e
}

// Debit records actual spend against every scope and persists.
func (m *Manager) Debit(cost float64) {
	if cost <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()
	for _, scope := range Scopes {
		m.doc.Spent[scope] += cost
	}
	m.persistLocked()
}

// ResetSession zeroes the session scope (new app session).
func (m *Manager) ResetSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Spent[ScopeSession] = 0
	m.persistLocked()
}

// Status reports limits and consumption per scope.
func (m *Manager) Status() map[Scope]ScopeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()
	out := make(map[Scope]ScopeStatus, len(Scopes))
	for _, scope := range Scopes {
		out[scope] = ScopeStatus{
			Limit: m.doc.Limits[scope],
			Spent: m.doc.Spent[scope],
		}
	}
	return out
}

// persistLocked writes the JSON document atomically. Caller holds the lock.
func (m *Manager) persistLocked() {
	if m.path == "" {
		return
	}
	data, err := json.MarshalIndent(&m.doc, "", "  ")
	if err != nil {
		m.logger.Warn("encode budget state failed", zap.Error(err))
		return
	}
	tmp := m.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		m.logger.Warn("create budget directory failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		m.logger.Warn("write budget state failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		m.logger.Warn("replace budget state failed", zap.Error(err))
	}
}
