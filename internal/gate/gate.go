// Package gate implements the perpetual earning mode market-condition gate.
//
// The gate derives whether automated trading is permitted from an operator
// toggle and a periodically supplied market condition score. Two thresholds
// form a hysteresis band: an active gate suspends when the score drops below
// the suspend threshold, and a suspended gate resumes only once the score
// reaches the resume threshold.
package gate

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	MinScore = 0
	MaxScore = 100
)

var (
	ErrInvalidScore      = errors.New("market condition score out of range")
	ErrInvalidThresholds = errors.New("invalid gate thresholds")
)

type Mode string

const (
	ModeDisabled  Mode = "disabled"
	ModeSuspended Mode = "suspended"
	ModeActive    Mode = "active"
)

// State is the persisted gate state. SuspendedSince is set only while the
// gate is auto-suspended with the operator toggle on.
type State struct {
	OperatorEnabled bool       `json:"operator_enabled"`
	LastScore       int        `json:"last_score"`
	TradingActive   bool       `json:"trading_active"`
	SuspendedSince  *time.Time `json:"suspended_since,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (s State) Mode() Mode {
	switch {
	case !s.OperatorEnabled:
		return ModeDisabled
	case s.TradingActive:
		return ModeActive
	default:
		return ModeSuspended
	}
}

type Snapshot struct {
	State
	SuspendThreshold int  `json:"suspend_threshold"`
	ResumeThreshold  int  `json:"resume_threshold"`
	CurrentMode      Mode `json:"mode"`
}

type Result struct {
	Active       bool `json:"trading_active"`
	Transitioned bool `json:"transitioned"`
	From         Mode `json:"from"`
	To           Mode `json:"to"`
}

// Observer receives a snapshot after every state change. It is called
// outside the state lock, in commit order, and must not block for long or
// change the gate from within the call.
type Observer interface {
	GateChanged(Snapshot)
}

type Gate struct {
	// notifyMu is held from commit until observers return, so observers see
	// changes in the order they were applied. Lock order: notifyMu, then mu.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	suspend   int
	resume    int
	state     State
	observers []Observer
	now       func() time.Time
}

func New(suspendThreshold, resumeThreshold int) (*Gate, error) {
	if err := ValidateThresholds(suspendThreshold, resumeThreshold); err != nil {
		return nil, err
	}
	return &Gate{
		suspend: suspendThreshold,
		resume:  resumeThreshold,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func ValidateThresholds(suspendThreshold, resumeThreshold int) error {
	if !validScore(suspendThreshold) || !validScore(resumeThreshold) {
		return fmt.Errorf("%w: thresholds %d/%d must be within [%d,%d]", ErrInvalidThresholds, suspendThreshold, resumeThreshold, MinScore, MaxScore)
	}
	if resumeThreshold < suspendThreshold {
		return fmt.Errorf("%w: resume %d below suspend %d", ErrInvalidThresholds, resumeThreshold, suspendThreshold)
	}
	return nil
}

// Evaluate records score and applies the hysteresis rule. An out of range
// score is rejected and leaves the state untouched.
func (g *Gate) Evaluate(score int) (Result, error) {
	if !validScore(score) {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidScore, score)
	}
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()
	g.mu.Lock()
	before := g.state
	now := g.now()
	g.state.LastScore = score
	g.state.UpdatedAt = now
	switch {
	case !g.state.OperatorEnabled:
		g.state.TradingActive = false
		g.state.SuspendedSince = nil
	case g.state.TradingActive && score < g.suspend:
		g.state.TradingActive = false
		g.state.SuspendedSince = &now
	case !g.state.TradingActive && score >= g.resume:
		g.state.TradingActive = true
		g.state.SuspendedSince = nil
	}
	res, snap, changed := g.commitLocked(before)
	g.mu.Unlock()
	if changed {
		g.notify(snap)
	}
	return res, nil
}

// SetOperatorEnabled flips the operator toggle. Disabling always closes the
// gate immediately. Enabling a disabled gate starts it suspended, so the next
// evaluation must see a score at or above the resume threshold to activate.
func (g *Gate) SetOperatorEnabled(enabled bool) Result {
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()
	g.mu.Lock()
	res, snap, changed := g.setOperatorLocked(enabled)
	g.mu.Unlock()
	if changed {
		g.notify(snap)
	}
	return res
}

// Toggle inverts the operator toggle under a single lock.
func (g *Gate) Toggle() Result {
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()
	g.mu.Lock()
	res, snap, changed := g.setOperatorLocked(!g.state.OperatorEnabled)
	g.mu.Unlock()
	if changed {
		g.notify(snap)
	}
	return res
}

func (g *Gate) setOperatorLocked(enabled bool) (Result, Snapshot, bool) {
	before := g.state
	if enabled == g.state.OperatorEnabled {
		return g.commitLocked(before)
	}
	now := g.now()
	g.state.OperatorEnabled = enabled
	g.state.TradingActive = false
	g.state.UpdatedAt = now
	if enabled {
		g.state.SuspendedSince = &now
	} else {
		g.state.SuspendedSince = nil
	}
	return g.commitLocked(before)
}

func (g *Gate) TradingActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.TradingActive
}

func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Gate) Thresholds() (int, int) {
	return g.suspend, g.resume
}

// Restore replaces the in-memory state with a persisted one, repairing any
// combination that breaks the gate invariants.
func (g *Gate) Restore(state State) error {
	if !validScore(state.LastScore) {
		return fmt.Errorf("%w: %d", ErrInvalidScore, state.LastScore)
	}
	state = normalize(state, g.now())
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()
	g.mu.Lock()
	g.state = state
	snap := g.snapshotLocked()
	g.mu.Unlock()
	g.notify(snap)
	return nil
}

func (g *Gate) Watch(o Observer) {
	if o == nil {
		return
	}
	g.mu.Lock()
	g.observers = append(g.observers, o)
	g.mu.Unlock()
}

func (g *Gate) commitLocked(before State) (Result, Snapshot, bool) {
	after := g.state
	res := Result{
		Active:       after.TradingActive,
		Transitioned: before.Mode() != after.Mode(),
		From:         before.Mode(),
		To:           after.Mode(),
	}
	changed := before.OperatorEnabled != after.OperatorEnabled ||
		before.TradingActive != after.TradingActive ||
		before.LastScore != after.LastScore ||
		!sameTime(before.SuspendedSince, after.SuspendedSince)
	return res, g.snapshotLocked(), changed
}

func (g *Gate) snapshotLocked() Snapshot {
	state := g.state
	if state.SuspendedSince != nil {
		since := *state.SuspendedSince
		state.SuspendedSince = &since
	}
	return Snapshot{
		State:            state,
		SuspendThreshold: g.suspend,
		ResumeThreshold:  g.resume,
		CurrentMode:      state.Mode(),
	}
}

func (g *Gate) notify(snap Snapshot) {
	g.mu.Lock()
	observers := append([]Observer(nil), g.observers...)
	g.mu.Unlock()
	for _, o := range observers {
		o.GateChanged(snap)
	}
}

func normalize(state State, now time.Time) State {
	if !state.OperatorEnabled {
		state.TradingActive = false
		state.SuspendedSince = nil
		return state
	}
	if state.TradingActive {
		state.SuspendedSince = nil
		return state
	}
	if state.SuspendedSince == nil {
		state.SuspendedSince = &now
	}
	return state
}

func validScore(score int) bool {
	return score >= MinScore && score <= MaxScore
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
