// Package statemachine debounces a noisy boolean signal into enter/exit
// transitions. The lifecycle coordinator feeds it one observation per health
// tick to decide when the daemon is degraded.
package statemachine

import (
	"fmt"
	"time"
)

// Config holds the streak lengths that trigger a transition.
type Config struct {
	EnterThreshold int // consecutive bad observations before entering
	ExitThreshold  int // consecutive good observations before exiting
}

// StateMachine tracks whether the condition is active, with debounced streaks
type StateMachine struct {
	config      Config
	now         func() time.Time
	active      bool
	activeSince time.Time
	reason      string
	badStreak   int // Consecutive bad observations
	goodStreak  int // Consecutive good observations
}

// NewStateMachine creates a state machine with given config. Thresholds below
// one are raised to one.
func NewStateMachine(cfg Config) *StateMachine {
	if cfg.EnterThreshold < 1 {
		cfg.EnterThreshold = 1
	}
	if cfg.ExitThreshold < 1 {
		cfg.ExitThreshold = 1
	}
	return &StateMachine{config: cfg, now: time.Now}
}

// Observe records one observation and returns the transition to take.
// Returns: shouldEnter, shouldExit
func (sm *StateMachine) Observe(bad bool) (bool, bool) {
	if bad {
		sm.goodStreak = 0
		sm.badStreak++
		if !sm.active && sm.badStreak >= sm.config.EnterThreshold {
			return true, false
		}
		return false, false
	}

	sm.badStreak = 0
	sm.goodStreak++
	if sm.active && sm.goodStreak >= sm.config.ExitThreshold {
		return false, true
	}
	return false, false
}

// Enter marks the condition active
func (sm *StateMachine) Enter(reason string) {
	sm.active = true
	sm.activeSince = sm.now()
	sm.reason = reason
	sm.badStreak = 0
	sm.goodStreak = 0
}

// Exit marks the condition inactive
func (sm *StateMachine) Exit() {
	sm.active = false
	sm.activeSince = time.Time{}
	sm.reason = ""
	sm.badStreak = 0
	sm.goodStreak = 0
}

// ForceEnter enters immediately, bypassing the streak (resource escalation).
func (sm *StateMachine) ForceEnter(reason string) error {
	if sm.active {
		return fmt.Errorf("already active: %s", sm.reason)
	}
	sm.Enter(reason)
	return nil
}

// Reset clears streaks and leaves the condition inactive
func (sm *StateMachine) Reset() {
	sm.Exit()
}

// IsActive returns whether the condition is active
func (sm *StateMachine) IsActive() bool {
	return sm.active
}

// Reason returns why the condition was entered
func (sm *StateMachine) Reason() string {
	return sm.reason
}

// BadStreak returns current bad observation count
func (sm *StateMachine) BadStreak() int {
	return sm.badStreak
}

// GoodStreak returns current good observation count
func (sm *StateMachine) GoodStreak() int {
	return sm.goodStreak
}

// ActiveFor returns how long the condition has been active
func (sm *StateMachine) ActiveFor() time.Duration {
	if !sm.active {
		return 0
	}
	return sm.now().Sub(sm.activeSince)
}
