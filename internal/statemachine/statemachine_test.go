package statemachine

import (
	"testing"
	"time"
)

func TestObserve_EnterThreshold(t *testing.T) {
	tests := []struct {
		name           string
		enterThreshold int
		sequence       []bool // sequence of bad observations
		wantEnterAt    int    // index where the condition should enter (-1 if never)
	}{
		{
			name:           "enters at threshold 3",
			enterThreshold: 3,
			sequence:       []bool{false, true, true, true, false},
			wantEnterAt:    3, // 0-indexed: 4th item (3 consecutive bad ticks)
		},
		{
			name:           "enters at threshold 1",
			enterThreshold: 1,
			sequence:       []bool{false, true, false},
			wantEnterAt:    1,
		},
		{
			name:           "interrupted streak resets",
			enterThreshold: 3,
			sequence:       []bool{true, true, false, true, true, true},
			wantEnterAt:    5, // Streak resets at index 2
		},
		{
			name:           "never reaches threshold",
			enterThreshold: 5,
			sequence:       []bool{true, true, false, true, true},
			wantEnterAt:    -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine(Config{EnterThreshold: tt.enterThreshold, ExitThreshold: 1})

			for i, bad := range tt.sequence {
				shouldEnter, shouldExit := sm.Observe(bad)

				if shouldEnter {
					if tt.wantEnterAt == -1 {
						t.Errorf("unexpected enter at index %d", i)
					} else if i != tt.wantEnterAt {
						t.Errorf("entered at index %d, want %d", i, tt.wantEnterAt)
					}
					sm.Enter("critical health")
				}

				if shouldExit && i <= tt.wantEnterAt {
					t.Errorf("unexpected exit at index %d", i)
				}
				if shouldExit {
					sm.Exit()
				}
			}

			if tt.wantEnterAt == -1 && sm.IsActive() {
				t.Error("condition should never have entered")
			}
		})
	}
}

func TestObserve_ExitThreshold(t *testing.T) {
	tests := []struct {
		name          string
		exitThreshold int
		sequence      []bool
		wantExitAt    int // index where the condition should exit (-1 if never)
	}{
		{
			name:          "exits on first good tick",
			exitThreshold: 1,
			sequence:      []bool{true, true, false},
			wantExitAt:    2,
		},
		{
			name:          "interrupted recovery resets",
			exitThreshold: 3,
			sequence:      []bool{false, false, true, false, false, false},
			wantExitAt:    5,
		},
		{
			name:          "never recovers",
			exitThreshold: 2,
			sequence:      []bool{false, true, false, true},
			wantExitAt:    -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine(Config{EnterThreshold: 1, ExitThreshold: tt.exitThreshold})
			sm.Enter("test")

			for i, bad := range tt.sequence {
				shouldEnter, shouldExit := sm.Observe(bad)

				if shouldEnter {
					t.Errorf("unexpected enter at index %d", i)
				}

				if shouldExit {
					if tt.wantExitAt == -1 {
						t.Errorf("unexpected exit at index %d", i)
					} else if i != tt.wantExitAt {
						t.Errorf("exited at index %d, want %d", i, tt.wantExitAt)
					}
					sm.Exit()
				}
			}

			if tt.wantExitAt != -1 && sm.IsActive() {
				t.Error("expected condition to have exited, but it didn't")
			}
		})
	}
}

func TestForceEnter(t *testing.T) {
	sm := NewStateMachine(Config{EnterThreshold: 3, ExitThreshold: 1})

	if err := sm.ForceEnter("memory still critical"); err != nil {
		t.Errorf("ForceEnter failed: %v", err)
	}
	if !sm.IsActive() {
		t.Error("condition should be active after ForceEnter")
	}
	if sm.Reason() != "memory still critical" {
		t.Errorf("reason = %q", sm.Reason())
	}

	if err := sm.ForceEnter("again"); err == nil {
		t.Error("ForceEnter should fail when already active")
	}
}

func TestThresholdsClamped(t *testing.T) {
	sm := NewStateMachine(Config{})
	enter, _ := sm.Observe(true)
	if !enter {
		t.Error("zero threshold should behave as one")
	}
}

func TestStreaksAndDuration(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sm := NewStateMachine(Config{EnterThreshold: 5, ExitThreshold: 5})
	sm.now = func() time.Time { return now }

	sm.Observe(true)
	sm.Observe(true)
	if sm.BadStreak() != 2 || sm.GoodStreak() != 0 {
		t.Errorf("streaks = %d/%d, want 2/0", sm.BadStreak(), sm.GoodStreak())
	}
	sm.Observe(false)
	if sm.BadStreak() != 0 || sm.GoodStreak() != 1 {
		t.Errorf("streaks = %d/%d, want 0/1", sm.BadStreak(), sm.GoodStreak())
	}

	if sm.ActiveFor() != 0 {
		t.Error("inactive duration should be zero")
	}
	sm.Enter("x")
	now = now.Add(90 * time.Second)
	if got := sm.ActiveFor(); got != 90*time.Second {
		t.Errorf("ActiveFor = %v, want 90s", got)
	}

	sm.Reset()
	if sm.IsActive() || sm.Reason() != "" {
		t.Error("Reset should leave the condition inactive")
	}
}
