package domain

import (
	"math"
	"time"
)

// Level grades how close a streak is to breaking.
type Level string

const (
	LevelStrong  Level = "strong"
	LevelWarning Level = "warning"
	LevelBroken  Level = "broken"
)

// View is the read-side presentation of a couple streak.
type View struct {
	Days         int   `json:"days"`
	Level        Level `json:"level"`
	MissingSide  *Side `json:"missingSide"`
	HoursToBreak int   `json:"hoursToBreak"`
}

// BaselineView is shown for couples without any interaction history.
func BaselineView() View {
	return View{Days: 0, Level: LevelBroken, MissingSide: nil, HoursToBreak: 0}
}

// BuildView derives the view of state at now. A broken streak shows zero
// days even though the stored count is only reset on the next interaction.
func BuildView(state State, now time.Time) View {
	latest, ok := state.Latest()
	if !ok {
		return BaselineView()
	}
	elapsed := now.Sub(latest)

	view := View{
		Days:         state.CurrentDays,
		Level:        levelFor(elapsed),
		MissingSide:  missingSide(state, now),
		HoursToBreak: int(math.Floor(math.Max(0, (BreakWindow - elapsed).Hours()))),
	}
	if view.Level == LevelBroken {
		view.Days = 0
	}
	return view
}

func levelFor(elapsed time.Duration) Level {
	switch {
	case elapsed < WarningAfter:
		return LevelStrong
	case elapsed < BreakWindow:
		return LevelWarning
	default:
		return LevelBroken
	}
}

// missingSide names the side past the break window while the other side is
// still inside it. A side that never interacted counts as past the window.
func missingSide(state State, now time.Time) *Side {
	overA := !withinWindow(state.LastInteractionA, now)
	overB := !withinWindow(state.LastInteractionB, now)
	switch {
	case overA && !overB:
		side := SideA
		return &side
	case overB && !overA:
		side := SideB
		return &side
	default:
		return nil
	}
}

// sideElapsed is the time since side last interacted; a side that never
// interacted is treated as infinitely stale.
func sideElapsed(state State, side Side, now time.Time) time.Duration {
	last := state.Last(side)
	if last == nil {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(*last)
}

// hoursLeft is floor(24h - elapsed) in whole hours, clamped at zero.
func hoursLeft(elapsed time.Duration) int {
	if elapsed >= BreakWindow {
		return 0
	}
	return int(math.Floor((BreakWindow - elapsed).Hours()))
}
