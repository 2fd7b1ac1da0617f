// Package domain implements the bilateral couple streak: day crediting,
// lazy break detection, the read-side view and the near-expiry sweep.
package domain

import (
	"time"

	"github.com/louisbranch/embers/internal/services/streak/storage"
)

// Side is one of the two fixed member slots of a couple.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// Valid reports whether s is A or B.
func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

const (
	// BreakWindow is the longest gap that keeps a streak alive.
	BreakWindow = 24 * time.Hour
	// WarningAfter is the elapsed time at which the view turns to "warning".
	WarningAfter = 12 * time.Hour
	// SweepWarnAfter opens the near-expiry window scanned by the sweep.
	SweepWarnAfter = 21 * time.Hour

	dateLayout = "2006-01-02"
)

// Milestones are the day counts that trigger a celebration.
var Milestones = []int{3, 7, 10, 30, 50, 100}

// IsMilestone reports whether days is a milestone count.
func IsMilestone(days int) bool {
	for _, m := range Milestones {
		if m == days {
			return true
		}
	}
	return false
}

// State is the streak of one couple.
type State struct {
	CoupleID         string
	LastInteractionA *time.Time
	LastInteractionB *time.Time
	CurrentDays      int
	LastCountedDate  string
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Outcome lists the signals produced by one interaction.
type Outcome struct {
	Broken      bool
	DayCredited bool
	// Milestone is the reached milestone, zero when none.
	Milestone int
}

// CalendarDate formats the UTC calendar date of t.
func CalendarDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// Latest returns the later of the two side timestamps.
func (s State) Latest() (time.Time, bool) {
	switch {
	case s.LastInteractionA == nil && s.LastInteractionB == nil:
		return time.Time{}, false
	case s.LastInteractionA == nil:
		return *s.LastInteractionB, true
	case s.LastInteractionB == nil:
		return *s.LastInteractionA, true
	case s.LastInteractionA.After(*s.LastInteractionB):
		return *s.LastInteractionA, true
	default:
		return *s.LastInteractionB, true
	}
}

// Last returns the timestamp of one side.
func (s State) Last(side Side) *time.Time {
	if side == SideA {
		return s.LastInteractionA
	}
	return s.LastInteractionB
}

// ApplyInteraction returns the state after side interacted at now. The input
// is not modified.
func ApplyInteraction(state State, side Side, now time.Time) (State, Outcome) {
	next := state
	var out Outcome

	if oldLatest, ok := state.Latest(); ok && now.Sub(oldLatest) > BreakWindow {
		out.Broken = state.CurrentDays > 0
		next.CurrentDays = 0
		next.LastCountedDate = ""
	}

	stamp := now
	if side == SideA {
		next.LastInteractionA = &stamp
	} else {
		next.LastInteractionB = &stamp
	}

	if withinWindow(next.LastInteractionA, now) && withinWindow(next.LastInteractionB, now) {
		today := CalendarDate(now)
		if next.LastCountedDate != today {
			next.CurrentDays++
			next.LastCountedDate = today
			out.DayCredited = true
			if IsMilestone(next.CurrentDays) {
				out.Milestone = next.CurrentDays
			}
		}
	}

	next.UpdatedAt = now
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	return next, out
}

func withinWindow(t *time.Time, now time.Time) bool {
	return t != nil && now.Sub(*t) <= BreakWindow
}

func stateFromRecord(record storage.StreakRecord) State {
	return State{
		CoupleID:         record.CoupleID,
		LastInteractionA: record.LastInteractionA,
		LastInteractionB: record.LastInteractionB,
		CurrentDays:      record.CurrentDays,
		LastCountedDate:  record.LastCountedDate,
		Version:          record.Version,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}
}

func (s State) record() storage.StreakRecord {
	return storage.StreakRecord{
		CoupleID:         s.CoupleID,
		LastInteractionA: s.LastInteractionA,
		LastInteractionB: s.LastInteractionB,
		CurrentDays:      s.CurrentDays,
		LastCountedDate:  s.LastCountedDate,
		Version:          s.Version,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}
