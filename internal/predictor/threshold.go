package predictor

import (
	"fmt"
	"strconv"
)

// Level is the most severe low-balance band a notification was already raised for
type Level int

const (
	LevelNone     Level = 0
	LevelCritical Level = 1
	LevelLow      Level = 2
)

const (
	CriticalThreshold = 1.0
	LowThreshold      = 2.0
)

func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "critical"
	case LevelLow:
		return "low"
	default:
		return "none"
	}
}

// Band classifies a balance
func Band(balance float64) Level {
	switch {
	case balance <= CriticalThreshold:
		return LevelCritical
	case balance <= LowThreshold:
		return LevelLow
	default:
		return LevelNone
	}
}

// Transition decides the next notified level for balance and whether a notification is due.
// A notification fires whenever the balance enters a band other than the one last notified,
// in either direction; the level is cleared only once the balance is above LowThreshold.
func Transition(balance float64, last Level) (Level, bool) {
	band := Band(balance)
	if band == LevelNone {
		return LevelNone, false
	}
	return band, band != last
}

// Encode returns the persisted form of l; ok is false for LevelNone, which is stored as absence
func (l Level) Encode() (string, bool) {
	if l == LevelNone {
		return "", false
	}
	return strconv.Itoa(int(l)), true
}

// ParseLevel decodes a persisted level
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return LevelNone, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return LevelNone, fmt.Errorf("invalid notification level %q: %w", s, err)
	}
	switch Level(n) {
	case LevelCritical, LevelLow:
		return Level(n), nil
	case LevelNone:
		return LevelNone, nil
	}
	return LevelNone, fmt.Errorf("invalid notification level %q", s)
}
