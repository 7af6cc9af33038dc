package aggregate

import (
	"time"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

// Phase is the reliability state of a cell's history.
type Phase int

const (
	// PhaseEmpty means the cell has no buckets.
	PhaseEmpty Phase = iota
	// PhaseWarm means fewer than WarmupDays days have been observed.
	PhaseWarm
	// PhaseSteady means rolling_30d spans observed days only.
	PhaseSteady
)

func (p Phase) String() string {
	switch p {
	case PhaseWarm:
		return "WARM"
	case PhaseSteady:
		return "STEADY"
	default:
		return "EMPTY"
	}
}

// MarshalText renders the phase name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// PhaseAt returns the phase of a cell whose first observed day is first,
// evaluated on civil day asOf.
func PhaseAt(first time.Time, hasHistory bool, asOf time.Time) Phase {
	if !hasHistory {
		return PhaseEmpty
	}
	if domain.DaysBetween(first, asOf)+1 < WarmupDays {
		return PhaseWarm
	}
	return PhaseSteady
}
