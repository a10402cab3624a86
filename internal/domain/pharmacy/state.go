package pharmacy

import (
	"github.com/ehr/pharmacy/internal/platform/apperr"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusDispensed, StatusCancelled},
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusDispensed || s == StatusCancelled
}

// CanTransition returns an invalid-state error unless from may move to to.
func CanTransition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return apperr.InvalidStatef("prescription is %s; cannot move to %s", from, to)
}

// requireEditable guards line changes, which are only legal while pending.
func requireEditable(p *Prescription) error {
	if p.Status != StatusPending {
		return apperr.InvalidStatef("prescription %s is %s; lines can only change while %s", p.ID, p.Status, StatusPending)
	}
	return nil
}
