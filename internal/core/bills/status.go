package bills

import "fmt"

// Status is the lifecycle state of a Bill. A run drives
// pending -> processing -> one of {completed, to_verify, error};
// error and to_verify re-enter processing only through an explicit
// retry/review action, never as an internal transition.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusToVerify   Status = "to_verify"
	StatusError      Status = "error"
)

var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusToVerify, StatusError},
	StatusError:      {StatusProcessing},
	// to_verify -> completed is the verification workflow closing the bill.
	StatusToVerify:  {StatusProcessing, StatusCompleted},
	StatusCompleted: {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := legalTransitions[s]
	return ok
}

// Terminal reports whether s ends a single processing run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusToVerify || s == StatusError
}

// CanTransitionTo reports whether the edge s -> next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next if the edge is legal, otherwise an error naming
// the rejected edge. All status writes go through this single function.
func (s Status) Transition(next Status) (Status, error) {
	if !next.Valid() {
		return s, fmt.Errorf("unknown bill status %q", next)
	}
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("illegal bill status transition %s -> %s", s, next)
	}
	return next, nil
}
