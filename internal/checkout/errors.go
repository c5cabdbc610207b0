package checkout

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized signals a required collaborator was never wired.
	ErrNotInitialized = errors.New("checkout collaborator not initialized")
	// ErrSessionNotFound signals the id does not resolve to a live session.
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrInvalidSession is wrapped by every ValidationError.
	ErrInvalidSession = errors.New("invalid checkout session")
	// ErrInvalidInput signals caller-supplied arguments were rejected before any collaborator call.
	ErrInvalidInput = errors.New("invalid checkout input")
	// ErrVersionConflict signals concurrent writers kept winning the version race.
	ErrVersionConflict = errors.New("checkout session version conflict")
	// ErrSessionExpired signals a step transition was attempted after expiresAt.
	ErrSessionExpired = errors.New("checkout session expired")
	// ErrNotImplemented marks operations whose collaborator does not exist yet.
	ErrNotImplemented = errors.New("not implemented")
)

// StepError is a business-rule failure tied to one checkout step.
type StepError struct {
	Step   StepName
	Reason string
	Err    error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkout %s step: %s: %v", e.Step, e.Reason, e.Err)
	}
	return fmt.Sprintf("checkout %s step: %s", e.Step, e.Reason)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Rejected marks step errors as refused requests for metrics.
func (e *StepError) Rejected() bool { return true }

func stepError(step StepName, reason string, err error) error {
	return &StepError{Step: step, Reason: reason, Err: err}
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}
