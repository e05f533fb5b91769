package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrNoCapacity          = errors.New("no available engineer")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrConflict            = errors.New("stale version")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrEngineerUnavailable = errors.New("engineer not available")
	ErrValidation          = errors.New("invalid input")
)

type PreconditionError struct {
	TicketID string
	Reason   string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("ticket %s: %s", e.TicketID, e.Reason)
}

func (e *PreconditionError) Unwrap() error {
	return ErrPreconditionFailed
}

func Precondition(ticketID, reason string) error {
	return &PreconditionError{TicketID: ticketID, Reason: reason}
}

type TransitionError struct {
	From TicketStatus
	To   TicketStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move ticket from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
