/*
machine.go - Transfer lifecycle

STATES:

	REQUESTED --approve--> APPROVED --dispatch--> DISPATCHED --receive--> RECEIVED

  Every transition moves exactly one step forward. There is no skipping, no
  going back and no cancellation. RECEIVED is terminal.

LEDGER EFFECTS:
  approve:  none
  dispatch: one TRANSFER_OUT per line at the source
  receive:  one TRANSFER_IN per line at the destination

SEE ALSO:
  - service.go: executes transitions inside ledger.Engine.Atomic
*/
package transfer

import (
	"fmt"

	"github.com/warp/stock-engine/ledger"
)

type Status string

const (
	StatusRequested  Status = "REQUESTED"
	StatusApproved   Status = "APPROVED"
	StatusDispatched Status = "DISPATCHED"
	StatusReceived   Status = "RECEIVED"
)

// Statuses in lifecycle order.
var Statuses = []Status{StatusRequested, StatusApproved, StatusDispatched, StatusReceived}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s == StatusReceived
}

func (s Status) Terminal() bool { return s == StatusReceived }

// transitions maps each state to its only successor.
var transitions = map[Status]Status{
	StatusRequested:  StatusApproved,
	StatusApproved:   StatusDispatched,
	StatusDispatched: StatusReceived,
}

// CanTransition reports whether a transfer in from may move to to.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	return ok && next == to
}

// Next returns the successor of s, false for the terminal state.
func Next(s Status) (Status, bool) {
	next, ok := transitions[s]
	return next, ok
}

// InvalidTransitionError is returned when a transition's precondition does
// not hold. It unwraps to ledger.ErrInvalidTransition.
type InvalidTransitionError struct {
	Transfer string
	From     Status
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transfer %s cannot move from %s to %s", e.Transfer, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ledger.ErrInvalidTransition
}

// checkTransition returns an InvalidTransitionError unless t may move to to.
func checkTransition(t Transfer, to Status) error {
	if !CanTransition(t.Status, to) {
		return &InvalidTransitionError{Transfer: t.ID, From: t.Status, To: to}
	}
	return nil
}
