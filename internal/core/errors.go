package core

import "errors"

var (
	// ErrNotFound is returned when a record or checkpoint does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyReserved is returned when another run owns, or has finished, the message
	ErrAlreadyReserved = errors.New("message already reserved")
	// ErrAlreadyFinal is returned when a terminal outcome already exists for the message
	ErrAlreadyFinal = errors.New("message already has a terminal outcome")
	// ErrUnusableOutput is returned when a component answers with something the engine cannot act on
	ErrUnusableOutput = errors.New("unusable component output")
	// ErrStepLimit is returned when a run does not reach a terminal state in time
	ErrStepLimit = errors.New("workflow step limit exceeded")
)

// InterruptedSendReason is recorded for sends whose delivery state is unknown
const InterruptedSendReason = "interrupted during send; delivery state unknown"
