package dtc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateParticipant is returned by AddParticipant on name reuse.
	ErrDuplicateParticipant = errors.New("dtc: participant already enlisted")

	// ErrNoParticipants is returned by Run on an empty coordinator.
	ErrNoParticipants = errors.New("dtc: no participants enlisted")
)

// TransactionLostError reports a participant whose local transaction was no
// longer open when the coordinator went to prepare it, usually because the
// operation committed or rolled back on its own.
type TransactionLostError struct {
	Participant string
}

func (e *TransactionLostError) Error() string {
	return fmt.Sprintf("dtc: local transaction lost on participant %s", e.Participant)
}

// DistributedTransactionError wraps the failure that ended a global
// transaction, carrying the global id and the affected participant names
// for diagnostics. Unwrap yields the original failure.
type DistributedTransactionError struct {
	GlobalID     string
	Phase        Phase
	Participants []string
	Err          error
}

func (e *DistributedTransactionError) Error() string {
	return fmt.Sprintf("dtc: global transaction %s failed while %s (participants: %s): %v",
		e.GlobalID, e.Phase, strings.Join(e.Participants, ", "), e.Err)
}

func (e *DistributedTransactionError) Unwrap() error { return e.Err }
