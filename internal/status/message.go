package status

import (
	"fmt"
	"slices"
)

// Status is a message delivery lifecycle state.
type Status string

const (
	Queued    Status = "queued"
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

// messageTransitions defines the allowed forward moves of a message.
var messageTransitions = map[Status][]Status{
	Queued:    {Sending},
	Sending:   {Sent, Failed},
	Failed:    {Sending},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {},
}

// rank orders statuses for idempotence checks. Failed shares the rank of
// Sending: moving between them always goes through an explicit transition.
var rank = map[Status]int{
	Queued:    0,
	Sending:   1,
	Failed:    1,
	Sent:      2,
	Delivered: 3,
	Read:      4,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Confirmed reports whether the server has accepted the message.
func (s Status) Confirmed() bool {
	return rank[s] >= rank[Sent]
}

// Pending reports whether the message still needs a queue record.
func (s Status) Pending() bool {
	return s == Queued || s == Failed
}

// CanTransition reports whether from -> to is an allowed lifecycle move.
func CanTransition(from, to Status) bool {
	return slices.Contains(messageTransitions[from], to)
}

// Transition validates from -> to. Re-applying a state at or behind the
// current one returns (from, false, nil) so callers can treat it as a no-op.
func Transition(from, to Status) (Status, bool, error) {
	if !to.Valid() {
		return from, false, fmt.Errorf("unknown status %q", to)
	}
	if CanTransition(from, to) {
		return to, true, nil
	}
	if from == to || (from.Confirmed() && rank[to] <= rank[from]) {
		return from, false, nil
	}
	return from, false, fmt.Errorf("invalid transition from %s to %s", from, to)
}

// Max returns whichever of a and b is further along. Used when the confirmed
// path (send response or echo) merges with local state.
func Max(a, b Status) Status {
	if rank[b] > rank[a] {
		return b
	}
	return a
}
