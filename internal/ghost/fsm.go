package ghost

// Event names the lifecycle signals, each corresponding to a mesh packet
// kind (or the request timeout firing locally).
type Event string

const (
	EventAccept   Event = "accept"
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventExpire   Event = "expire"
	EventCancel   Event = "cancel"
)

// transitions is the exhaustive lifecycle table. Anything not listed is an
// ignored transition: the medium duplicates and reorders packets, so a late
// or repeated signal must be idempotently discardable, not an error.
var transitions = map[Status]map[Event]Status{
	StatusBroadcasting: {
		EventAccept: StatusAccepted,
		EventExpire: StatusExpired,
		EventCancel: StatusCancelled, // rider-initiated, pre-acceptance only
	},
	StatusAccepted: {
		EventStart: StatusInProgress,
	},
	StatusInProgress: {
		EventComplete: StatusCompleted,
	},
}

// Next returns the successor state, or ok=false when the event does not
// apply in the current state.
func Next(s Status, e Event) (Status, bool) {
	next, ok := transitions[s][e]
	return next, ok
}
