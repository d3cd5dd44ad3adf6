package rating

import "time"

// EventType enumerates match lifecycle notifications.
type EventType string

const (
	// EventMatchSubmitted fires when a new match enters the pending state.
	EventMatchSubmitted EventType = "match-submitted"
	// EventMatchConfirmed fires when the confirmation threshold is met and
	// ratings have been applied.
	EventMatchConfirmed EventType = "match-confirmed"
	// EventMatchDeleted fires when a match is removed, after any reversal.
	EventMatchDeleted EventType = "match-deleted"
)

// Event describes a match lifecycle change for the participants involved.
type Event struct {
	Type       EventType
	MatchID    string
	PlayerIDs  []string
	OccurredAt time.Time
}

// EventSink receives match lifecycle events after the owning transaction has
// committed. Implementations must not block.
type EventSink interface {
	PublishMatchEvent(event Event)
}
