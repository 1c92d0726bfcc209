package svcregistry

// TrackerEventKind classifies a tracker notification.
type TrackerEventKind uint8

const (
	// EventAdded: a registration started matching.
	EventAdded TrackerEventKind = iota + 1
	// EventModified: a tracked registration's metadata changed and it still
	// matches.
	EventModified
	// EventRemoved: a tracked registration was unregistered or stopped
	// matching.
	EventRemoved
	// EventFailed: the registry reported a failure. The tracker stays open.
	EventFailed
)

func (k TrackerEventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventModified:
		return "modified"
	case EventRemoved:
		return "removed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TrackerEvent is passed to a tracker's callback. Registration is the zero
// value for EventFailed, and Err is only set for EventFailed.
type TrackerEvent struct {
	Kind         TrackerEventKind
	Registration Registration
	Err          error
	TrackerID    string
}

// TrackerCallback receives tracker events. For one registration, calls are
// never concurrent and never out of causal order.
type TrackerCallback func(TrackerEvent)
