package eventsource

import "context"

// Category partitions events into the two processing branches.
type Category string

const (
	CategoryApproval  Category = "approval"
	CategoryPersonnel Category = "personnel"
	CategoryUnknown   Category = "unknown"
)

// Raw event types delivered by the platform.
const (
	EventTypeInstanceChange  = "bpms_instance_change"
	EventTypeTaskChange      = "bpms_task_change"
	EventTypePersonnelChange = "hrm_mdm_user_change"
)

// CategoryFor maps a raw event type onto a processing category.
func CategoryFor(eventType string) Category {
	switch eventType {
	case EventTypeInstanceChange, EventTypeTaskChange:
		return CategoryApproval
	case EventTypePersonnelChange:
		return CategoryPersonnel
	default:
		return CategoryUnknown
	}
}

// Event is one delivery from a source, decoded but not yet interpreted.
type Event struct {
	Category Category
	Type     string
	ID       string
	Data     map[string]interface{}
}

// AckStatus tells the source what to do with the delivery.
type AckStatus int

const (
	// Accepted consumes the delivery. Also used for events the engine
	// chooses to skip, so the source never redelivers them.
	Accepted AckStatus = iota
	// RetryableError asks the source to redeliver later.
	RetryableError
	// FatalError consumes the delivery; reprocessing cannot succeed.
	FatalError
)

func (s AckStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case RetryableError:
		return "retryable_error"
	case FatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// Ack is the handler's verdict on one event.
type Ack struct {
	Status  AckStatus
	Message string
}

// Handler processes one event and must not panic; sources still recover
// defensively and translate a panic into a fatal ack.
type Handler func(ctx context.Context, event Event) Ack

// Source is a stream of events. Run blocks until ctx is canceled or the
// source fails terminally.
type Source interface {
	Run(ctx context.Context, handler Handler) error
	Close() error
}
