package event

import "fmt"

// Reason classifies why an event was skipped. Every reason is non-fatal to
// the batch: the pipeline logs the event and continues.
type Reason int32

const (
	ReasonNone Reason = iota
	ReasonMissingField
	ReasonInvalidValue
	ReasonDuplicateEvent
	ReasonDuplicateOpen
	ReasonDuplicatePosition
	ReasonCloseWithoutOpen
	ReasonOverClose
)

func (r Reason) String() string {
	switch r {
	case ReasonMissingField:
		return "MissingField"
	case ReasonInvalidValue:
		return "InvalidValue"
	case ReasonDuplicateEvent:
		return "DuplicateEvent"
	case ReasonDuplicateOpen:
		return "DuplicateOpen"
	case ReasonDuplicatePosition:
		return "DuplicatePosition"
	case ReasonCloseWithoutOpen:
		return "CloseWithoutOpen"
	case ReasonOverClose:
		return "OverClose"
	default:
		return "None"
	}
}

// ParseReason maps the stored string form back to a Reason.
func ParseReason(s string) Reason {
	switch s {
	case "MissingField":
		return ReasonMissingField
	case "InvalidValue":
		return ReasonInvalidValue
	case "DuplicateEvent":
		return ReasonDuplicateEvent
	case "DuplicateOpen":
		return ReasonDuplicateOpen
	case "DuplicatePosition":
		return ReasonDuplicatePosition
	case "CloseWithoutOpen":
		return ReasonCloseWithoutOpen
	case "OverClose":
		return ReasonOverClose
	default:
		return ReasonNone
	}
}

// Reject is the per-event validation outcome returned instead of a thrown
// error, so callers can log-and-continue.
type Reject struct {
	Reason Reason
	Detail string
}

func (r *Reject) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Rejectf builds a Reject with a formatted detail message.
func Rejectf(reason Reason, format string, args ...interface{}) *Reject {
	return &Reject{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
