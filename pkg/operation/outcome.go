package operation

// OutcomeKind is the terminal state of an operation.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota + 1
	OutcomeCancelled
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the caller-visible resolution of an operation. Cancelled is a
// distinct state, not an error.
type Outcome[T any] struct {
	Kind  OutcomeKind
	Value T
	Err   error
}

// Completed reports whether the operation produced a value.
func (o Outcome[T]) Completed() bool {
	return o.Kind == OutcomeCompleted
}

// Cancelled reports whether the operation was aborted.
func (o Outcome[T]) Cancelled() bool {
	return o.Kind == OutcomeCancelled
}

// Failed reports whether the operation ended with an error.
func (o Outcome[T]) Failed() bool {
	return o.Kind == OutcomeFailed
}

// Unpack converts the outcome into Go's value/error pair. A cancelled
// outcome yields ErrCancelled.
func (o Outcome[T]) Unpack() (T, error) {
	switch o.Kind {
	case OutcomeCompleted:
		return o.Value, nil
	case OutcomeCancelled:
		var zero T
		return zero, ErrCancelled
	default:
		var zero T
		return zero, o.Err
	}
}
