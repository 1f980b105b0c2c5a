package stream

import (
	"fmt"
	"math"

	"github.com/harun/logdeck/pkg/operation"
)

// Range is an inclusive span of row positions. From <= To always holds for
// ranges built through NewRange.
type Range struct {
	From uint64 `json:"from" msgpack:"from"`
	To   uint64 `json:"to" msgpack:"to"`
}

// NewRange validates caller supplied bounds. Bounds arrive as float64
// because they usually come from scroll arithmetic.
func NewRange(from, to float64) (Range, error) {
	if err := checkBound("from", from); err != nil {
		return Range{}, err
	}
	if err := checkBound("to", to); err != nil {
		return Range{}, err
	}
	if from > to {
		return Range{}, &operation.ValidationError{
			Field:  "range",
			Reason: fmt.Sprintf("from (%v) is greater than to (%v)", from, to),
		}
	}
	return Range{From: uint64(from), To: uint64(to)}, nil
}

func checkBound(field string, v float64) error {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return &operation.ValidationError{Field: field, Reason: "must be a finite number"}
	case v < 0:
		return &operation.ValidationError{Field: field, Reason: "must not be negative"}
	case v != math.Trunc(v):
		return &operation.ValidationError{Field: field, Reason: "must be a whole row position"}
	case v > math.MaxInt64:
		return &operation.ValidationError{Field: field, Reason: "is out of range"}
	}
	return nil
}

// Validate reports whether the bounds are ordered.
func (r Range) Validate() error {
	if r.From > r.To {
		return &operation.ValidationError{
			Field:  "range",
			Reason: fmt.Sprintf("from (%d) is greater than to (%d)", r.From, r.To),
		}
	}
	return nil
}

// Len returns the number of positions covered.
func (r Range) Len() uint64 {
	if r.From > r.To {
		return 0
	}
	return r.To - r.From + 1
}

// Covers reports whether other lies entirely inside r.
func (r Range) Covers(other Range) bool {
	return other.From >= r.From && other.To <= r.To
}

// Has reports whether position lies inside r.
func (r Range) Has(position uint64) bool {
	return position >= r.From && position <= r.To
}

// Extend widens r by margin rows on each side, clamped at 0 and at
// total-1 when total is known (non-zero).
func (r Range) Extend(margin, total uint64) Range {
	from := uint64(0)
	if r.From > margin {
		from = r.From - margin
	}
	to := r.To + margin
	if to < r.To {
		to = math.MaxUint64
	}
	if total > 0 {
		last := total - 1
		if to > last {
			to = last
		}
		if from > last {
			from = last
		}
	}
	if to < from {
		to = from
	}
	return Range{From: from, To: to}
}

func (r Range) String() string {
	return fmt.Sprintf("%d..%d", r.From, r.To)
}
