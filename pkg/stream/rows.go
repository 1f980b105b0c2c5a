package stream

import "github.com/harun/logdeck/pkg/codec"

type (
	Row    = codec.Row
	Nature = codec.Nature
)

// RowsPacket is a contiguous run of rows together with the range it answers.
type RowsPacket struct {
	Rows  []Row
	Range Range
}

// Slice returns the part of p covering r. ok is false when p does not hold
// every position of r.
func (p RowsPacket) Slice(r Range) (RowsPacket, bool) {
	if len(p.Rows) == 0 || !p.Range.Covers(r) {
		return RowsPacket{}, false
	}

	first := p.Rows[0].Position
	if r.From < first {
		return RowsPacket{}, false
	}
	start := r.From - first
	end := r.To - first + 1
	if end > uint64(len(p.Rows)) {
		return RowsPacket{}, false
	}

	rows := make([]Row, end-start)
	copy(rows, p.Rows[start:end])
	return RowsPacket{Rows: rows, Range: r}, true
}

// Row returns the row at position if p holds it.
func (p RowsPacket) Row(position uint64) (Row, bool) {
	if len(p.Rows) == 0 {
		return Row{}, false
	}
	first := p.Rows[0].Position
	if position < first || position-first >= uint64(len(p.Rows)) {
		return Row{}, false
	}
	return p.Rows[position-first], true
}

// Empty reports whether p holds no rows.
func (p RowsPacket) Empty() bool {
	return len(p.Rows) == 0
}
