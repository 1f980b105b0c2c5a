package operation

import "sync/atomic"

// SequenceID identifies one operation within a session. Ids are never reused.
type SequenceID uint64

// Sequencer hands out strictly increasing sequence ids. The zero value is
// ready to use and the first id it returns is 1.
type Sequencer struct {
	counter atomic.Uint64
}

// Next returns the next sequence id.
func (s *Sequencer) Next() SequenceID {
	return SequenceID(s.counter.Add(1))
}

// Last returns the most recently issued id, or 0 if none was issued.
func (s *Sequencer) Last() SequenceID {
	return SequenceID(s.counter.Load())
}
