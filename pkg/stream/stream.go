package stream

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/harun/logdeck/pkg/codec"
	"github.com/harun/logdeck/pkg/operation"
)

// Engine method names served by the stream endpoint.
const (
	MethodLen    = "stream.len"
	MethodChunk  = "stream.chunk"
	MethodValues = "stream.values"
)

// ChunkParams is the request body of MethodChunk.
type ChunkParams struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// ValuesParams is the request body of MethodValues. From and To are optional
// and must be given together.
type ValuesParams struct {
	DatasetLength uint16   `json:"datasetLength"`
	From          *float64 `json:"from,omitempty"`
	To            *float64 `json:"to,omitempty"`
	Filters       []string `json:"filters"`
}

// Validate checks the optional range bounds and the dataset length.
func (p ValuesParams) Validate() error {
	if p.DatasetLength == 0 {
		return &operation.ValidationError{Field: "datasetLength", Reason: "must be greater than zero"}
	}
	if (p.From == nil) != (p.To == nil) {
		return &operation.ValidationError{Field: "range", Reason: "from and to must be given together"}
	}
	if p.From == nil {
		return nil
	}

	from, to := *p.From, *p.To
	if math.IsNaN(from) || math.IsNaN(to) || math.IsInf(from, 0) || math.IsInf(to, 0) {
		return &operation.ValidationError{Field: "range", Reason: "range is invalid"}
	}
	if from > to {
		return &operation.ValidationError{Field: "range", Reason: `"from" must not be greater than "to"`}
	}
	return nil
}

// Stream exposes the rows of one session's log stream.
type Stream struct {
	registry  *operation.Registry
	requester operation.Requester
	length    atomic.Uint64
}

// New creates a stream bound to a session's registry and engine requester.
func New(registry *operation.Registry, requester operation.Requester) *Stream {
	return &Stream{
		registry:  registry,
		requester: requester,
	}
}

// LenAsync submits a length request.
func (s *Stream) LenAsync(ctx context.Context) (operation.SequenceID, *operation.Future[uint64]) {
	return operation.Submit(ctx, s.registry, operation.NewSpec(s.requester, MethodLen, nil, codec.Length))
}

// Len asks the engine for the current number of rows and remembers it.
func (s *Stream) Len(ctx context.Context) (uint64, error) {
	n, err := operation.Call(ctx, s.registry, operation.NewSpec(s.requester, MethodLen, nil, codec.Length))
	if err != nil {
		return 0, fmt.Errorf("stream length: %w", err)
	}
	s.length.Store(n)
	return n, nil
}

// CachedLen returns the length seen by the last successful Len call.
func (s *Stream) CachedLen() uint64 {
	return s.length.Load()
}

func (s *Stream) chunkSpec(r Range) operation.Spec[RowsPacket] {
	spec := operation.NewSpec(s.requester, MethodChunk, ChunkParams{From: r.From, To: r.To}, func(payload []byte) (RowsPacket, error) {
		rows, err := codec.Rows(payload)
		if err != nil {
			return RowsPacket{}, err
		}
		return RowsPacket{Rows: rows, Range: r}, nil
	})
	spec.Validate = r.Validate
	return spec
}

// ChunkAsync submits a rows request for r.
func (s *Stream) ChunkAsync(ctx context.Context, r Range) (operation.SequenceID, *operation.Future[RowsPacket]) {
	return operation.Submit(ctx, s.registry, s.chunkSpec(r))
}

// Chunk fetches the rows of r. The request is cancelled if ctx ends first.
func (s *Stream) Chunk(ctx context.Context, r Range) (RowsPacket, error) {
	packet, err := operation.Call(ctx, s.registry, s.chunkSpec(r))
	if err != nil {
		return RowsPacket{}, fmt.Errorf("stream chunk %s: %w", r, err)
	}
	return packet, nil
}

func (s *Stream) valuesSpec(p ValuesParams) operation.Spec[codec.SearchValues] {
	spec := operation.NewSpec(s.requester, MethodValues, p, codec.Values)
	spec.Validate = p.Validate
	return spec
}

// ValuesAsync submits a downsampled values request.
func (s *Stream) ValuesAsync(ctx context.Context, p ValuesParams) (operation.SequenceID, *operation.Future[codec.SearchValues]) {
	return operation.Submit(ctx, s.registry, s.valuesSpec(p))
}

// Values fetches numeric series extracted by p.Filters, downsampled to at
// most p.DatasetLength points per series.
func (s *Stream) Values(ctx context.Context, p ValuesParams) (codec.SearchValues, error) {
	values, err := operation.Call(ctx, s.registry, s.valuesSpec(p))
	if err != nil {
		return nil, fmt.Errorf("stream values: %w", err)
	}
	return values, nil
}
