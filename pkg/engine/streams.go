package engine

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"regexp"
	"strconv"
	"strings"

	"github.com/harun/logdeck/pkg/codec"
	"github.com/harun/logdeck/pkg/stream"
)

// maxValueFilters bounds the filter list since series are keyed by a uint8.
const maxValueFilters = math.MaxUint8 + 1

// natureOf flags rows that look like errors.
func natureOf(line string) codec.Nature {
	upper := strings.ToUpper(line)
	if strings.Contains(upper, "ERROR") || strings.Contains(upper, "FATAL") {
		return codec.NatureError
	}
	return 0
}

// streamService serves the stream.* methods from the row store.
type streamService struct {
	store *Store
}

func (s *streamService) register(m *Methods) error {
	for name, h := range map[string]Handler{
		stream.MethodLen:    s.handleLen,
		stream.MethodChunk:  s.handleChunk,
		stream.MethodValues: s.handleValues,
	} {
		if err := m.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *streamService) handleLen(ctx context.Context, call *Call) (any, error) {
	return s.store.Len(ctx, call.Session)
}

func (s *streamService) handleChunk(ctx context.Context, call *Call) (any, error) {
	var p stream.ChunkParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if p.From > p.To {
		return nil, invalidParams(fmt.Errorf(`"from" must not be greater than "to"`))
	}
	return s.store.LoadRecords(ctx, call.Session, p.From, p.To)
}

func (s *streamService) handleValues(ctx context.Context, call *Call) (any, error) {
	var p stream.ValuesParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if len(p.Filters) == 0 || len(p.Filters) > maxValueFilters {
		return nil, invalidParams(fmt.Errorf("between 1 and %d filters are required", maxValueFilters))
	}

	filters := make([]*regexp.Regexp, len(p.Filters))
	for i, f := range p.Filters {
		re, err := regexp.Compile(f)
		if err != nil {
			return nil, invalidParams(fmt.Errorf("filter %d: %w", i, err))
		}
		filters[i] = re
	}

	total, err := s.store.Len(ctx, call.Session)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return codec.SearchValues{}, nil
	}

	from, to := uint64(0), total-1
	if p.From != nil {
		if *p.To < 0 {
			return codec.SearchValues{}, nil
		}
		from = uint64(math.Min(math.Max(0, *p.From), float64(total)))
		to = uint64(math.Max(0, math.Min(*p.To, float64(total-1))))
	}
	if from > to {
		return codec.SearchValues{}, nil
	}

	sampler := newSampler(from, to, int(p.DatasetLength), len(filters))
	err = s.store.Scan(ctx, call.Session, from, to, func(row codec.Row) error {
		for i, re := range filters {
			if v, ok := extractValue(re, row.Content); ok {
				sampler.add(i, row.Position, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sampler.values(), nil
}

// extractValue parses the first capture group of re, or the whole match when
// re has no groups.
func extractValue(re *regexp.Regexp, line string) (float64, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	text := m[0]
	if len(m) > 1 {
		text = m[1]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

type bucket struct {
	pos   uint64
	min   float64
	max   float64
	sum   float64
	count int
}

// sampler folds values into at most n buckets per series over [from, to].
type sampler struct {
	from    uint64
	span    uint64
	n       int
	buckets [][]bucket
}

func newSampler(from, to uint64, n, series int) *sampler {
	span := to - from + 1
	if uint64(n) > span {
		n = int(span)
	}
	buckets := make([][]bucket, series)
	for i := range buckets {
		buckets[i] = make([]bucket, n)
	}
	return &sampler{from: from, span: span, n: n, buckets: buckets}
}

func (s *sampler) add(series int, pos uint64, v float64) {
	hi, lo := bits.Mul64(pos-s.from, uint64(s.n))
	q, _ := bits.Div64(hi, lo, s.span)
	idx := int(q)
	if idx >= s.n {
		idx = s.n - 1
	}
	b := &s.buckets[series][idx]
	if b.count == 0 {
		b.pos, b.min, b.max = pos, v, v
	}
	b.min = math.Min(b.min, v)
	b.max = math.Max(b.max, v)
	b.sum += v
	b.count++
}

func (s *sampler) values() codec.SearchValues {
	out := make(codec.SearchValues, len(s.buckets))
	for i, series := range s.buckets {
		points := make([]codec.ValuePoint, 0, len(series))
		for _, b := range series {
			if b.count == 0 {
				continue
			}
			points = append(points, codec.ValuePoint{
				Position: b.pos,
				Min:      b.min,
				Max:      b.max,
				Value:    b.sum / float64(b.count),
			})
		}
		if len(points) > 0 {
			out[uint8(i)] = points
		}
	}
	return out
}
