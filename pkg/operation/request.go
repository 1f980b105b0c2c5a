package operation

import "context"

// Requester delivers a request for one session to the engine.
type Requester interface {
	Request(ctx context.Context, id SequenceID, method string, params any) error
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(ctx context.Context, id SequenceID, method string, params any) error

// Request implements Requester.
func (f RequesterFunc) Request(ctx context.Context, id SequenceID, method string, params any) error {
	return f(ctx, id, method, params)
}

// NewSpec builds a Spec whose alias is the engine method name and whose
// sender forwards params through req.
func NewSpec[T any](req Requester, method string, params any, decode func([]byte) (T, error)) Spec[T] {
	return Spec[T]{
		Alias: method,
		Send: func(ctx context.Context, id SequenceID) error {
			if req == nil {
				return ErrNoRequester
			}
			return req.Request(ctx, id, method, params)
		},
		Decode: decode,
	}
}

// Call submits spec and waits for its outcome. If ctx ends first the
// operation is cancelled and the context error is returned.
func Call[T any](ctx context.Context, r *Registry, spec Spec[T]) (T, error) {
	id, fut := Submit(ctx, r, spec)

	outcome, err := fut.Await(ctx)
	if err != nil {
		r.Cancel(id)
		var zero T
		return zero, err
	}
	return outcome.Unpack()
}
