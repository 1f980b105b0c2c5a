package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/harun/logdeck/pkg/operation"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	OutcomeFinished  = "finished"
	OutcomeCancelled = "cancelled"
)

// CommandOutcome is the envelope wrapping every job result.
type CommandOutcome struct {
	Outcome string             `msgpack:"o"`
	Value   msgpack.RawMessage `msgpack:"v,omitempty"`
}

// Decoder turns a payload into a value.
type Decoder[T any] func(payload []byte) (T, error)

// Decode unwraps the envelope and decodes its value into T.
func Decode[T any](payload []byte) (T, error) {
	var zero T

	raw, err := unwrap(payload)
	if err != nil {
		return zero, err
	}

	var value T
	if len(raw) == 0 {
		return value, nil
	}
	if err := unmarshal(raw, &value); err != nil {
		return zero, fmt.Errorf("decode %T: %w", value, err)
	}
	return value, nil
}

func unwrap(payload []byte) (msgpack.RawMessage, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	var env CommandOutcome
	if err := unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Outcome {
	case OutcomeFinished:
		return env.Value, nil
	case OutcomeCancelled:
		return nil, operation.ErrCancelledOutcome
	default:
		return nil, fmt.Errorf("unknown outcome %q", env.Outcome)
	}
}

func unmarshal(data []byte, v any) error {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)

	dec.Reset(bytes.NewReader(data))
	return dec.Decode(v)
}

// Finished encodes a successful result. A nil value produces an envelope
// without a value, which decodes as Void.
func Finished(value any) ([]byte, error) {
	env := CommandOutcome{Outcome: OutcomeFinished}
	if value != nil {
		raw, err := msgpack.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", value, err)
		}
		env.Value = raw
	}
	return msgpack.Marshal(&env)
}

// Cancelled encodes a job that stopped because it was cancelled.
func Cancelled() ([]byte, error) {
	return msgpack.Marshal(&CommandOutcome{Outcome: OutcomeCancelled})
}

// JSONString decodes a string result that itself carries a JSON document.
func JSONString[T any](payload []byte) (T, error) {
	var zero T

	text, err := Decode[string](payload)
	if err != nil {
		return zero, err
	}

	var value T
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return zero, fmt.Errorf("parse JSON result: %w", err)
	}
	return value, nil
}
