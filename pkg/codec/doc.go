// Package codec converts engine result payloads into Go values.
//
// Every job result travels as a MessagePack CommandOutcome envelope:
//
//	{"o": "finished", "v": <value>}
//	{"o": "cancelled"}
//
// Decoders return operation.ErrCancelledOutcome for the cancelled form so the
// operation registry can settle the caller's future as Cancelled instead of
// treating it as a failure. Encoders are used by the engine side.
package codec
