// Package operation correlates requests sent to the engine with the binary
// results it streams back.
//
// Invariants:
// - Sequence ids are unique and strictly increasing within a Registry.
// - A pending entry is registered before its request is handed to the peer.
// - Every operation reaches exactly one terminal outcome: Completed, Cancelled or Failed.
// - Peer events for unknown or already-terminal ids are dropped and logged, never returned.
// - Cancel is advisory: the engine may still finish the work, but the caller's
//   future is settled as Cancelled and the late result is dropped.
//
// Usage:
//
//	reg := operation.NewRegistry("session:1", canceler)
//	defer reg.Close()
//	id, fut := operation.Submit(ctx, reg, operation.Spec[bool]{
//		Alias:  "isFileBinary",
//		Send:   func(ctx context.Context, id operation.SequenceID) error { return client.Call(ctx, id, "jobs.isFileBinary", params) },
//		Decode: codec.Bool,
//	})
//	isBinary, err := fut.Get(ctx)
package operation
