// Package session binds session keys to their engine channel and the
// per-session state built on it.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Each session owns its own operation registry, stream, jobs facade and
//   binding storage; only the recent tracker is shared, keyed by session.
// - Closing a session cancels its pending operations and clears its storage.
//
// Usage:
//
//	client, _ := peer.Dial(ctx, peer.Config{URL: url, SharedSecret: secret})
//	mgr, _ := session.New(session.PeerTransport(client), cfg)
//	s, _ := mgr.Open(ctx, "workspace-1")
//	packet, _ := s.Rows(ctx, stream.Range{From: 0, To: 99})
//	_ = packet
package session
