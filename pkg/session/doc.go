// Package session runs named agent conversations against a model provider.
//
// A Session owns a history.Store and a commandqueue.Lane. Query never waits
// for the provider: the prompt is queued and, when the session is idle,
// dequeued before Query returns. Completion is observed through events.
//
// Invariants:
//   - Status is processing iff exactly one prompt is executing.
//   - The executing prompt is not part of Pending.
//   - Stream chunks are published but never stored; the aggregated reply is
//     committed as one assistant message.
//   - A reply that arrives after Cancel is discarded.
//
// The Manager is the source of truth for live sessions. It mirrors names and
// ids into a Registrar so companion processes can discover them.
package session
