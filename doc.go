// Package tlog defines the core data model, error codes, and process-wide helpers shared by
// every component of the transaction-log subsystem: the durable queue, persistent store,
// version index, ACS builder/validator, commit path, queue committer, spiller, peek and pop
// services, generation lifecycle, and group multiplexer.
//
// Concrete components live in subpackages under internal/: dq (durable queue), ps
// (persistent store), index (version index + storage-team buffers), acs, commit,
// queuecommitter, spiller, peek, pop, lifecycle, and group. cmd/tlogd wires a full process.
package tlog

// Timeout model
//
// Every TLog operation is bounded by two timers:
//  1. The caller-provided context deadline/cancellation, which propagates across subsystems.
//  2. A version notifier wait, which resumes the caller as soon as the awaited watermark
//     crosses the requested threshold, or fails it when the generation stops or a peek
//     tracker entry expires.
//
// Peek sequence trackers expire after PeekTrackerExpiration of inactivity; waiting futures are
// then cancelled with TimedOut so the consumer restarts with a fresh sequence.
