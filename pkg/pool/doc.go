// Package pool implements bounded-concurrency admission control for
// outbound data requests.
//
// Requests are grouped into named pools, each with its own concurrency
// limit (default 2). Admission is strictly FIFO; a slot freed by
// completion, failure, or cancellation immediately admits the next queued
// request. Failure and cancellation are not distinguished for admission
// purposes.
//
// A Coordinator bounds one owner to at most one outstanding request at a
// time and reports every lifecycle transition to an activity sink.
//
// Pool and request state are guarded by mutexes; admission runs to
// completion under the pool lock while request execution happens in a
// goroutine per admitted request.
package pool
