// Package audit records forwarding and send outcomes. The sink is an
// external concern: callers hand entries to a Recorder fire-and-forget and
// never block on or observe the write. SQLiteRecorder persists entries
// asynchronously through a buffered channel; Memory collects them for
// tests.
package audit
