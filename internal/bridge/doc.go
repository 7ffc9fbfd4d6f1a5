// Package bridge is the client facade tying the pipeline together.
//
// A Bridge owns the protocol session, the sequential send queue, and one
// forwarder per direction. Session events are dispatched to the inbound
// forwarder (counterpart messages) or the outbound forwarder
// (device-originated messages); API sends go through the queue so they
// are serialized in submission order with bounded retries. A session
// close that is not an explicit logout triggers background
// reinitialization through the injected session factory, as does a
// factory failure at startup; the bridge itself never goes down over a
// session it cannot create yet.
//
// Everything is dependency-injected at construction: no package-level
// singletons, so tests build fully isolated bridges.
package bridge
