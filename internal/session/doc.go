// Package session defines the chat-protocol session consumed by the bridge
// and an adapter that speaks to a protocol sidecar over WebSocket.
//
// The bridge core never touches the messaging network directly. It sees a
// Session: a stream of message/connection events plus a Send primitive.
// Remote implements Session against a sidecar process that owns pairing,
// credentials, and encryption. Fake implements Session in memory for tests.
package session
