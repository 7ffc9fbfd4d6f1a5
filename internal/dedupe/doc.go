// Package dedupe provides message deduplication using a time-based,
// size-bounded cache. The chat protocol can redeliver message ids after a
// reconnect; each forwarder keeps its own cache so a redelivered id is
// dropped instead of being forwarded to the CRM a second time.
package dedupe
