// Package spool provides a store-and-forward buffer for telemetry published
// while the hub connection is down.
//
// Events land in a SQLite-backed outbox and drain to the transport in
// insertion order once the session reconnects. The outbox survives process
// restarts, so telemetry captured during an outage still reaches the hub.
//
// The spool holds outbound telemetry only. Session, twin and request state
// stay in memory: a restarted agent reconnects and resynchronizes its twin
// rather than replaying protocol state.
//
// The buffer is bounded. At capacity the oldest entries are pruned first,
// keeping the freshest telemetry under sustained outages.
package spool
