// Package twin keeps a device's local twin document synchronized with the
// hub's copy.
//
// A twin is a JSON document with two sections: desired properties set from
// the cloud, reported properties set by the device. The hub stamps every
// change with a version; this package enforces that the local version only
// ever moves forward, which makes redelivered desired-property pushes
// harmless.
//
// # Operations
//
//   - Get retrieves the full document and replaces the local copy
//   - Report publishes a reported-properties patch, optionally waiting for
//     the hub's acknowledgement before merging locally
//   - HandlePush applies an inbound desired-property push and notifies the
//     registered callback
//
// The synchronizer talks to the wire through two small interfaces,
// Publisher and Correlator, so the request plumbing is swappable in tests.
package twin
