// Package correlate matches request/response pairs over a transport that has
// no native correlation: requests and responses are plain publishes tied
// together only by a request id embedded in the topic.
//
// # Lifecycle
//
// A caller issues a request id, publishes with it, then awaits:
//
//	id, err := corr.Issue(correlate.KindTwinGet, 10*time.Second)
//	// publish request topic carrying id ...
//	res, err := corr.Await(id)
//
// The inbound dispatch path resolves ids as responses arrive:
//
//	corr.Resolve(ev.RequestID, correlate.Result{Status: ev.Status, Payload: payload})
//
// # In-Flight Slots
//
// Each request Kind has a single in-flight slot. Issuing a second request of
// a kind while one is pending returns ErrRequestInProgress; the slot frees
// on resolution, timeout, cancellation or connection loss. Kinds are
// independent: a twin retrieval and a reported-properties patch may overlap.
//
// # Failure
//
// Deadlines are enforced in Await and measured from Issue. FailAll resolves
// every pending request with a caller-supplied error and is invoked on
// connection loss, since responses for the old connection can never arrive.
package correlate
