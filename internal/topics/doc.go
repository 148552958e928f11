// Package topics maps between hub MQTT topic strings and typed events.
//
// The hub emulates request/response and push semantics over plain pub/sub by
// encoding metadata in topic names: status codes and request ids travel in
// the topic, payloads in the message body. This package is the single place
// that grammar lives:
//
//   - Outbound builders for telemetry, twin requests and method responses
//   - Subscription patterns for every inbound surface
//   - Classify, turning an inbound topic into a tagged Event
//
// # Topic Grammar
//
//	$iothub/twin/res/{status}/?$rid={rid}[&$version={v}]   twin response
//	$iothub/twin/PATCH/properties/desired/?$version={v}    desired push
//	$iothub/methods/POST/{method}/?$rid={rid}              method request
//	$iothub/methods/res/{status}/?$rid={rid}               method response
//	devices/{device}/messages/events/{property bag}        telemetry
//	devices/{device}/messages/devicebound/{property bag}   cloud-to-device
//
// Property bags are url-encoded key=value pairs. Topics outside this grammar
// classify as unrecognised and are dropped by the caller.
package topics
