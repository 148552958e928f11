package topics

import (
	"fmt"
	"net/url"
	"strings"
)

// Topic prefixes defined by the hub's MQTT surface. Twin and method topics
// live under the broker-reserved $iothub namespace; telemetry and
// cloud-to-device messages under the per-device namespace.
const (
	// prefixTwinResponse carries responses to twin GET/PATCH requests.
	prefixTwinResponse = "$iothub/twin/res/"

	// prefixTwinDesired carries desired-property update pushes.
	prefixTwinDesired = "$iothub/twin/PATCH/properties/desired/"

	// prefixMethodRequest carries direct method invocations.
	prefixMethodRequest = "$iothub/methods/POST/"

	// prefixMethodResponse is where method results are published.
	prefixMethodResponse = "$iothub/methods/res/"
)

// Topics builds outbound topic strings and subscription patterns for one
// device, and classifies inbound topics into events.
//
// Using these helpers ensures consistent topic naming across the codebase:
//
//	topics := topics.Topics{DeviceID: "my-device"}
//	eventTopic := topics.Telemetry(map[string]string{"alert": "1"})
//	// Returns: "devices/my-device/messages/events/alert=1"
type Topics struct {
	DeviceID string
}

// =============================================================================
// Outbound Topics
// =============================================================================

// Telemetry returns the device-to-cloud event topic with the given
// properties attached as a url-encoded bag.
//
// Example: devices/my-device/messages/events/above_th=1&unit=C
func (t Topics) Telemetry(properties map[string]string) string {
	return fmt.Sprintf("devices/%s/messages/events/%s", t.DeviceID, encodeProperties(properties))
}

// TwinGet returns the twin retrieval request topic for a request id.
//
// Example: $iothub/twin/GET/?$rid=7
func (Topics) TwinGet(requestID string) string {
	return "$iothub/twin/GET/?$rid=" + requestID
}

// TwinReport returns the reported-properties patch topic for a request id.
//
// Example: $iothub/twin/PATCH/properties/reported/?$rid=7
func (Topics) TwinReport(requestID string) string {
	return "$iothub/twin/PATCH/properties/reported/?$rid=" + requestID
}

// MethodResponse returns the direct method response topic.
//
// The request id must be the exact id received in the invocation: the
// cloud-side caller is blocked on it, and a fresh id would strand them.
//
// Example: $iothub/methods/res/200/?$rid=42
func (Topics) MethodResponse(status int, requestID string) string {
	return fmt.Sprintf("%s%d/?$rid=%s", prefixMethodResponse, status, requestID)
}

// =============================================================================
// Subscription Patterns
// =============================================================================

// DeviceBoundPattern matches all cloud-to-device messages for the device.
//
// Pattern: devices/my-device/messages/devicebound/#
func (t Topics) DeviceBoundPattern() string {
	return fmt.Sprintf("devices/%s/messages/devicebound/#", t.DeviceID)
}

// MethodRequestPattern matches all direct method invocations.
//
// Pattern: $iothub/methods/POST/#
func (Topics) MethodRequestPattern() string {
	return prefixMethodRequest + "#"
}

// TwinResponsePattern matches all twin request responses.
//
// Pattern: $iothub/twin/res/#
func (Topics) TwinResponsePattern() string {
	return prefixTwinResponse + "#"
}

// TwinDesiredPattern matches all desired-property pushes.
//
// Pattern: $iothub/twin/PATCH/properties/desired/#
func (Topics) TwinDesiredPattern() string {
	return prefixTwinDesired + "#"
}

// SubscriptionPatterns returns every inbound pattern a session subscribes to.
func (t Topics) SubscriptionPatterns() []string {
	return []string{
		t.TwinResponsePattern(),
		t.TwinDesiredPattern(),
		t.MethodRequestPattern(),
		t.DeviceBoundPattern(),
	}
}

// encodeProperties renders a property bag in the hub's url-encoded form.
// Spaces are percent-encoded; the hub does not accept '+'.
func encodeProperties(properties map[string]string) string {
	if len(properties) == 0 {
		return ""
	}
	u := make(url.Values, len(properties))
	for k, v := range properties {
		u.Set(k, v)
	}
	return strings.ReplaceAll(u.Encode(), "+", "%20")
}
