package topics

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Event is the tagged union of recognised inbound topics.
//
// Exactly one concrete type is produced per topic:
//   - TwinResponse: response to a correlated twin request
//   - TwinPush: desired-property update notification
//   - MethodInvoke: direct method request
//   - BoundMessage: cloud-to-device message
type Event interface {
	isEvent()
}

// TwinResponse is a response on the twin response topic. Status is the
// embedded HTTP-style code; Version is present only on report
// acknowledgements (zero otherwise).
type TwinResponse struct {
	RequestID string
	Status    int
	Version   int
}

// TwinPush is a desired-property update notification. The document fragment
// travels in the payload; only the version is in the topic.
type TwinPush struct {
	Version int
}

// MethodInvoke is a direct method request.
type MethodInvoke struct {
	Method    string
	RequestID string
}

// BoundMessage is a cloud-to-device message. Properties are decoded from the
// url-encoded bag embedded in the topic.
type BoundMessage struct {
	Properties map[string]string
}

func (TwinResponse) isEvent() {}
func (TwinPush) isEvent()     {}
func (MethodInvoke) isEvent() {}
func (BoundMessage) isEvent() {}

// Classify maps an inbound topic to its event. The second return value is
// false for topics outside the recognised grammar; callers log and drop
// those rather than failing.
func (t Topics) Classify(topic string) (Event, bool) {
	switch {
	case strings.HasPrefix(topic, prefixTwinResponse):
		ev, err := parseTwinResponse(topic)
		if err != nil {
			return nil, false
		}
		return ev, true

	case strings.HasPrefix(topic, prefixTwinDesired):
		ev, err := parseTwinPush(topic)
		if err != nil {
			return nil, false
		}
		return ev, true

	case strings.HasPrefix(topic, prefixMethodRequest):
		ev, err := parseMethodInvoke(topic)
		if err != nil {
			return nil, false
		}
		return ev, true

	case strings.HasPrefix(topic, "devices/"+t.DeviceID+"/messages/devicebound/"):
		return parseBoundMessage(topic), true

	default:
		return nil, false
	}
}

// parseTwinResponse parses "$iothub/twin/res/{status}/?$rid={rid}[&$version={v}]".
func parseTwinResponse(topic string) (TwinResponse, error) {
	u, err := url.Parse(topic)
	if err != nil {
		return TwinResponse{}, fmt.Errorf("parsing twin response topic: %w", err)
	}

	status, err := strconv.Atoi(strings.Trim(strings.TrimPrefix(u.Path, prefixTwinResponse), "/"))
	if err != nil {
		return TwinResponse{}, fmt.Errorf("parsing twin response status: %w", err)
	}

	q := u.Query()
	rid := q.Get("$rid")
	if rid == "" {
		return TwinResponse{}, fmt.Errorf("twin response without $rid")
	}

	// Version is only present on report acknowledgements.
	var version int
	if v := q.Get("$version"); v != "" {
		version, err = strconv.Atoi(v)
		if err != nil {
			return TwinResponse{}, fmt.Errorf("parsing twin response version: %w", err)
		}
	}

	return TwinResponse{RequestID: rid, Status: status, Version: version}, nil
}

// parseTwinPush parses "$iothub/twin/PATCH/properties/desired/?$version={v}".
func parseTwinPush(topic string) (TwinPush, error) {
	u, err := url.Parse(topic)
	if err != nil {
		return TwinPush{}, fmt.Errorf("parsing twin push topic: %w", err)
	}

	version, err := strconv.Atoi(u.Query().Get("$version"))
	if err != nil {
		return TwinPush{}, fmt.Errorf("parsing twin push version: %w", err)
	}

	return TwinPush{Version: version}, nil
}

// parseMethodInvoke parses "$iothub/methods/POST/{method}/?$rid={rid}".
func parseMethodInvoke(topic string) (MethodInvoke, error) {
	u, err := url.Parse(topic)
	if err != nil {
		return MethodInvoke{}, fmt.Errorf("parsing method topic: %w", err)
	}

	method := strings.Trim(strings.TrimPrefix(u.Path, prefixMethodRequest), "/")
	if method == "" {
		return MethodInvoke{}, fmt.Errorf("method invocation without a name")
	}

	rid := u.Query().Get("$rid")
	if rid == "" {
		return MethodInvoke{}, fmt.Errorf("method invocation without $rid")
	}

	return MethodInvoke{Method: method, RequestID: rid}, nil
}

// parseBoundMessage decodes the property bag from the final topic segment of
// "devices/{device}/messages/devicebound/{bag}". A missing or malformed bag
// yields an event with empty properties; the message itself is still
// deliverable.
func parseBoundMessage(topic string) BoundMessage {
	bag := topic[strings.LastIndex(topic, "/")+1:]

	properties := map[string]string{}
	if q, err := url.ParseQuery(bag); err == nil {
		for k, vs := range q {
			if len(vs) > 0 {
				properties[k] = vs[0]
			}
		}
	}
	return BoundMessage{Properties: properties}
}
