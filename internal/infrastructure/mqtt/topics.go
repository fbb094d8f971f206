package mqtt

import "strings"

// DefaultTopicPrefix is used when the configured prefix is empty.
const DefaultTopicPrefix = "graylogic/uplink"

// Topics builds the uplink's own MQTT topics under a site prefix.
// Application telemetry topics are chosen by publishers and are not built here.
//
//	topics := mqtt.NewTopics("graylogic/uplink/site-01")
//	topics.Control("reboot", "1772355600000-3f2a9c1b7d4e")
//	// Returns: "graylogic/uplink/site-01/control/reboot/1772355600000-3f2a9c1b7d4e"
type Topics struct {
	prefix string
}

// NewTopics returns a builder for prefix. Trailing slashes are removed.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic prefix.
func (t Topics) Prefix() string {
	return t.prefix
}

// Status returns the retained online/offline status topic, also used for the
// Last Will and Testament.
//
// Example: graylogic/uplink/status
func (t Topics) Status() string {
	return t.prefix + "/status"
}

// Control returns the topic for a control request.
//
// Example: graylogic/uplink/control/reboot/1772355600000-3f2a9c1b7d4e
func (t Topics) Control(verb, requestID string) string {
	return t.prefix + "/control/" + verb + "/" + requestID
}

// ControlResponse returns the topic a peer answers a control request on.
//
// Example: graylogic/uplink/control/reboot/1772355600000-3f2a9c1b7d4e/response
func (t Topics) ControlResponse(verb, requestID string) string {
	return t.Control(verb, requestID) + "/response"
}

// AllControlResponses returns a wildcard subscription for every control
// response.
//
// Example: graylogic/uplink/control/+/+/response
func (t Topics) AllControlResponses() string {
	return t.prefix + "/control/+/+/response"
}

// ParseControlResponse extracts the verb and request id from a topic built
// by ControlResponse.
func (t Topics) ParseControlResponse(topic string) (verb, requestID string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix+"/control/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "response" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
