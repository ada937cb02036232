// Package bus defines the message-bus boundary the gateway publishes events
// to and receives commands from, the topic scheme parameterized by gateway
// id, and the JSON command decoding/validation shared by the Orchestrator's
// three inbound command families.
package bus

import (
	"context"
	"strings"
)

// Handler is invoked for every message received on a subscribed topic.
type Handler func(topic string, payload []byte)

// Bus is the publish/subscribe sink and source the gateway core depends on.
// Delivery is best-effort: Publish hands the message off to the transport and
// does not wait for broker acknowledgement beyond what the transport itself
// requires.
type Bus interface {
	// Connect establishes the transport session and replays any
	// subscriptions made so far.
	Connect(ctx context.Context) error

	// Publish sends payload on topic.
	Publish(topic string, payload []byte) error

	// Subscribe registers h for messages on topic. The topic may contain a
	// single-level wildcard ("+") in its last segment.
	Subscribe(topic string, h Handler) error

	// Close tears down the transport session.
	Close()
}

// Topics, parameterized by gateway id. The inbound side is subscribed by the
// Orchestrator; the outbound side is published by it.

// ScanTopic is the inbound scan-command topic for gwID.
func ScanTopic(gwID string) string { return "scan/" + gwID }

// FilterTopic is the inbound filter-reconfiguration topic for gwID.
func FilterTopic(gwID string) string { return "filter/" + gwID }

// GattTopicFilter is the inbound GATT-command subscription pattern for gwID;
// the final level carries the target device MAC.
func GattTopicFilter(gwID string) string { return "gatt/" + gwID + "/+" }

// AdvertisementTopic is the outbound per-device advertisement topic; subTopic
// ("eddystone", "ibeacon", or a decoded service-data name) is appended when
// non-empty.
func AdvertisementTopic(gwID, mac, subTopic string) string {
	t := "advertisement/" + gwID + "/" + mac
	if subTopic != "" {
		t += "/" + subTopic
	}
	return t
}

// ScanResultTopic is the outbound scan-summary topic for gwID.
func ScanResultTopic(gwID string) string { return "scan_result/" + gwID }

// GattResultTopic is the outbound per-device GATT result/notification topic.
func GattResultTopic(gwID, mac string) string { return "gatt_result/" + gwID + "/" + mac }

// MACFromTopic extracts the device address from the last segment of a GATT
// command topic and normalizes it to lowercase. It returns "" if the segment
// is not a plausible MAC (6x2 hex digits + 5 colons = 17 characters).
func MACFromTopic(topic string) string {
	elem := strings.Split(topic, "/")
	addr := elem[len(elem)-1]
	if len(addr) != 17 {
		return ""
	}
	return strings.ToLower(addr)
}
