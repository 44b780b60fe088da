package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every MoIP manager topic.
const TopicPrefix = "moip"

// Topics provides builders for MoIP manager MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceState("rx", 3) // "moip/state/device/rx/3"
type Topics struct{}

// Routing is the retained topic carrying the full routing table.
func (Topics) Routing() string {
	return TopicPrefix + "/state/routing"
}

// DeviceState is the retained topic for one device's metadata and online flag.
func (Topics) DeviceState(kind string, index int) string {
	return fmt.Sprintf("%s/state/device/%s/%d", TopicPrefix, kind, index)
}

// SerialEvent carries serial data received by a device.
func (Topics) SerialEvent(kind string, index int) string {
	return fmt.Sprintf("%s/event/serial/%s/%d", TopicPrefix, kind, index)
}

// ConnectionState is the retained topic for one transport's connection state.
func (Topics) ConnectionState(transport string) string {
	return fmt.Sprintf("%s/state/connection/%s", TopicPrefix, transport)
}

// Health is the retained bridge health topic.
func (Topics) Health() string {
	return TopicPrefix + "/health"
}

// Command is the topic a client publishes to for one command name.
func (Topics) Command(command string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, command)
}

// AllCommands is the wildcard subscription covering every command topic.
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+"
}

// Ack is the topic carrying the result of a command.
func (Topics) Ack(commandID string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, commandID)
}

// SystemStatus is the retained online/offline topic, also used as last-will.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// CommandName extracts the command from a moip/command/{command} topic.
// Returns false for any other topic.
func (Topics) CommandName(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefix+"/command/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
