// Package mqtt provides the MQTT client used to mirror MoIP state to a broker
// and accept commands from home-automation systems.
//
// Topic layout (see Topics):
//
//	moip/state/routing                    retained routing table
//	moip/state/device/{tx|rx}/{index}     retained device metadata
//	moip/state/connection/{transport}     retained connection state
//	moip/event/serial/{tx|rx}/{index}     serial data received
//	moip/health                           retained bridge health
//	moip/command/{command}                inbound commands
//	moip/ack/{command_id}                 command results
//	moip/system/status                    online/offline, last-will
//
// The client wraps github.com/eclipse/paho.mqtt.golang with auto-reconnect,
// subscription restoration and panic-safe handlers.
package mqtt
