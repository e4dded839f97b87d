/*Package mqtt provides the MQTT client used for the provisioning service and the hub

The client wraps the eclipse paho client. It adds context aware waiting for
acknowledgements and turns the callback based message delivery into a pull based
event stream:

	event, err := client.NextEvent(ctx)

An event is either a received message or a connection status notification
(connected, connection lost, reconnecting). Status notifications are informational,
the client reconnects on its own when AutoReconnect is set. Without AutoReconnect a
lost connection is fatal and NextEvent returns the error. After Close, NextEvent
returns ErrClosed.

Publish and NextEvent can be used concurrently from different goroutines without
contending for a common lock, so a writer and a reader can share one connection.

Quality of Service

Two delivery guarantees are supported:

	AtMostOnce  (QoS 0) fire and forget, used for provisioning control messages
	AtLeastOnce (QoS 1) acknowledged, possibly duplicated, used for telemetry

*/
package mqtt
