/*
Package hub implements the steady state session with the IoT hub.

The session authenticates with a SAS token which is signed again on every connect and
reconnect, so a long running session survives token expiry. Telemetry goes to
TelemetryTopic(), cloud-to-device messages arrive on C2DTopicFilter() and are delivered
through NextEvent().

The write path (Publish) and the read path (NextEvent) are independent and may be used
from different goroutines at the same time.
*/
package hub
