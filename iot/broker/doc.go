/*
Package broker is a local MQTT broker which simulates the device provisioning service
and the IoT hub for development and integration tests.

Devices register on the provisioning topics with a SAS token signed by their enrollment
key. The simulator accepts the registration with 202, answers a configurable number
of polls with 202 and then assigns the device to its own hub host with the registration
id as device id. Hub connections authenticate with a hub token signed by the same key.
Telemetry is handed to the OnTelemetry hook, SendToDevice delivers cloud-to-device
messages.
*/
package broker
