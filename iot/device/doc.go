/*
Package device runs the device agent.

The agent signs its credentials, registers with the provisioning service, connects to
the assigned hub and runs a telemetry session. When the session ends it waits for the
restart delay and starts over, until the context is canceled or an error is fatal.

The configuration is read from the environment:

	DPS_ID_SCOPE, DPS_REGISTRATION_ID   provisioning identity
	DPS_DEVICE_KEY or DPS_GROUP_KEY     provisioning key, individual or group enrollment
	IOTHUB_HOSTNAME, DEVICE_ID,         direct hub identity, used without DPS_ID_SCOPE
	DEVICE_KEY
	CA_CERT_FILE                        root CA, the system pool when empty

See Config for the rest.
*/
package device
