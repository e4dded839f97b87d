/*
Package status tracks the state of the device agent and serves it on a local REST
endpoint.

	GET /status   the tracker snapshot as JSON
	GET /health   200 while a hub session is running, 503 otherwise

The Tracker implements telemetry.Observer.
*/
package status
