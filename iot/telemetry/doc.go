/*
Package telemetry runs a steady state device session.

An Orchestrator races two tasks. The inbound task waits for events from the hub and
handles cloud-to-device messages, the outbound task reads the sensors and publishes
telemetry in intervals. The first task to finish ends the session and its result is
the result of Run. The other task is canceled and not waited for.
*/
package telemetry
