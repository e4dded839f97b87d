// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the device side of the smartpot IoT stack

A device proves its identity with shared access signatures (package sas), asks the
device provisioning service which hub it belongs to (package dps), opens an
authenticated MQTT session to that hub (package hub) and then runs two tasks
against the session: an inbound listener for cloud-to-device messages and an
outbound publisher for sensor telemetry (package telemetry). Whichever task ends
first ends the session. Package device supervises the whole lifecycle and restarts
it from scratch after a failure.

All components share the error taxonomy in this package, so that callers can tell
wrong credentials (ErrAuth, ErrKeyDecode) from an unreachable network (ErrNetwork)
and from a service-side rejection (ErrProtocol).

*/
package iot
