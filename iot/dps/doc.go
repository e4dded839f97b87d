/*Package dps implements the device side of the device provisioning service protocol over MQTT

The provisioning service tells a device which hub it is assigned to. The exchange is a
request/poll state machine:

	subscribe  $dps/registrations/res/#
	publish    $dps/registrations/PUT/iotdps-register/?$rid={request_id}
	receive    $dps/registrations/res/202/?$rid={request_id}&retry-after=3    {"operationId": "..."}
	publish    $dps/registrations/GET/iotdps-get-operationstatus/?$rid={request_id}&operationId={operation_id}
	receive    $dps/registrations/res/200/?$rid={request_id}                  {"status": "assigned", "registrationState": {...}}

The status code of a response is the topic segment after "$dps/registrations/res/".
A 429 makes the client back off and poll again with the same operation id, a 401 ends
the attempt. Every attempt has a deadline.

All provisioning messages are published with at-most-once delivery.
*/
package dps
