/*Package sas signs shared access signatures for the hub and the device provisioning service

A shared access signature is a time-limited credential. The device signs the string

	{resource_uri}\n{expiry}

with HMAC-SHA256 under its base64 encoded shared key and presents the result as MQTT password:

	SharedAccessSignature sr={resource_uri}&sig={signature}&se={expiry}

The hub resource is "{hub_host}/devices/{device_id}". The provisioning resource is
"{id_scope}/registrations/{registration_id}" and its token carries the additional key
name "skn=registration".

Signing is pure, the same input always produces the same token.
*/
package sas
