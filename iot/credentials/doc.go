/*Package credentials holds the key material and trust store of a device

A Store is built once at startup and passed explicitly to every component that
authenticates: the provisioning client and the hub session. There is no global
certificate store.

The trust store must contain the root certificate authority of the provisioning
service and the hub. It is loaded from a PEM file; without a file the system pool
is used.

The store keeps two shared keys: the provisioning key of the registration (either an
individual enrollment key or derived from a group enrollment key) and the hub key of
the device. With provisioning, the hub key is the provisioning key, since the
service assigns the device with the same symmetric key.

Nothing in the store is persisted.
*/
package credentials
