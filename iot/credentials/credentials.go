package credentials

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/relabs-tech/smartpot/iot/sas"
)

// Store holds the trust store and key material of a device
type Store struct {
	rootCAs         *x509.CertPool
	provisioningKey string
	hubKey          string
}

// Builder is a builder helper for the Store
type Builder struct {
	// CACertFile is the file path to the PEM encoded root certificate authority of the
	// provisioning service and the hub. The default is the system pool.
	CACertFile string
	// CACertPEM is a PEM encoded root certificate authority. It takes precedence over
	// CACertFile.
	CACertPEM []byte
	// RegistrationID is the registration id. Needed with GroupKey.
	RegistrationID string
	// ProvisioningKey is the base64 encoded key of an individual enrollment
	ProvisioningKey string
	// GroupKey is the base64 encoded key of a group enrollment. The provisioning key
	// is derived from it.
	GroupKey string
	// HubKey is the base64 encoded device key for a direct hub connection. The default is
	// the provisioning key.
	HubKey string
}

// NewStore creates the store
func NewStore(b *Builder) (*Store, error) {
	s := &Store{
		provisioningKey: b.ProvisioningKey,
		hubKey:          b.HubKey,
	}

	if len(b.GroupKey) > 0 {
		if len(b.RegistrationID) == 0 {
			return nil, errors.New("registration id is missing for group key")
		}
		key, err := sas.DeriveDeviceKey(b.GroupKey, b.RegistrationID)
		if err != nil {
			return nil, fmt.Errorf("cannot derive device key: %w", err)
		}
		s.provisioningKey = key
	}
	if len(s.hubKey) == 0 {
		s.hubKey = s.provisioningKey
	}

	caCert := b.CACertPEM
	if len(caCert) == 0 && len(b.CACertFile) > 0 {
		var err error
		caCert, err = os.ReadFile(b.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read ca-cert file: %w", err)
		}
	}
	if len(caCert) > 0 {
		s.rootCAs = x509.NewCertPool()
		if ok := s.rootCAs.AppendCertsFromPEM(caCert); !ok {
			return nil, errors.New("no certificate found in ca-cert")
		}
	}
	return s, nil
}

// ProvisioningKey returns the shared key for the provisioning service
func (s *Store) ProvisioningKey() string {
	return s.provisioningKey
}

// HubKey returns the shared key for the hub
func (s *Store) HubKey() string {
	return s.hubKey
}

// TLSConfig returns the TLS configuration for a connection to serverName. A nil
// root pool means the system pool.
func (s *Store) TLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		RootCAs:    s.rootCAs,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
}
