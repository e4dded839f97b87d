package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relabs-tech/smartpot/iot"
)

// RegistrationKeyName is the key name used for tokens towards the provisioning service
const RegistrationKeyName = "registration"

// Credential is a signed resource. Render it with String().
type Credential struct {
	ResourceURI string
	Signature   string
	Expiry      int64
	KeyName     string
}

// String returns the credential as shared access signature token
func (c Credential) String() string {
	token := "SharedAccessSignature sr=" + url.QueryEscape(c.ResourceURI) +
		"&sig=" + url.QueryEscape(c.Signature) +
		"&se=" + strconv.FormatInt(c.Expiry, 10)
	if len(c.KeyName) > 0 {
		token += "&skn=" + url.QueryEscape(c.KeyName)
	}
	return token
}

// Sign signs resourceURI and expiry with the base64 encoded key. It fails with
// iot.ErrKeyDecode if the key cannot be decoded.
func Sign(resourceURI, key string, expiry int64) (Credential, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return Credential{}, iot.NewError(iot.StageSign, iot.ErrKeyDecode, err)
	}
	mac := hmac.New(sha256.New, keyBytes)
	mac.Write([]byte(resourceURI + "\n" + strconv.FormatInt(expiry, 10)))
	return Credential{
		ResourceURI: resourceURI,
		Signature:   base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		Expiry:      expiry,
	}, nil
}

// Verify reports whether the credential's signature was made with key
func Verify(c Credential, key string) bool {
	expected, err := Sign(c.ResourceURI, key, c.Expiry)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected.Signature), []byte(c.Signature))
}

// HubResource returns the resource uri of a device on a hub
func HubResource(hubHost, deviceID string) string {
	return hubHost + "/devices/" + deviceID
}

// ProvisioningResource returns the resource uri of a registration in a provisioning scope
func ProvisioningResource(idScope, registrationID string) string {
	return idScope + "/registrations/" + registrationID
}

// HubToken returns a token for a device connecting to hubHost
func HubToken(hubHost, deviceID, key string, expiry int64) (string, error) {
	c, err := Sign(HubResource(hubHost, deviceID), key, expiry)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// ProvisioningToken returns a token for a registration with the provisioning service
func ProvisioningToken(idScope, registrationID, key string, expiry int64) (string, error) {
	c, err := Sign(ProvisioningResource(idScope, registrationID), key, expiry)
	if err != nil {
		return "", err
	}
	c.KeyName = RegistrationKeyName
	return c.String(), nil
}

// DeriveDeviceKey derives the individual device key of registrationID from the shared
// key of a group enrollment
func DeriveDeviceKey(groupKey, registrationID string) (string, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(groupKey)
	if err != nil {
		return "", iot.NewError(iot.StageSign, iot.ErrKeyDecode, err)
	}
	mac := hmac.New(sha256.New, keyBytes)
	mac.Write([]byte(registrationID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// ExpiryFrom returns the unix expiry ttl after now. The expiry is always at least one
// second after now.
func ExpiryFrom(now time.Time, ttl time.Duration) int64 {
	if ttl < time.Second {
		ttl = time.Second
	}
	return now.Add(ttl).Unix()
}

// TokenSource returns fresh tokens. It is called on every (re)connect.
type TokenSource func() (string, error)

// HubTokenSource returns a TokenSource which signs a new hub token valid for ttl
// each time it is called
func HubTokenSource(hubHost, deviceID, key string, ttl time.Duration, now func() time.Time) TokenSource {
	if now == nil {
		now = time.Now
	}
	return func() (string, error) {
		token, err := HubToken(hubHost, deviceID, key, ExpiryFrom(now(), ttl))
		if err != nil {
			return "", fmt.Errorf("cannot sign hub token for %s: %w", deviceID, err)
		}
		return token, nil
	}
}

// Parse parses a shared access signature token as rendered by Credential.String()
func Parse(token string) (Credential, error) {
	fields, found := strings.CutPrefix(token, "SharedAccessSignature ")
	if !found {
		return Credential{}, errors.New("not a shared access signature")
	}
	values, err := url.ParseQuery(fields)
	if err != nil {
		return Credential{}, fmt.Errorf("malformed shared access signature: %w", err)
	}
	c := Credential{
		ResourceURI: values.Get("sr"),
		Signature:   values.Get("sig"),
		KeyName:     values.Get("skn"),
	}
	if len(c.ResourceURI) == 0 || len(c.Signature) == 0 {
		return Credential{}, errors.New("shared access signature without sr or sig")
	}
	c.Expiry, err = strconv.ParseInt(values.Get("se"), 10, 64)
	if err != nil {
		return Credential{}, fmt.Errorf("shared access signature with bad expiry: %w", err)
	}
	return c, nil
}

// Expired reports whether the credential is expired at now
func (c Credential) Expired(now time.Time) bool {
	return c.Expiry <= now.Unix()
}
