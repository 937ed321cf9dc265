package domain

import "strings"

// AuthMode is the OPC UA user-identity token type used to open a session.
type AuthMode string

const (
	AuthModeAnonymous        AuthMode = "Anonymous"
	AuthModeUsernamePassword AuthMode = "UsernamePassword"
)

// SessionState is the lifecycle state of a Session (§3).
type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	SessionDisconnecting
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "Connecting"
	case SessionConnected:
		return "Connected"
	case SessionDisconnecting:
		return "Disconnecting"
	default:
		return "Disconnected"
	}
}

// EncryptedCredential is an RSA-OAEP wrapped username/password pair (C1).
// Equality is defined over the ciphertext so a round-tripped configuration
// file preserves identity without ever holding plaintext.
type EncryptedCredential struct {
	CipherUsername []byte
	CipherPassword []byte
}

// Equal compares two EncryptedCredential values by ciphertext.
func (e EncryptedCredential) Equal(o EncryptedCredential) bool {
	return string(e.CipherUsername) == string(o.CipherUsername) &&
		string(e.CipherPassword) == string(o.CipherPassword)
}

// IsZero reports whether no credential is set.
func (e EncryptedCredential) IsZero() bool {
	return len(e.CipherUsername) == 0 && len(e.CipherPassword) == 0
}

// EndpointKey normalises an endpoint URL for use as a map key: endpoint
// identity is case-insensitive (§3).
func EndpointKey(url string) string {
	return strings.ToLower(strings.TrimSpace(url))
}

// Endpoint is the desired configuration for one OPC UA server connection
// (§3). The Subscription Manager creates a Session for an Endpoint when
// it first gains a Monitored Item, and destroys it once it holds none.
type Endpoint struct {
	URL          string
	UseSecurity  bool
	AuthMode     AuthMode
	Credential   EncryptedCredential
	HasCredential bool
}

// Key returns the canonical map key for this endpoint.
func (e Endpoint) Key() string {
	return EndpointKey(e.URL)
}
