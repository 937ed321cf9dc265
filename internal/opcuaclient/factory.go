package opcuaclient

import (
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

// DefaultFactory builds an *opcua.Client with the security/auth handshake
// spec.md §1 treats as "out of scope" already applied: no security when
// useSecurity is false, username/password or anonymous identity
// otherwise. Certificate/PKI management is the caller's concern — this
// factory assumes AutoAcceptCerts-style trust decisions were already made
// by whatever supplied endpointURL.
func DefaultFactory(endpointURL string, useSecurity bool, authMode domain.AuthMode, username, password string) (*opcua.Client, error) {
	var opts []opcua.Option
	if useSecurity {
		opts = append(opts,
			opcua.SecurityPolicy("Basic256Sha256"),
			opcua.SecurityModeString("SignAndEncrypt"),
		)
	} else {
		opts = append(opts,
			opcua.SecurityPolicy(ua.SecurityPolicyURINone),
			opcua.SecurityModeString("None"),
		)
	}

	if authMode == domain.AuthModeUsernamePassword && username != "" {
		opts = append(opts, opcua.AuthUsername(username, password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	return opcua.NewClient(endpointURL, opts...)
}
