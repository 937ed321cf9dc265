// Package vault wraps and unwraps endpoint credentials using the
// application certificate's RSA keypair (C1). Plaintext credentials are
// never persisted; only the caller of Decrypt ever sees them, and only
// for the duration of opening a session.
package vault

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

// Vault encrypts with a public key and, when the matching private key is
// loaded, decrypts.
type Vault struct {
	public  *rsa.PublicKey
	private *rsa.PrivateKey // nil if only the public half is available
}

// New creates a Vault around the application certificate's keypair. priv
// may be nil for a process that only ever wraps credentials (e.g. a
// config-authoring tool); Decrypt then always fails with ErrMissingKey.
func New(pub *rsa.PublicKey, priv *rsa.PrivateKey) *Vault {
	return &Vault{public: pub, private: priv}
}

// Encrypt wraps a username/password pair for storage in the published-nodes
// file.
func (v *Vault) Encrypt(username, password string) (domain.EncryptedCredential, error) {
	if v.public == nil {
		return domain.EncryptedCredential{}, domain.ErrMissingKey
	}

	cu, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, v.public, []byte(username), nil)
	if err != nil {
		return domain.EncryptedCredential{}, fmt.Errorf("vault: encrypt username: %w", err)
	}
	cp, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, v.public, []byte(password), nil)
	if err != nil {
		return domain.EncryptedCredential{}, fmt.Errorf("vault: encrypt password: %w", err)
	}
	return domain.EncryptedCredential{CipherUsername: cu, CipherPassword: cp}, nil
}

// Decrypt unwraps a previously-encrypted credential. Requires the private
// key to have been loaded; decrypting ciphertext produced by a different
// key fails cleanly with ErrKeyMismatch (OAEP's checksum makes the two
// failure modes indistinguishable at the crypto layer, so both map to the
// same sentinel for ciphertext produced elsewhere).
func (v *Vault) Decrypt(cred domain.EncryptedCredential) (username, password string, err error) {
	if v.private == nil {
		return "", "", domain.ErrMissingKey
	}
	if cred.IsZero() {
		return "", "", fmt.Errorf("%w: empty credential", domain.ErrCipherInvalid)
	}

	u, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, v.private, cred.CipherUsername, nil)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrKeyMismatch, err)
	}
	p, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, v.private, cred.CipherPassword, nil)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrKeyMismatch, err)
	}
	return string(u), string(p), nil
}
