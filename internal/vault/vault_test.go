package vault

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

func mustKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := mustKey(t)
	v := New(&key.PublicKey, key)

	cred, err := v.Encrypt("alice", "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	user, pass, err := v.Decrypt(cred)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if user != "alice" || pass != "hunter2" {
		t.Fatalf("got (%q, %q), want (alice, hunter2)", user, pass)
	}
}

func TestDecryptWithDifferentKeyFails(t *testing.T) {
	key1 := mustKey(t)
	key2 := mustKey(t)

	v1 := New(&key1.PublicKey, key1)
	cred, err := v1.Encrypt("alice", "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	v2 := New(&key2.PublicKey, key2)
	if _, _, err := v2.Decrypt(cred); !errors.Is(err, domain.ErrKeyMismatch) {
		t.Fatalf("got err=%v, want ErrKeyMismatch", err)
	}
}

func TestDecryptWithoutPrivateKeyFails(t *testing.T) {
	key := mustKey(t)
	v := New(&key.PublicKey, nil)

	if _, _, err := v.Decrypt(domain.EncryptedCredential{CipherUsername: []byte("x"), CipherPassword: []byte("y")}); !errors.Is(err, domain.ErrMissingKey) {
		t.Fatalf("got err=%v, want ErrMissingKey", err)
	}
}

func TestEncryptedCredentialEquality(t *testing.T) {
	key := mustKey(t)
	v := New(&key.PublicKey, key)

	a, err := v.Encrypt("alice", "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b := a // copy: same ciphertext bytes

	if !a.Equal(b) {
		t.Fatalf("expected equal credentials to compare equal")
	}
}
