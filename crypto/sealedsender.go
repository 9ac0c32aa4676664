// This package implements sealed sender: a payload is encrypted to a recipient's
// long-term X25519 public key under a fresh ephemeral key, so the transport learns
// nothing about who sent it.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"github.com/meow-io/go-relay/wire"
	"golang.org/x/crypto/hkdf"
)

const (
	sealLabel = "relay-seal-v1"
	nonceSize = 12
	keySize   = 32
)

// Returned whenever an envelope cannot be opened, whether from a wrong key, a
// tampered ciphertext or a degenerate ephemeral key. Callers drop the envelope and
// never retry.
var ErrAuthenticationFailed = errors.New("crypto: authentication failed")

// GenerateKeyPair makes a long-term sealed-sender key pair.
func GenerateKeyPair() (pub, priv nacl.Key, err error) {
	pub, priv, err = box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: error generating key pair: %w", err)
	}
	return pub, priv, nil
}

// Seal encrypts payload to recipientPub and returns an envelope with PowNonce
// zero. The caller mines the nonce afterwards.
func Seal(payload []byte, recipientPub nacl.Key) (*wire.SealedEnvelope, error) {
	ephPub, ephPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: error generating ephemeral key: %w", err)
	}

	aead, err := sealCipher(ephPriv, recipientPub)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: error reading nonce: %w", err)
	}

	// nonce is prepended to the ciphertext
	encrypted := aead.Seal(nonce, nonce, payload, nil)

	return &wire.SealedEnvelope{
		Version:            wire.Version,
		EphemeralPublicKey: (*ephPub)[:],
		EncryptedPayload:   encrypted,
		PowNonce:           0,
	}, nil
}

// Unseal recomputes the shared secret from the embedded ephemeral key and opens
// the payload.
func Unseal(env *wire.SealedEnvelope, priv nacl.Key) ([]byte, error) {
	if len(env.EphemeralPublicKey) != keySize {
		return nil, ErrAuthenticationFailed
	}
	if len(env.EncryptedPayload) < nonceSize {
		return nil, ErrAuthenticationFailed
	}

	var ephPub [32]byte
	copy(ephPub[:], env.EphemeralPublicKey)
	aead, err := sealCipher(priv, nacl.Key(&ephPub))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	nonce := env.EncryptedPayload[:nonceSize]
	ct := env.EncryptedPayload[nonceSize:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plain, nil
}

func sealCipher(priv, pub nacl.Key) (cipher.AEAD, error) {
	shared := scalarmult.Mult(priv, pub)
	if allZero((*shared)[:]) {
		return nil, ErrAuthenticationFailed
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, (*shared)[:], nil, []byte(sealLabel))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("crypto: error deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: error making cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func allZero(b []byte) bool {
	var acc byte
	for _, x := range b {
		acc |= x
	}
	return acc == 0
}
