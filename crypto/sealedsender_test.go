package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	require := require.New(t)

	pub, priv, err := GenerateKeyPair()
	require.Nil(err)

	env, err := Seal([]byte("hello"), pub)
	require.Nil(err)
	require.Equal(uint8(1), env.Version)
	require.Len(env.EphemeralPublicKey, 32)
	require.Equal(uint64(0), env.PowNonce)

	plain, err := Unseal(env, priv)
	require.Nil(err)
	require.Equal([]byte("hello"), plain)
}

func TestUnsealWrongRecipient(t *testing.T) {
	require := require.New(t)

	pub, _, err := GenerateKeyPair()
	require.Nil(err)
	_, otherPriv, err := GenerateKeyPair()
	require.Nil(err)

	env, err := Seal([]byte("hello"), pub)
	require.Nil(err)
	_, err = Unseal(env, otherPriv)
	require.ErrorIs(err, ErrAuthenticationFailed)
}

func TestUnsealTamperedCiphertext(t *testing.T) {
	require := require.New(t)

	pub, priv, err := GenerateKeyPair()
	require.Nil(err)

	env, err := Seal([]byte("hello"), pub)
	require.Nil(err)
	env.EncryptedPayload[len(env.EncryptedPayload)-1] ^= 0x01
	_, err = Unseal(env, priv)
	require.ErrorIs(err, ErrAuthenticationFailed)
}

func TestUnsealTamperedEphemeralKey(t *testing.T) {
	require := require.New(t)

	pub, priv, err := GenerateKeyPair()
	require.Nil(err)

	env, err := Seal([]byte("hello"), pub)
	require.Nil(err)
	env.EphemeralPublicKey[0] ^= 0x01
	_, err = Unseal(env, priv)
	require.ErrorIs(err, ErrAuthenticationFailed)
}

func TestUnsealTruncatedPayload(t *testing.T) {
	require := require.New(t)

	pub, priv, err := GenerateKeyPair()
	require.Nil(err)

	env, err := Seal([]byte("hello"), pub)
	require.Nil(err)
	env.EncryptedPayload = env.EncryptedPayload[:4]
	_, err = Unseal(env, priv)
	require.ErrorIs(err, ErrAuthenticationFailed)
}

func TestUnsealAllZeroEphemeralKey(t *testing.T) {
	require := require.New(t)

	pub, priv, err := GenerateKeyPair()
	require.Nil(err)

	env, err := Seal([]byte("hello"), pub)
	require.Nil(err)
	env.EphemeralPublicKey = make([]byte, 32)
	_, err = Unseal(env, priv)
	require.ErrorIs(err, ErrAuthenticationFailed)
}

func TestSealProducesFreshEphemeralKeys(t *testing.T) {
	require := require.New(t)

	pub, _, err := GenerateKeyPair()
	require.Nil(err)

	env1, err := Seal([]byte("hello"), pub)
	require.Nil(err)
	env2, err := Seal([]byte("hello"), pub)
	require.Nil(err)
	require.NotEqual(env1.EphemeralPublicKey, env2.EphemeralPublicKey)
	require.NotEqual(env1.EncryptedPayload, env2.EncryptedPayload)
}
