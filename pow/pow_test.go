package pow

import (
	"context"
	"testing"

	"github.com/meow-io/go-relay/wire"
	"github.com/stretchr/testify/require"
)

const testDifficultyBits = 8

func makeEnvelope() *wire.SealedEnvelope {
	return &wire.SealedEnvelope{
		Version:            wire.Version,
		EphemeralPublicKey: make([]byte, wire.EphemeralKeySize),
		EncryptedPayload:   []byte("ciphertext"),
	}
}

func TestMineAndVerify(t *testing.T) {
	require := require.New(t)

	env := makeEnvelope()
	nonce, err := Mine(context.Background(), env, testDifficultyBits)
	require.Nil(err)
	require.Equal(nonce, env.PowNonce)

	b, err := wire.EncodeEnvelope(env)
	require.Nil(err)
	require.True(Verify(b, testDifficultyBits))
}

func TestMineReturnsSmallestNonce(t *testing.T) {
	require := require.New(t)

	env := makeEnvelope()
	nonce, err := Mine(context.Background(), env, testDifficultyBits)
	require.Nil(err)

	for n := uint64(0); n < nonce; n++ {
		env.PowNonce = n
		b, err := wire.EncodeEnvelope(env)
		require.Nil(err)
		require.False(Verify(b, testDifficultyBits))
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	require := require.New(t)

	env := makeEnvelope()
	_, err := Mine(context.Background(), env, 16)
	require.Nil(err)

	env.EncryptedPayload = []byte("ciphertexT")
	b, err := wire.EncodeEnvelope(env)
	require.Nil(err)
	require.False(Verify(b, 16))
}

func TestMineCancellation(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Mine(ctx, makeEnvelope(), 256)
	require.ErrorIs(err, context.Canceled)
}

func TestZeroDifficultyAlwaysVerifies(t *testing.T) {
	require := require.New(t)

	env := makeEnvelope()
	nonce, err := Mine(context.Background(), env, 0)
	require.Nil(err)
	require.Equal(uint64(0), nonce)

	b, err := wire.EncodeEnvelope(env)
	require.Nil(err)
	require.True(Verify(b, 0))
}

func TestLeadingZeroBits(t *testing.T) {
	require := require.New(t)

	require.Equal(uint(0), LeadingZeroBits([]byte{0xff, 0x00}))
	require.Equal(uint(1), LeadingZeroBits([]byte{0x7f}))
	require.Equal(uint(8), LeadingZeroBits([]byte{0x00, 0xff}))
	require.Equal(uint(12), LeadingZeroBits([]byte{0x00, 0x0f}))
	require.Equal(uint(16), LeadingZeroBits([]byte{0x00, 0x00}))
}
