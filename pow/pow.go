// This package implements the proof-of-work deterrent for unsolicited inbox
// messages. Mining iterates the envelope nonce until the SHA-256 digest of the
// encoded envelope has the required number of leading zero bits; verification is a
// single digest. The asymmetry between the two is the entire defense.
package pow

import (
	"context"
	"crypto/sha256"
	"errors"
	"math/bits"

	"github.com/meow-io/go-relay/wire"
)

// Default number of leading zero bits, two zero bytes.
const DefaultDifficultyBits = 16

var ErrInvalid = errors.New("pow: invalid proof of work")

// checkCancelMask throttles how often mining polls its context.
const checkCancelMask = 0x3ff

// Mine sets env.PowNonce to a value satisfying the difficulty and returns it.
// It re-encodes and re-hashes the envelope on every increment, so cost scales
// with 2^difficultyBits. Mining is CPU-bound and must run off the goroutine
// which services inbound deliveries; ctx cancels an abandoned send.
func Mine(ctx context.Context, env *wire.SealedEnvelope, difficultyBits uint) (uint64, error) {
	for nonce := uint64(0); ; nonce++ {
		if nonce&checkCancelMask == 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
		}
		env.PowNonce = nonce
		b, err := wire.EncodeEnvelope(env)
		if err != nil {
			return 0, err
		}
		if satisfies(b, difficultyBits) {
			return nonce, nil
		}
	}
}

// Verify recomputes the digest of an encoded envelope once and checks the
// leading bits. O(1) relative to mining.
func Verify(envelopeBytes []byte, difficultyBits uint) bool {
	return satisfies(envelopeBytes, difficultyBits)
}

func satisfies(b []byte, difficultyBits uint) bool {
	digest := sha256.Sum256(b)
	return LeadingZeroBits(digest[:]) >= difficultyBits
}

// LeadingZeroBits counts leading zero bits in a digest.
func LeadingZeroBits(digest []byte) uint {
	var n uint
	for _, b := range digest {
		if b == 0 {
			n += 8
			continue
		}
		n += uint(bits.LeadingZeros8(b))
		break
	}
	return n
}
