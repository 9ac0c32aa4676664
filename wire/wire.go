// This package defines the two structures which cross the transport: the sealed
// envelope published to personal inboxes and the payload carried inside it. Encoding
// is CBOR with string field tags. Decoding never panics; malformed input always
// yields a *MalformedError.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Envelope version understood by this implementation.
const Version = 1

const (
	EphemeralKeySize = 32
	AccessTokenSize  = 16
)

// MsgType discriminates payloads delivered to a personal inbox.
type MsgType uint8

const (
	MsgTypeWelcome MsgType = 3
	MsgTypeMessage MsgType = 5
)

func (t MsgType) Valid() bool {
	return t == MsgTypeWelcome || t == MsgTypeMessage
}

type MalformedError struct {
	Reason string
	Cause  error
}

func (e *MalformedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("wire: malformed envelope: %s", e.Reason)
	}
	return fmt.Sprintf("wire: malformed envelope: %s: %v", e.Reason, e.Cause)
}

func (e *MalformedError) Unwrap() error {
	return e.Cause
}

func malformed(reason string, cause error) *MalformedError {
	return &MalformedError{Reason: reason, Cause: cause}
}

// SealedEnvelope is the outer structure published to a personal inbox. The
// transport observes only the ciphertext and an ephemeral public key, never the
// sender's long-term key or identity.
type SealedEnvelope struct {
	Version            uint8  `cbor:"version"`
	EphemeralPublicKey []byte `cbor:"ephemeral_public_key"`
	EncryptedPayload   []byte `cbor:"encrypted_payload"`
	PowNonce           uint64 `cbor:"pow_nonce"`
	AccessToken        []byte `cbor:"access_token,omitempty"`
}

// Payload is the plaintext carried inside a SealedEnvelope. The same shape serves
// the personal payload and the group inner payload; the optional fields are empty
// when unused.
type Payload struct {
	MsgType              MsgType `cbor:"msg_type"`
	SenderUserID         []byte  `cbor:"sender_user_id"`
	SenderIdentityKey    []byte  `cbor:"sender_identity_key"`
	Content              []byte  `cbor:"content"`
	RatchetTree          []byte  `cbor:"ratchet_tree"`
	SenderOuterPublicKey []byte  `cbor:"sender_outer_public_key"`
}

// KeyBundle is published retained on the keys topic. It carries one or more
// KeyPackage blobs along with the long-term public key used for sealed sender.
type KeyBundle struct {
	KeyPackages           [][]byte `cbor:"key_packages"`
	SealedSenderPublicKey []byte   `cbor:"sealed_sender_public_key"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	// Unknown fields are ignored for forward compatibility.
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func EncodeEnvelope(e *SealedEnvelope) ([]byte, error) {
	return encMode.Marshal(e)
}

func DecodeEnvelope(b []byte) (*SealedEnvelope, error) {
	var e SealedEnvelope
	if err := decMode.Unmarshal(b, &e); err != nil {
		return nil, malformed("undecodable envelope", err)
	}
	if e.Version != Version {
		return nil, malformed(fmt.Sprintf("unsupported version %d", e.Version), nil)
	}
	if len(e.EphemeralPublicKey) != EphemeralKeySize {
		return nil, malformed(fmt.Sprintf("ephemeral key is %d bytes", len(e.EphemeralPublicKey)), nil)
	}
	if len(e.EncryptedPayload) == 0 {
		return nil, malformed("empty encrypted payload", nil)
	}
	if len(e.AccessToken) != 0 && len(e.AccessToken) != AccessTokenSize {
		return nil, malformed(fmt.Sprintf("access token is %d bytes", len(e.AccessToken)), nil)
	}
	return &e, nil
}

func EncodePayload(p *Payload) ([]byte, error) {
	return encMode.Marshal(p)
}

func DecodePayload(b []byte) (*Payload, error) {
	var p Payload
	if err := decMode.Unmarshal(b, &p); err != nil {
		return nil, malformed("undecodable payload", err)
	}
	if !p.MsgType.Valid() {
		return nil, malformed(fmt.Sprintf("unknown msg_type %d", p.MsgType), nil)
	}
	if len(p.SenderUserID) == 0 {
		return nil, malformed("missing sender_user_id", nil)
	}
	return &p, nil
}

func EncodeKeyBundle(b *KeyBundle) ([]byte, error) {
	return encMode.Marshal(b)
}

func DecodeKeyBundle(b []byte) (*KeyBundle, error) {
	var kb KeyBundle
	if err := decMode.Unmarshal(b, &kb); err != nil {
		return nil, malformed("undecodable key bundle", err)
	}
	if len(kb.SealedSenderPublicKey) != EphemeralKeySize {
		return nil, malformed(fmt.Sprintf("sealed sender key is %d bytes", len(kb.SealedSenderPublicKey)), nil)
	}
	return &kb, nil
}
