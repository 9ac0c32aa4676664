package session

import "github.com/meow-io/go-relay/ids"

// An event indicating an application message was decrypted.
type DecryptedMessage struct {
	GroupID   ids.ID
	SenderID  ids.ID
	Plaintext []byte
}

// An event indicating a welcome was processed and a session established.
type WelcomeProcessed struct {
	GroupID ids.ID
	PeerID  ids.ID
}

// An event indicating a peer's key bundle arrived.
type PeerKeysReceived struct {
	PeerID ids.ID
}

// An event indicating a session can no longer process its group's messages and
// recovery has begun.
type DesyncDetected struct {
	GroupID ids.ID
}

// An event indicating a desynchronized session rejoined its group.
type DesyncResolved struct {
	GroupID ids.ID
	Epoch   uint64
}

// An event indicating recovery failed terminally; rejoining requires manual
// intervention.
type RecoveryFailed struct {
	GroupID ids.ID
}
