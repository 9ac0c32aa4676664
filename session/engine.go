// This package orchestrates group sessions: routing inbound transport messages,
// sequencing the external group messaging engine, and recovering sessions which
// have desynchronized from their group. The group key agreement itself lives
// behind the Engine interface; any RFC 9420 conformant implementation can sit
// there. This package's concern is what wraps around it.
package session

import (
	"fmt"

	"github.com/meow-io/go-relay/ids"
)

// MessageInfo identifies a protocol message for replay and ordering purposes
// without consuming it.
type MessageInfo struct {
	Epoch           uint64
	SenderLeafIndex uint32
	Generation      uint32
}

type ProcessedKind int

const (
	ProcessedApplication ProcessedKind = iota + 1
	ProcessedProposal
	ProcessedCommit
)

// Processed is the engine's result for one protocol message.
type Processed struct {
	Kind ProcessedKind
	Info MessageInfo
	// The sender's credential identity.
	SenderID []byte
	// Plaintext, for application messages.
	Application []byte
	// Opaque staged commit handle, for commits. Passed back to
	// MergeStagedCommit once the controller decides to advance.
	Staged any
}

// Session is one group's cryptographic state, owned by the engine.
type Session interface {
	GroupID() ids.ID
	Epoch() uint64
	Members() [][]byte
	// AddMember stages an add and returns the welcome for the new member, the
	// commit for existing members and the updated group info.
	AddMember(keyPackage []byte) (welcome, commit, groupInfo []byte, err error)
	RemoveMember(leafIndex uint32) (commit []byte, err error)
	Encrypt(plaintext []byte) ([]byte, error)
	// Peek extracts replay/ordering identifiers without consuming the message.
	Peek(protocolMessage []byte) (MessageInfo, error)
	Process(protocolMessage []byte) (*Processed, error)
	MergePendingCommit() error
	MergeStagedCommit(staged any) error
	ExportSecret(label string, context []byte, length int) ([]byte, error)
	ExportRatchetTree() ([]byte, error)
	// GroupInfo exports the group info an external joiner needs, at the current
	// epoch. Republished after every merged commit so the retained copy never
	// lags the group.
	GroupInfo() ([]byte, error)
}

// Engine is the external group messaging engine capability set.
type Engine interface {
	CreateGroup(groupID ids.ID) (Session, error)
	Join(welcome, ratchetTree []byte) (Session, error)
	// ExternalJoin rebuilds membership from published group info, returning the
	// new session and the external commit to publish.
	ExternalJoin(groupInfo []byte) (Session, []byte, error)
	NewKeyPackage() ([]byte, error)
	ValidateKeyPackage(keyPackage []byte) error
}

// GroupStateError wraps a failure inside the group messaging engine. It marks a
// session as suspect but is not surfaced to the application directly.
type GroupStateError struct {
	Op  string
	Err error
}

func (e *GroupStateError) Error() string {
	return fmt.Sprintf("session: group state error during %s: %v", e.Op, e.Err)
}

func (e *GroupStateError) Unwrap() error {
	return e.Err
}
