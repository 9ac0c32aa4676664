// This package derives and validates the epoch-scoped access tokens which let
// established peers bypass proof-of-work on each other's inboxes. A token is the
// group's exporter secret narrowed to 16 bytes under a fixed label; it is only
// ever valid for the epoch it was derived from and is recomputed on every epoch
// transition, never persisted.
package token

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/meow-io/go-relay/ids"
)

const (
	Size        = 16
	exportLabel = "relay-access-token-v1"
)

type Token [Size]byte

// Exporter is the slice of the group messaging engine needed here: the MLS
// exporter primitive at the session's current epoch.
type Exporter interface {
	ExportSecret(label string, context []byte, length int) ([]byte, error)
}

// Derive computes the access token for a session at its current epoch.
func Derive(e Exporter, groupID ids.ID) (Token, error) {
	var t Token
	secret, err := e.ExportSecret(exportLabel, groupID[:], Size)
	if err != nil {
		return t, fmt.Errorf("token: error exporting secret: %w", err)
	}
	if len(secret) != Size {
		return t, fmt.Errorf("token: expected %d byte secret, got %d", Size, len(secret))
	}
	copy(t[:], secret)
	return t, nil
}

// A peer may share more than one group with us, each with its own token.
type sessionKey struct {
	peer  ids.ID
	group ids.ID
}

// Manager tracks the expected token per shared session. Outbound messages attach
// a token for the destination peer; inbound envelopes are checked against every
// entry, since the sealed envelope hides the sender until unsealing. Entries are
// current by construction: rotation replaces them atomically and a failed
// rotation removes them rather than let an old epoch's token keep validating.
type Manager struct {
	lock    sync.Mutex
	entries map[sessionKey]Token
}

func NewManager() *Manager {
	return &Manager{entries: make(map[sessionKey]Token)}
}

// Rotate recomputes the token for a peer session. Called when a session is
// established and again on every epoch transition. On failure the session's
// entry is dropped, so the peer falls back to proof-of-work instead of a token
// we would reject.
func (m *Manager) Rotate(peerID, groupID ids.ID, e Exporter) error {
	t, err := Derive(e, groupID)
	m.lock.Lock()
	defer m.lock.Unlock()
	k := sessionKey{peer: peerID, group: groupID}
	if err != nil {
		delete(m.entries, k)
		return err
	}
	m.entries[k] = t
	return nil
}

// TokenFor returns a token to attach when sealing to peerID. Any shared session's
// token serves; the receiver validates against all of its entries.
func (m *Manager) TokenFor(peerID ids.ID) (Token, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for k, t := range m.entries {
		if k.peer == peerID {
			return t, true
		}
	}
	return Token{}, false
}

// Validate reports whether tok matches any tracked session token. Comparison is
// constant-time per entry. A match lets the receiving path skip proof-of-work
// verification.
func (m *Manager) Validate(tok []byte) bool {
	if len(tok) != Size {
		return false
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	matched := false
	for _, t := range m.entries {
		if subtle.ConstantTimeCompare(tok, t[:]) == 1 {
			matched = true
		}
	}
	return matched
}

// Drop forgets the token for one shared session, on leave or remove.
func (m *Manager) Drop(peerID, groupID ids.ID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.entries, sessionKey{peer: peerID, group: groupID})
}
