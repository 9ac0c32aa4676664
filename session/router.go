package session

import (
	"errors"

	"github.com/kevinburke/nacl"
	"github.com/meow-io/go-relay/crypto"
	"github.com/meow-io/go-relay/guard"
	"github.com/meow-io/go-relay/ids"
	"github.com/meow-io/go-relay/pow"
	"github.com/meow-io/go-relay/transport"
	"github.com/meow-io/go-relay/wire"
)

// HandleMessage routes one inbound transport delivery. Malformed, unverifiable
// or replayed input is absorbed here: logged and dropped, never raised. A
// personal inbox receives garbage by design and one poisoned message must never
// block the stream behind it.
func (m *Manager) HandleMessage(msg transport.Message) {
	classified, err := m.topics.Classify(msg.Topic())
	if err != nil {
		m.log.Debugf("dropping message: %v", err)
		return
	}
	switch classified.Kind {
	case transport.KindInbox:
		m.handleInbox(msg.Body())
	case transport.KindKeys:
		m.handleKeys(classified.ID, msg.Body())
	case transport.KindGroupMessages:
		m.handleGroupMessage(classified.ID, msg.Body())
	case transport.KindGroupInfo:
		m.handleGroupInfo(classified.ID, msg.Body())
	default:
		m.log.Debugf("dropping message on unclassified topic %s", msg.Topic())
	}
}

func (m *Manager) handleInbox(body []byte) {
	env, err := wire.DecodeEnvelope(body)
	if err != nil {
		m.log.Debugf("dropping inbox message: %v", err)
		return
	}

	// A valid access token stands in for work; otherwise the proof is checked
	// over the envelope exactly as mined.
	if len(env.AccessToken) == 0 || !m.tokens.Validate(env.AccessToken) {
		encoded, err := wire.EncodeEnvelope(env)
		if err != nil {
			m.log.Debugf("dropping inbox message: %v", err)
			return
		}
		if !pow.Verify(encoded, m.config.PowDifficultyBits) {
			m.log.Debugf("dropping inbox message: proof of work does not satisfy %d bits", m.config.PowDifficultyBits)
			return
		}
	}

	plain, err := crypto.Unseal(env, m.sealPriv)
	if err != nil {
		// wrong recipient or tampering, expected on a public inbox
		m.log.Debugf("dropping inbox message: %v", err)
		return
	}
	payload, err := wire.DecodePayload(plain)
	if err != nil {
		m.log.Debugf("dropping inbox message: %v", err)
		return
	}
	if len(payload.SenderUserID) != 16 {
		m.log.Debugf("dropping inbox message: sender id is %d bytes", len(payload.SenderUserID))
		return
	}
	senderID := ids.IDFromBytes(payload.SenderUserID)

	// remember the sender's outer key for replies
	if len(payload.SenderOuterPublicKey) == 32 {
		var outer [32]byte
		copy(outer[:], payload.SenderOuterPublicKey)
		m.lock.Lock()
		info, ok := m.peers[senderID]
		if !ok {
			info = &peerInfo{}
			m.peers[senderID] = info
		}
		info.outerKey = nacl.Key(&outer)
		m.lock.Unlock()
	}

	switch payload.MsgType {
	case wire.MsgTypeWelcome:
		m.handleWelcome(senderID, payload)
	case wire.MsgTypeMessage:
		st := m.findGroup(senderID)
		if st == nil {
			m.log.Debugf("dropping inbox message from %x: no session", senderID[:])
			return
		}
		m.processProtocolMessage(st, payload.Content)
	}
}

func (m *Manager) handleWelcome(senderID ids.ID, payload *wire.Payload) {
	sess, err := m.engine.Join(payload.Content, payload.RatchetTree)
	if err != nil {
		m.log.Warnf("error joining group from welcome: %v", err)
		return
	}
	groupID := sess.GroupID()

	st := &groupState{
		groupID:      groupID,
		peerID:       senderID,
		sess:         sess,
		currentEpoch: sess.Epoch(),
		lastActivity: m.clock.Now(),
	}
	m.lock.Lock()
	if _, exists := m.groups[groupID]; exists {
		// a redelivered welcome for a group we already joined
		m.lock.Unlock()
		m.log.Debugf("dropping welcome from %x: group %x already joined", senderID[:], groupID[:])
		return
	}
	m.groups[groupID] = st
	// direct sends to this peer keep routing through their first group
	if _, ok := m.peerGroups[senderID]; !ok {
		m.peerGroups[senderID] = groupID
	}
	m.lock.Unlock()

	reqCtx, cancel := m.publishContext()
	defer cancel()
	if err := m.subscribeGroup(reqCtx, groupID); err != nil {
		m.log.Warnf("error subscribing group %x: %v", groupID[:], err)
	}
	if err := m.tokens.Rotate(senderID, groupID, sess); err != nil {
		m.log.Warnf("error rotating token for %x: %v", senderID[:], err)
	}
	// our published key package was consumed building this welcome
	if err := m.PublishKeyBundle(reqCtx); err != nil {
		m.log.Warnf("error republishing key bundle: %v", err)
	}
	m.log.Infof("joined group %x with %x", groupID[:], senderID[:])
	m.emit(&WelcomeProcessed{GroupID: groupID, PeerID: senderID})
}

func (m *Manager) handleKeys(clientID ids.ID, body []byte) {
	if clientID == m.clientID {
		return
	}
	bundle, err := wire.DecodeKeyBundle(body)
	if err != nil {
		m.log.Debugf("dropping key bundle for %x: %v", clientID[:], err)
		return
	}
	var outer [32]byte
	copy(outer[:], bundle.SealedSenderPublicKey)

	m.lock.Lock()
	info, ok := m.peers[clientID]
	if !ok {
		info = &peerInfo{}
		m.peers[clientID] = info
	}
	info.bundle = bundle
	info.outerKey = nacl.Key(&outer)
	pending := m.pendingConnects[clientID]
	delete(m.pendingConnects, clientID)
	m.lock.Unlock()

	m.emit(&PeerKeysReceived{PeerID: clientID})

	if pending {
		// session setup mines proof-of-work, keep it off the delivery loop
		m.finished.Add(1)
		go func() {
			defer m.finished.Done()
			if err := m.establishSession(m.ctx, clientID); err != nil {
				m.log.Warnf("error establishing session with %x: %v", clientID[:], err)
			}
		}()
	}
}

func (m *Manager) handleGroupMessage(groupID ids.ID, body []byte) {
	m.lock.Lock()
	st := m.groups[groupID]
	m.lock.Unlock()
	if st == nil {
		m.log.Debugf("dropping message for unknown group %x", groupID[:])
		return
	}
	inner, err := wire.DecodePayload(body)
	if err != nil {
		m.log.Debugf("dropping group message: %v", err)
		return
	}
	m.processProtocolMessage(st, inner.Content)
}

func (m *Manager) handleGroupInfo(groupID ids.ID, body []byte) {
	m.lock.Lock()
	st := m.groups[groupID]
	m.lock.Unlock()
	if st == nil {
		return
	}
	st.lock.Lock()
	st.groupInfo = body
	st.lock.Unlock()
}

// processProtocolMessage runs one protocol message through the guard and the
// engine. Failures inside the engine mark the session as suspect but the message
// stays recorded as seen; reprocessing it could never succeed.
func (m *Manager) processProtocolMessage(st *groupState, content []byte) {
	st.lock.Lock()
	info, err := st.sess.Peek(content)
	if err != nil {
		st.lock.Unlock()
		m.log.Debugf("dropping undecodable protocol message for group %x: %v", st.groupID[:], err)
		return
	}

	if err := m.guard.CheckMessage(st.groupID, info.Epoch, info.SenderLeafIndex, info.Generation, st.currentEpoch); err != nil {
		switch {
		case errors.Is(err, guard.ErrFutureEpoch):
			// ahead of us, hold it for the commit that advances the epoch
			m.guard.Buffer(st.groupID, info.Epoch, content)
		case errors.Is(err, guard.ErrDuplicateMessage), errors.Is(err, guard.ErrStaleEpoch):
			m.log.Debugf("dropping message for group %x: %v", st.groupID[:], err)
		default:
			m.log.Warnf("error checking message for group %x: %v", st.groupID[:], err)
		}
		st.lock.Unlock()
		return
	}

	proc, err := st.sess.Process(content)
	if err != nil {
		st.lock.Unlock()
		m.log.Warnf("error processing message for group %x: %v", st.groupID[:], err)
		m.markSuspected(st, &GroupStateError{Op: "process", Err: err})
		return
	}
	st.lastActivity = m.clock.Now()

	switch proc.Kind {
	case ProcessedApplication:
		groupID := st.groupID
		st.lock.Unlock()
		var senderID ids.ID
		if len(proc.SenderID) == 16 {
			senderID = ids.IDFromBytes(proc.SenderID)
		}
		m.emit(&DecryptedMessage{GroupID: groupID, SenderID: senderID, Plaintext: proc.Application})
		return
	case ProcessedProposal:
		// held by the engine until a commit references it
		st.lock.Unlock()
		return
	case ProcessedCommit:
		if err := st.sess.MergeStagedCommit(proc.Staged); err != nil {
			st.lock.Unlock()
			m.log.Warnf("error merging commit for group %x: %v", st.groupID[:], err)
			m.markSuspected(st, &GroupStateError{Op: "merge staged commit", Err: err})
			return
		}
		st.currentEpoch = st.sess.Epoch()
		// keep the recovery path's view of the group current; recovery reads
		// this, not the retained copy, when rebuilding membership
		if gi, err := st.sess.GroupInfo(); err == nil {
			st.groupInfo = gi
		} else {
			m.log.Warnf("error exporting group info for %x: %v", st.groupID[:], err)
		}
		groupID, peerID, epoch, sess := st.groupID, st.peerID, st.currentEpoch, st.sess
		st.lock.Unlock()

		// tokens never cross epochs
		if err := m.tokens.Rotate(peerID, groupID, sess); err != nil {
			m.log.Warnf("error rotating token for %x: %v", peerID[:], err)
		}
		if err := m.guard.PruneEpochs(groupID, epoch); err != nil {
			m.log.Warnf("error pruning epochs for group %x: %v", groupID[:], err)
		}
		for _, buffered := range m.guard.TakeReady(groupID, epoch) {
			m.processProtocolMessage(st, buffered)
		}
		return
	default:
		st.lock.Unlock()
		m.log.Warnf("unknown processed kind %d for group %x", proc.Kind, st.groupID[:])
	}
}
