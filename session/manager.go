package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kevinburke/nacl"
	"github.com/meow-io/go-relay/clock"
	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/crypto"
	"github.com/meow-io/go-relay/guard"
	"github.com/meow-io/go-relay/ids"
	"github.com/meow-io/go-relay/pow"
	"github.com/meow-io/go-relay/token"
	"github.com/meow-io/go-relay/transport"
	"github.com/meow-io/go-relay/wire"
	"go.uber.org/zap"
)

// How many key packages are published in one bundle.
const keyBundleSize = 5

type syncState int

const (
	syncStateSynced syncState = iota
	syncStateSuspected
	syncStateRecovering
	syncStateFailed
)

// groupState is one group's mutable engine-side state. All access goes through
// the manager while holding the state's lock; the router never touches it
// directly.
type groupState struct {
	lock         sync.Mutex
	groupID      ids.ID
	peerID       ids.ID
	sess         Session
	currentEpoch uint64
	groupInfo    []byte
	sync         syncState
	lastActivity time.Time
}

type peerInfo struct {
	bundle   *wire.KeyBundle
	outerKey nacl.Key
}

type Manager struct {
	config    *config.Config
	log       *zap.SugaredLogger
	clock     clock.Clock
	engine    Engine
	guard     *guard.Guard
	tokens    *token.Manager
	transport transport.Transport
	topics    transport.Topics
	clientID  ids.ID
	sealPub   nacl.Key
	sealPriv  nacl.Key

	lock            sync.Mutex
	groups          map[ids.ID]*groupState
	peerGroups      map[ids.ID]ids.ID
	peers           map[ids.ID]*peerInfo
	pendingConnects map[ids.ID]bool
	publishedKPs    [][]byte
	updates         chan interface{}
	ctx             context.Context
	cancelFunc      context.CancelFunc
	finished        sync.WaitGroup
}

func NewManager(c *config.Config, e Engine, g *guard.Guard, t transport.Transport, cl clock.Clock, clientID ids.ID, sealPub, sealPriv nacl.Key) *Manager {
	return &Manager{
		config:          c,
		log:             c.Logger("session/manager"),
		clock:           cl,
		engine:          e,
		guard:           g,
		tokens:          token.NewManager(),
		transport:       t,
		topics:          transport.NewTopics(c.TopicPrefix),
		clientID:        clientID,
		sealPub:         sealPub,
		sealPriv:        sealPriv,
		groups:          make(map[ids.ID]*groupState),
		peerGroups:      make(map[ids.ID]ids.ID),
		peers:           make(map[ids.ID]*peerInfo),
		pendingConnects: make(map[ids.ID]bool),
		updates:         make(chan interface{}, 100),
	}
}

// Start subscribes the personal inbox and publishes the client's key bundle.
func (m *Manager) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.ctx = ctx
	m.cancelFunc = cancelFunc

	reqCtx, cancel := m.publishContext()
	defer cancel()
	if err := m.transport.Subscribe(reqCtx, m.topics.Inbox(m.clientID)); err != nil {
		return fmt.Errorf("session: error subscribing inbox: %w", err)
	}
	if err := m.PublishKeyBundle(reqCtx); err != nil {
		return err
	}
	return nil
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
	}
	return nil
}

// Updates delivers *DecryptedMessage, *WelcomeProcessed, *PeerKeysReceived,
// *DesyncDetected, *DesyncResolved and *RecoveryFailed events.
func (m *Manager) Updates() chan interface{} {
	return m.updates
}

// PublishKeyBundle mints fresh key packages and publishes them, retained, on the
// client's keys topic.
func (m *Manager) PublishKeyBundle(ctx context.Context) error {
	kps := make([][]byte, keyBundleSize)
	for i := range kps {
		kp, err := m.engine.NewKeyPackage()
		if err != nil {
			return fmt.Errorf("session: error making key package: %w", err)
		}
		kps[i] = kp
	}
	bundle := &wire.KeyBundle{
		KeyPackages:           kps,
		SealedSenderPublicKey: (*m.sealPub)[:],
	}
	body, err := wire.EncodeKeyBundle(bundle)
	if err != nil {
		return fmt.Errorf("session: error encoding key bundle: %w", err)
	}
	if err := m.transport.Publish(ctx, m.topics.Keys(m.clientID), body, true); err != nil {
		return fmt.Errorf("session: error publishing key bundle: %w", err)
	}
	m.lock.Lock()
	m.publishedKPs = kps
	m.lock.Unlock()
	return nil
}

// Connect establishes a session with a peer. If the peer's key bundle is already
// known the session is created immediately; otherwise the keys topic is
// subscribed and the connect completes when the bundle arrives.
func (m *Manager) Connect(ctx context.Context, peerID ids.ID) error {
	m.lock.Lock()
	if _, ok := m.peerGroups[peerID]; ok {
		m.lock.Unlock()
		return nil
	}
	info, have := m.peers[peerID]
	if !have || info.bundle == nil {
		m.pendingConnects[peerID] = true
		m.lock.Unlock()
		if err := m.transport.Subscribe(ctx, m.topics.Keys(peerID)); err != nil {
			return fmt.Errorf("session: error subscribing keys for %x: %w", peerID[:], err)
		}
		return nil
	}
	m.lock.Unlock()
	return m.establishSession(ctx, peerID)
}

// SendText encrypts text into the group identified by target, which may be
// either a group id or a peer id.
func (m *Manager) SendText(ctx context.Context, target ids.ID, text string) error {
	st := m.findGroup(target)
	if st == nil {
		return fmt.Errorf("session: no session for %x", target[:])
	}

	st.lock.Lock()
	ct, err := st.sess.Encrypt([]byte(text))
	if err != nil {
		st.lock.Unlock()
		return &GroupStateError{Op: "encrypt", Err: err}
	}
	groupID := st.groupID
	st.lastActivity = m.clock.Now()
	// record our own triple up front so the broker echoing the publish back to
	// us drops as a duplicate
	if info, err := st.sess.Peek(ct); err == nil {
		if err := m.guard.CheckMessage(groupID, info.Epoch, info.SenderLeafIndex, info.Generation, st.currentEpoch); err != nil {
			m.log.Debugf("error pre-recording own message for group %x: %v", groupID[:], err)
		}
	}
	st.lock.Unlock()

	inner := &wire.Payload{
		MsgType:              wire.MsgTypeMessage,
		SenderUserID:         m.clientID[:],
		Content:              ct,
		SenderOuterPublicKey: (*m.sealPub)[:],
	}
	body, err := wire.EncodePayload(inner)
	if err != nil {
		return fmt.Errorf("session: error encoding payload: %w", err)
	}
	if err := m.transport.Publish(ctx, m.topics.GroupMessages(groupID), body, false); err != nil {
		return fmt.Errorf("session: error publishing message: %w", err)
	}
	return nil
}

// AddPeerToGroup adds another member to an existing group, publishing the commit
// to current members and a sealed welcome to the new one.
func (m *Manager) AddPeerToGroup(ctx context.Context, groupID, peerID ids.ID) error {
	m.lock.Lock()
	st := m.groups[groupID]
	info := m.peers[peerID]
	m.lock.Unlock()
	if st == nil {
		return fmt.Errorf("session: no session for group %x", groupID[:])
	}
	if info == nil || info.bundle == nil || len(info.bundle.KeyPackages) == 0 {
		return fmt.Errorf("session: no key bundle for %x", peerID[:])
	}

	kp := info.bundle.KeyPackages[0]
	if err := m.engine.ValidateKeyPackage(kp); err != nil {
		return fmt.Errorf("session: invalid key package for %x: %w", peerID[:], err)
	}
	if err := m.guard.ConsumeKeyPackage(kp); err != nil {
		return err
	}

	st.lock.Lock()
	welcome, commit, groupInfo, err := st.sess.AddMember(kp)
	if err != nil {
		st.lock.Unlock()
		return &GroupStateError{Op: "add member", Err: err}
	}
	// Merge our own pending commit before publishing anything, so a reply
	// processed before the publish completes finds current state.
	if err := st.sess.MergePendingCommit(); err != nil {
		st.lock.Unlock()
		return &GroupStateError{Op: "merge pending commit", Err: err}
	}
	st.currentEpoch = st.sess.Epoch()
	st.lastActivity = m.clock.Now()
	tree, err := st.sess.ExportRatchetTree()
	if err != nil {
		st.lock.Unlock()
		return &GroupStateError{Op: "export ratchet tree", Err: err}
	}
	st.groupInfo = groupInfo
	groupPeerID, sess := st.peerID, st.sess
	st.lock.Unlock()

	// existing members expect the merged epoch's token from here on
	if err := m.tokens.Rotate(groupPeerID, groupID, sess); err != nil {
		m.log.Warnf("error rotating token for %x: %v", groupPeerID[:], err)
	}

	if err := m.transport.Publish(ctx, m.topics.GroupMessages(groupID), m.mustEncodeInner(commit), false); err != nil {
		return fmt.Errorf("session: error publishing commit: %w", err)
	}
	if err := m.transport.Publish(ctx, m.topics.GroupInfo(groupID), groupInfo, true); err != nil {
		return fmt.Errorf("session: error publishing group info: %w", err)
	}
	if err := m.sendWelcome(ctx, peerID, info, welcome, tree); err != nil {
		return err
	}
	if err := m.tokens.Rotate(peerID, groupID, sess); err != nil {
		m.log.Warnf("error rotating token for %x: %v", peerID[:], err)
	}
	return nil
}

// RemovePeerFromGroup removes the member at leafIndex, publishing the commit to
// current members.
func (m *Manager) RemovePeerFromGroup(ctx context.Context, groupID ids.ID, leafIndex uint32) error {
	m.lock.Lock()
	st := m.groups[groupID]
	m.lock.Unlock()
	if st == nil {
		return fmt.Errorf("session: no session for group %x", groupID[:])
	}

	st.lock.Lock()
	commit, err := st.sess.RemoveMember(leafIndex)
	if err != nil {
		st.lock.Unlock()
		return &GroupStateError{Op: "remove member", Err: err}
	}
	if err := st.sess.MergePendingCommit(); err != nil {
		st.lock.Unlock()
		return &GroupStateError{Op: "merge pending commit", Err: err}
	}
	st.currentEpoch = st.sess.Epoch()
	st.lastActivity = m.clock.Now()
	groupInfo, err := st.sess.GroupInfo()
	if err != nil {
		st.lock.Unlock()
		return &GroupStateError{Op: "export group info", Err: err}
	}
	st.groupInfo = groupInfo
	peerID, epoch, sess := st.peerID, st.currentEpoch, st.sess
	st.lock.Unlock()

	if err := m.transport.Publish(ctx, m.topics.GroupMessages(groupID), m.mustEncodeInner(commit), false); err != nil {
		return fmt.Errorf("session: error publishing commit: %w", err)
	}
	// a rejoiner's external commit is built from the retained info, so it must
	// track the epoch the remove just advanced to
	if err := m.transport.Publish(ctx, m.topics.GroupInfo(groupID), groupInfo, true); err != nil {
		return fmt.Errorf("session: error publishing group info: %w", err)
	}
	if err := m.tokens.Rotate(peerID, groupID, sess); err != nil {
		m.log.Warnf("error rotating token for %x: %v", peerID[:], err)
	}
	if err := m.guard.PruneEpochs(groupID, epoch); err != nil {
		m.log.Warnf("error pruning epochs for group %x: %v", groupID[:], err)
	}
	return nil
}

// Leave tears down a session and its replay state.
func (m *Manager) Leave(groupID ids.ID) error {
	m.lock.Lock()
	st, ok := m.groups[groupID]
	if ok {
		delete(m.groups, groupID)
		delete(m.peerGroups, st.peerID)
	}
	m.lock.Unlock()
	if !ok {
		return fmt.Errorf("session: no session for group %x", groupID[:])
	}
	m.tokens.Drop(st.peerID, groupID)

	reqCtx, cancel := m.publishContext()
	defer cancel()
	if err := m.transport.Unsubscribe(reqCtx, m.topics.GroupMessages(groupID)); err != nil {
		m.log.Warnf("error unsubscribing group messages for %x: %v", groupID[:], err)
	}
	if err := m.transport.Unsubscribe(reqCtx, m.topics.GroupInfo(groupID)); err != nil {
		m.log.Warnf("error unsubscribing group info for %x: %v", groupID[:], err)
	}
	return m.guard.ForgetGroup(groupID)
}

// Sweep performs periodic upkeep: expiring buffered messages, re-checking
// buffered epochs against current state and flagging idle sessions.
func (m *Manager) Sweep() {
	m.guard.Expire()

	m.lock.Lock()
	states := make([]*groupState, 0, len(m.groups))
	for _, st := range m.groups {
		states = append(states, st)
	}
	m.lock.Unlock()

	idle := time.Duration(m.config.SessionIdleTimeoutMs) * time.Millisecond
	for _, st := range states {
		st.lock.Lock()
		epoch := st.currentEpoch
		inactive := idle > 0 && st.sync == syncStateSynced && m.clock.Now().Sub(st.lastActivity) > idle
		st.lock.Unlock()

		for _, content := range m.guard.TakeReady(st.groupID, epoch) {
			m.processProtocolMessage(st, content)
		}
		if inactive {
			m.markSuspected(st, fmt.Errorf("session: idle beyond retention window"))
		}
	}
}

func (m *Manager) findGroup(target ids.ID) *groupState {
	m.lock.Lock()
	defer m.lock.Unlock()
	if st, ok := m.groups[target]; ok {
		return st
	}
	if groupID, ok := m.peerGroups[target]; ok {
		return m.groups[groupID]
	}
	return nil
}

// establishSession creates a two-member group with a peer from their published
// key bundle and delivers the welcome to their inbox.
func (m *Manager) establishSession(ctx context.Context, peerID ids.ID) error {
	m.lock.Lock()
	info := m.peers[peerID]
	m.lock.Unlock()
	if info == nil || info.bundle == nil || len(info.bundle.KeyPackages) == 0 {
		return fmt.Errorf("session: no key bundle for %x", peerID[:])
	}

	kp := info.bundle.KeyPackages[0]
	if err := m.engine.ValidateKeyPackage(kp); err != nil {
		return fmt.Errorf("session: invalid key package for %x: %w", peerID[:], err)
	}
	// A key package backs at most one welcome, ever.
	if err := m.guard.ConsumeKeyPackage(kp); err != nil {
		return err
	}

	groupID := ids.NewID()
	sess, err := m.engine.CreateGroup(groupID)
	if err != nil {
		return &GroupStateError{Op: "create group", Err: err}
	}
	welcome, _, groupInfo, err := sess.AddMember(kp)
	if err != nil {
		return &GroupStateError{Op: "add member", Err: err}
	}
	// Merge before publishing; the exported tree must match the welcome's
	// group info.
	if err := sess.MergePendingCommit(); err != nil {
		return &GroupStateError{Op: "merge pending commit", Err: err}
	}
	tree, err := sess.ExportRatchetTree()
	if err != nil {
		return &GroupStateError{Op: "export ratchet tree", Err: err}
	}

	st := &groupState{
		groupID:      groupID,
		peerID:       peerID,
		sess:         sess,
		currentEpoch: sess.Epoch(),
		groupInfo:    groupInfo,
		lastActivity: m.clock.Now(),
	}
	m.lock.Lock()
	m.groups[groupID] = st
	m.peerGroups[peerID] = groupID
	m.lock.Unlock()

	if err := m.subscribeGroup(ctx, groupID); err != nil {
		return err
	}
	if err := m.transport.Publish(ctx, m.topics.GroupInfo(groupID), groupInfo, true); err != nil {
		return fmt.Errorf("session: error publishing group info: %w", err)
	}
	if err := m.sendWelcome(ctx, peerID, info, welcome, tree); err != nil {
		return err
	}
	if err := m.tokens.Rotate(peerID, groupID, sess); err != nil {
		m.log.Warnf("error rotating token for %x: %v", peerID[:], err)
	}
	m.log.Infof("established session %x with %x", groupID[:], peerID[:])
	return nil
}

// sendWelcome seals a welcome payload to the peer's long-term key, mines
// proof-of-work and publishes it to their inbox. Mining runs on this goroutine,
// which is never the delivery loop.
func (m *Manager) sendWelcome(ctx context.Context, peerID ids.ID, info *peerInfo, welcome, tree []byte) error {
	payload := &wire.Payload{
		MsgType:              wire.MsgTypeWelcome,
		SenderUserID:         m.clientID[:],
		Content:              welcome,
		RatchetTree:          tree,
		SenderOuterPublicKey: (*m.sealPub)[:],
	}
	return m.sendSealed(ctx, peerID, info, payload)
}

func (m *Manager) sendSealed(ctx context.Context, peerID ids.ID, info *peerInfo, payload *wire.Payload) error {
	plain, err := wire.EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("session: error encoding payload: %w", err)
	}
	env, err := crypto.Seal(plain, info.outerKey)
	if err != nil {
		return fmt.Errorf("session: error sealing payload: %w", err)
	}

	if tok, ok := m.tokens.TokenFor(peerID); ok {
		// an established peer accepts our token in place of work
		env.AccessToken = tok[:]
	} else {
		if _, err := pow.Mine(ctx, env, m.config.PowDifficultyBits); err != nil {
			return fmt.Errorf("session: error mining: %w", err)
		}
	}

	body, err := wire.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("session: error encoding envelope: %w", err)
	}
	if err := m.transport.Publish(ctx, m.topics.Inbox(peerID), body, false); err != nil {
		return fmt.Errorf("session: error publishing to inbox: %w", err)
	}
	return nil
}

func (m *Manager) subscribeGroup(ctx context.Context, groupID ids.ID) error {
	if err := m.transport.Subscribe(ctx, m.topics.GroupMessages(groupID)); err != nil {
		return fmt.Errorf("session: error subscribing group messages: %w", err)
	}
	if err := m.transport.Subscribe(ctx, m.topics.GroupInfo(groupID)); err != nil {
		return fmt.Errorf("session: error subscribing group info: %w", err)
	}
	return nil
}

func (m *Manager) mustEncodeInner(protocolMessage []byte) []byte {
	body, err := wire.EncodePayload(&wire.Payload{
		MsgType:              wire.MsgTypeMessage,
		SenderUserID:         m.clientID[:],
		Content:              protocolMessage,
		SenderOuterPublicKey: (*m.sealPub)[:],
	})
	if err != nil {
		// encoding a well-formed payload cannot fail
		panic(err)
	}
	return body
}

func (m *Manager) publishContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(m.config.PublishTimeoutMs)*time.Millisecond)
}

func (m *Manager) emit(update interface{}) {
	select {
	case m.updates <- update:
	default:
		m.log.Warnf("dropping update %#v, receiver is not keeping up", update)
	}
}
