package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State synchronization. A session moves Synced -> Suspected when the engine
// fails on one of its group's messages or the session sits idle past the
// transport's retention window, then Suspected -> Recovering while an external
// commit built from the group's published info is in flight, and finally back to
// Synced or, terminally, to Failed.

func (m *Manager) markSuspected(st *groupState, cause error) {
	st.lock.Lock()
	if st.sync != syncStateSynced {
		st.lock.Unlock()
		return
	}
	st.sync = syncStateSuspected
	groupID := st.groupID
	st.lock.Unlock()

	m.log.Warnf("group %x suspected out of sync: %v", groupID[:], cause)
	m.emit(&DesyncDetected{GroupID: groupID})

	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		m.recoverSession(st)
	}()
}

// recoverSession drives one recovery attempt: wait for retained group info,
// rejoin via external commit, publish the commit, swap in the new session.
func (m *Manager) recoverSession(st *groupState) {
	st.lock.Lock()
	st.sync = syncStateRecovering
	groupID := st.groupID
	st.lock.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, time.Duration(m.config.RecoveryTimeoutMs)*time.Millisecond)
	defer cancel()

	// force the broker to replay the retained group info
	if err := m.transport.Subscribe(ctx, m.topics.GroupInfo(groupID)); err != nil {
		m.log.Warnf("error resubscribing group info for %x: %v", groupID[:], err)
	}

	var groupInfo []byte
	fetch := func() error {
		st.lock.Lock()
		defer st.lock.Unlock()
		if st.groupInfo == nil {
			return errors.New("no group info available yet")
		}
		groupInfo = st.groupInfo
		return nil
	}
	if err := backoff.Retry(fetch, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		m.failRecovery(st, err)
		return
	}

	sess, commit, err := m.engine.ExternalJoin(groupInfo)
	if err != nil {
		m.failRecovery(st, err)
		return
	}
	if err := m.transport.Publish(ctx, m.topics.GroupMessages(groupID), m.mustEncodeInner(commit), false); err != nil {
		m.failRecovery(st, err)
		return
	}

	freshInfo, err := sess.GroupInfo()
	if err != nil {
		m.log.Warnf("error exporting group info for %x: %v", groupID[:], err)
	}

	st.lock.Lock()
	st.sess = sess
	st.currentEpoch = sess.Epoch()
	st.sync = syncStateSynced
	st.lastActivity = m.clock.Now()
	if freshInfo != nil {
		st.groupInfo = freshInfo
	}
	peerID, epoch := st.peerID, st.currentEpoch
	st.lock.Unlock()

	if freshInfo != nil {
		if err := m.transport.Publish(ctx, m.topics.GroupInfo(groupID), freshInfo, true); err != nil {
			m.log.Warnf("error publishing group info for %x: %v", groupID[:], err)
		}
	}
	if err := m.tokens.Rotate(peerID, groupID, sess); err != nil {
		m.log.Warnf("error rotating token for %x: %v", peerID[:], err)
	}
	m.log.Infof("group %x resynced at epoch %d", groupID[:], epoch)
	m.emit(&DesyncResolved{GroupID: groupID, Epoch: epoch})
}

func (m *Manager) failRecovery(st *groupState, cause error) {
	st.lock.Lock()
	st.sync = syncStateFailed
	groupID := st.groupID
	st.lock.Unlock()
	m.log.Errorf("recovery failed for group %x, manual rejoin required: %v", groupID[:], cause)
	m.emit(&RecoveryFailed{GroupID: groupID})
}
