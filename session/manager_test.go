package session_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-relay/clock"
	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/crypto"
	"github.com/meow-io/go-relay/guard"
	"github.com/meow-io/go-relay/ids"
	db "github.com/meow-io/go-relay/internal/db"
	"github.com/meow-io/go-relay/internal/test"
	"github.com/meow-io/go-relay/session"
	"github.com/meow-io/go-relay/transport"
	"github.com/meow-io/go-relay/transport/local"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testClient struct {
	id      ids.ID
	engine  *test.FakeEngine
	tr      *local.Manager
	manager *session.Manager
	db      *db.Database
}

type testClientMaker struct {
	broker  *local.Broker
	clients []*testClient
}

func newTestClientMaker() *testClientMaker {
	return &testClientMaker{broker: local.NewBroker()}
}

func (tcm *testClientMaker) teardown() {
	for _, tc := range tcm.clients {
		if err := tc.manager.Shutdown(); err != nil {
			panic(err)
		}
		if err := tc.tr.Shutdown(); err != nil {
			panic(err)
		}
		if err := tc.db.Shutdown(); err != nil {
			panic(err)
		}
	}
}

func (tcm *testClientMaker) AddClient(prefix string) *testClient {
	return tcm.addClient(prefix, clock.NewSystemClock())
}

func (tcm *testClientMaker) addClient(prefix string, cl clock.Clock, opts ...config.Option) *testClient {
	opts = append([]config.Option{
		config.WithLoggingPrefix(prefix),
		config.WithRootDir("test-session"),
		config.WithPowDifficultyBits(8),
	}, opts...)
	c := config.NewConfig(opts...)
	database := test.NewTestDatabase(c)
	g, err := guard.NewGuard(c, database, cl)
	if err != nil {
		panic(err)
	}
	sealPub, sealPriv, err := crypto.GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	id := ids.NewID()
	engine := test.NewFakeEngine(id)
	tr := local.NewManager(c, tcm.broker)
	manager := session.NewManager(c, engine, g, tr, cl, id, sealPub, sealPriv)

	if err := tr.Start(); err != nil {
		panic(err)
	}
	if err := manager.Start(); err != nil {
		panic(err)
	}
	go func() {
		for msg := range tr.Messages() {
			manager.HandleMessage(msg)
		}
	}()

	tc := &testClient{id: id, engine: engine, tr: tr, manager: manager, db: database}
	tcm.clients = append(tcm.clients, tc)
	return tc
}

func waitFor(t *testing.T, tc *testClient, tester func(interface{}) bool) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case u := <-tc.manager.Updates():
			if tester(u) {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for update")
		}
	}
}

func waitForWelcome(t *testing.T, tc *testClient, peerID ids.ID) ids.ID {
	t.Helper()
	var groupID ids.ID
	waitFor(t, tc, func(u interface{}) bool {
		wp, ok := u.(*session.WelcomeProcessed)
		if !ok || wp.PeerID != peerID {
			return false
		}
		groupID = wp.GroupID
		return true
	})
	return groupID
}

func waitForText(t *testing.T, tc *testClient, text string) *session.DecryptedMessage {
	t.Helper()
	var msg *session.DecryptedMessage
	waitFor(t, tc, func(u interface{}) bool {
		dm, ok := u.(*session.DecryptedMessage)
		if !ok || string(dm.Plaintext) != text {
			return false
		}
		msg = dm
		return true
	})
	return msg
}

// sendWhenReady retries until the session with target exists; session
// establishment runs on the connecting side's goroutine.
func sendWhenReady(t *testing.T, tc *testClient, target ids.ID, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tc.manager.SendText(context.Background(), target, text) == nil
	}, 10*time.Second, 50*time.Millisecond)
}

func TestConnectAndSendText(t *testing.T) {
	require := require.New(t)
	tcm := newTestClientMaker()
	defer tcm.teardown()

	c1 := tcm.AddClient("c1")
	c2 := tcm.AddClient("c2")

	require.Nil(c1.manager.Connect(context.Background(), c2.id))
	groupID := waitForWelcome(t, c2, c1.id)

	sendWhenReady(t, c1, c2.id, "hi")
	msg := waitForText(t, c2, "hi")
	require.Equal(c1.id, msg.SenderID)
	require.Equal(groupID, msg.GroupID)

	// the joiner can answer immediately
	require.Nil(c2.manager.SendText(context.Background(), c1.id, "hello back"))
	reply := waitForText(t, c1, "hello back")
	require.Equal(c2.id, reply.SenderID)
}

func TestDuplicateDeliveryDecryptsOnce(t *testing.T) {
	require := require.New(t)
	tcm := newTestClientMaker()
	defer tcm.teardown()
	tcm.broker.SetDuplicates(true)

	c1 := tcm.AddClient("c1")
	c2 := tcm.AddClient("c2")

	require.Nil(c1.manager.Connect(context.Background(), c2.id))
	waitForWelcome(t, c2, c1.id)

	sendWhenReady(t, c1, c2.id, "once")
	waitForText(t, c2, "once")

	// the redelivered copy must not surface a second time
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case u := <-c2.manager.Updates():
			dm, ok := u.(*session.DecryptedMessage)
			require.False(ok && string(dm.Plaintext) == "once", "message decrypted twice")
		case <-deadline:
			return
		}
	}
}

func TestDesyncRecovery(t *testing.T) {
	require := require.New(t)
	tcm := newTestClientMaker()
	defer tcm.teardown()

	c1 := tcm.AddClient("c1")
	c2 := tcm.AddClient("c2")

	require.Nil(c1.manager.Connect(context.Background(), c2.id))
	groupID := waitForWelcome(t, c2, c1.id)
	sendWhenReady(t, c1, c2.id, "before")
	waitForText(t, c2, "before")

	// break c2's group state so the next message fails to process
	c2.engine.SetProcessErr(errors.New("no matching key for generation"))
	require.Nil(c1.manager.SendText(context.Background(), c2.id, "trigger"))

	waitFor(t, c2, func(u interface{}) bool {
		dd, ok := u.(*session.DesyncDetected)
		return ok && dd.GroupID == groupID
	})
	var resolvedEpoch uint64
	waitFor(t, c2, func(u interface{}) bool {
		dr, ok := u.(*session.DesyncResolved)
		if !ok || dr.GroupID != groupID {
			return false
		}
		resolvedEpoch = dr.Epoch
		return true
	})
	require.Equal(uint64(3), resolvedEpoch)
	c2.engine.SetProcessErr(nil)

	// the rejoined session reaches everyone: c1 processes the external commit
	// before this message, the broker preserves order
	require.Nil(c2.manager.SendText(context.Background(), c1.id, "after"))
	msg := waitForText(t, c1, "after")
	require.Equal(c2.id, msg.SenderID)
}

func TestRecoveryFailure(t *testing.T) {
	require := require.New(t)
	tcm := newTestClientMaker()
	defer tcm.teardown()

	c1 := tcm.AddClient("c1")
	c2 := tcm.AddClient("c2")

	require.Nil(c1.manager.Connect(context.Background(), c2.id))
	groupID := waitForWelcome(t, c2, c1.id)
	sendWhenReady(t, c1, c2.id, "before")
	waitForText(t, c2, "before")

	// the group rejects the rejoin; recovery is terminal
	c2.engine.SetExternalJoinErr(errors.New("external commit rejected"))
	c2.engine.SetProcessErr(errors.New("no matching key for generation"))
	require.Nil(c1.manager.SendText(context.Background(), c2.id, "trigger"))

	waitFor(t, c2, func(u interface{}) bool {
		dd, ok := u.(*session.DesyncDetected)
		return ok && dd.GroupID == groupID
	})
	waitFor(t, c2, func(u interface{}) bool {
		rf, ok := u.(*session.RecoveryFailed)
		return ok && rf.GroupID == groupID
	})
}

func TestAddPeerToGroup(t *testing.T) {
	require := require.New(t)
	tcm := newTestClientMaker()
	defer tcm.teardown()

	c1 := tcm.AddClient("c1")
	c2 := tcm.AddClient("c2")
	c3 := tcm.AddClient("c3")

	require.Nil(c1.manager.Connect(context.Background(), c2.id))
	groupID := waitForWelcome(t, c2, c1.id)
	require.Nil(c1.manager.Connect(context.Background(), c3.id))
	waitForWelcome(t, c3, c1.id)

	// c3's original first key package went into the 1:1 session; adding c3 to
	// the group waits for the republished bundle
	require.Eventually(func() bool {
		return c1.manager.AddPeerToGroup(context.Background(), groupID, c3.id) == nil
	}, 10*time.Second, 50*time.Millisecond)

	waitFor(t, c3, func(u interface{}) bool {
		wp, ok := u.(*session.WelcomeProcessed)
		return ok && wp.GroupID == groupID
	})

	sendWhenReady(t, c1, groupID, "hello group")
	m2 := waitForText(t, c2, "hello group")
	require.Equal(c1.id, m2.SenderID)
	m3 := waitForText(t, c3, "hello group")
	require.Equal(c1.id, m3.SenderID)

	// drop c3 again; the commit advances the epoch for the remaining members
	require.Nil(c1.manager.RemovePeerFromGroup(context.Background(), groupID, 2))
	require.Nil(c1.manager.SendText(context.Background(), groupID, "after remove"))
	m2 = waitForText(t, c2, "after remove")
	require.Equal(c1.id, m2.SenderID)
}

func TestAddPeerAcrossSharedGroups(t *testing.T) {
	require := require.New(t)
	tcm := newTestClientMaker()
	defer tcm.teardown()

	c1 := tcm.AddClient("c1")
	c2 := tcm.AddClient("c2")
	c3 := tcm.AddClient("c3")

	require.Nil(c1.manager.Connect(context.Background(), c2.id))
	g12 := waitForWelcome(t, c2, c1.id)
	require.Nil(c1.manager.Connect(context.Background(), c3.id))
	g13 := waitForWelcome(t, c3, c1.id)

	require.Eventually(func() bool {
		return c1.manager.AddPeerToGroup(context.Background(), g12, c3.id) == nil
	}, 10*time.Second, 50*time.Millisecond)
	waitFor(t, c3, func(u interface{}) bool {
		wp, ok := u.(*session.WelcomeProcessed)
		return ok && wp.GroupID == g12
	})

	// this welcome rides on c2's access token, which must track the epoch the
	// add to the first group just advanced
	require.Eventually(func() bool {
		return c1.manager.AddPeerToGroup(context.Background(), g13, c2.id) == nil
	}, 10*time.Second, 50*time.Millisecond)
	waitFor(t, c2, func(u interface{}) bool {
		wp, ok := u.(*session.WelcomeProcessed)
		return ok && wp.GroupID == g13
	})

	sendWhenReady(t, c1, g13, "everyone here")
	waitForText(t, c2, "everyone here")
	waitForText(t, c3, "everyone here")
}

func TestRecoveryAfterRemove(t *testing.T) {
	require := require.New(t)
	tcm := newTestClientMaker()
	defer tcm.teardown()

	c1 := tcm.AddClient("c1")
	c2 := tcm.AddClient("c2")
	c3 := tcm.AddClient("c3")

	require.Nil(c1.manager.Connect(context.Background(), c2.id))
	groupID := waitForWelcome(t, c2, c1.id)
	require.Nil(c1.manager.Connect(context.Background(), c3.id))
	waitForWelcome(t, c3, c1.id)

	require.Eventually(func() bool {
		return c1.manager.AddPeerToGroup(context.Background(), groupID, c3.id) == nil
	}, 10*time.Second, 50*time.Millisecond)
	waitFor(t, c3, func(u interface{}) bool {
		wp, ok := u.(*session.WelcomeProcessed)
		return ok && wp.GroupID == groupID
	})
	sendWhenReady(t, c1, groupID, "three of us")
	waitForText(t, c2, "three of us")

	require.Nil(c1.manager.RemovePeerFromGroup(context.Background(), groupID, 2))
	require.Nil(c1.manager.SendText(context.Background(), groupID, "two again"))
	waitForText(t, c2, "two again")

	c2.engine.SetProcessErr(errors.New("no matching key for generation"))
	require.Nil(c1.manager.SendText(context.Background(), groupID, "trigger"))
	waitFor(t, c2, func(u interface{}) bool {
		dd, ok := u.(*session.DesyncDetected)
		return ok && dd.GroupID == groupID
	})
	c2.engine.SetProcessErr(nil)

	// recovery must rejoin against the epoch the remove advanced to, not an
	// older retained copy
	var resolvedEpoch uint64
	waitFor(t, c2, func(u interface{}) bool {
		dr, ok := u.(*session.DesyncResolved)
		if !ok || dr.GroupID != groupID {
			return false
		}
		resolvedEpoch = dr.Epoch
		return true
	})
	require.Equal(uint64(5), resolvedEpoch)

	require.Nil(c2.manager.SendText(context.Background(), groupID, "back"))
	msg := waitForText(t, c1, "back")
	require.Equal(c2.id, msg.SenderID)
}

func TestSweepAfterAdd(t *testing.T) {
	require := require.New(t)
	tcm := newTestClientMaker()
	defer tcm.teardown()

	clk := clock.NewTestClock(time.Now())
	c1 := tcm.addClient("c1", clk, config.WithSessionIdleTimeoutMs(1000))
	c2 := tcm.AddClient("c2")
	c3 := tcm.AddClient("c3")

	require.Nil(c1.manager.Connect(context.Background(), c2.id))
	groupID := waitForWelcome(t, c2, c1.id)

	// fetch c3's bundle without opening a 1:1 session
	topics := transport.NewTopics("relay")
	require.Nil(c1.tr.Subscribe(context.Background(), topics.Keys(c3.id)))

	clk.Advance(900 * time.Millisecond)
	require.Eventually(func() bool {
		return c1.manager.AddPeerToGroup(context.Background(), groupID, c3.id) == nil
	}, 10*time.Second, 50*time.Millisecond)

	// the commit just issued counts as activity even though no message has
	// moved since the session was established
	clk.Advance(900 * time.Millisecond)
	c1.manager.Sweep()
	deadline := time.After(500 * time.Millisecond)
drain:
	for {
		select {
		case u := <-c1.manager.Updates():
			_, isDesync := u.(*session.DesyncDetected)
			require.False(isDesync, "freshly committed group marked suspect")
		case <-deadline:
			break drain
		}
	}

	// a genuinely idle session still ages out
	clk.Advance(200 * time.Millisecond)
	c1.manager.Sweep()
	waitFor(t, c1, func(u interface{}) bool {
		dd, ok := u.(*session.DesyncDetected)
		return ok && dd.GroupID == groupID
	})
}

func TestLeave(t *testing.T) {
	require := require.New(t)
	tcm := newTestClientMaker()
	defer tcm.teardown()

	c1 := tcm.AddClient("c1")
	c2 := tcm.AddClient("c2")

	require.Nil(c1.manager.Connect(context.Background(), c2.id))
	groupID := waitForWelcome(t, c2, c1.id)
	sendWhenReady(t, c1, c2.id, "hi")
	waitForText(t, c2, "hi")

	require.Nil(c2.manager.Leave(groupID))
	require.NotNil(c2.manager.SendText(context.Background(), c1.id, "too late"))
	require.NotNil(c2.manager.Leave(groupID))
}
