package relay_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	relay "github.com/meow-io/go-relay"
	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/ids"
	"github.com/meow-io/go-relay/internal/test"
	"github.com/meow-io/go-relay/session"
	"github.com/meow-io/go-relay/transport/local"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var testKey = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

type testClientMaker struct {
	broker  *local.Broker
	clients []*relay.Client
	counter int
}

func newTestClientMaker() *testClientMaker {
	return &testClientMaker{broker: local.NewBroker()}
}

func (tcm *testClientMaker) teardown() {
	for _, c := range tcm.clients {
		if err := c.Shutdown(); err != nil {
			panic(err)
		}
	}
}

func (tcm *testClientMaker) AddClient(prefix string) *relay.Client {
	tcm.counter++
	c := config.NewConfig(
		config.WithLoggingPrefix(prefix),
		config.WithRootDir(fmt.Sprintf("test-relay-%d-%d", os.Getpid(), tcm.counter)),
		config.WithPowDifficultyBits(8),
	)
	client, err := relay.NewClient(c, func(id ids.ID) (session.Engine, error) {
		return test.NewFakeEngine(id), nil
	}, local.NewManager(c, tcm.broker))
	if err != nil {
		panic(err)
	}
	if err := client.Start(testKey); err != nil {
		panic(err)
	}
	tcm.clients = append(tcm.clients, client)
	return client
}

func waitFor(t *testing.T, c *relay.Client, tester func(interface{}) bool) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case u := <-c.Updates():
			if tester(u) {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for update")
		}
	}
}

func TestTwoClientMessaging(t *testing.T) {
	require := require.New(t)
	tcm := newTestClientMaker()
	defer tcm.teardown()

	c1 := tcm.AddClient("client1")
	c2 := tcm.AddClient("client2")
	require.True(c1.Running())
	require.NotEqual(c1.ClientID(), c2.ClientID())

	require.Nil(c1.Connect(context.Background(), c2.ClientID()))
	var groupID ids.ID
	waitFor(t, c2, func(u interface{}) bool {
		wp, ok := u.(*relay.WelcomeProcessed)
		if !ok || wp.PeerID != c1.ClientID() {
			return false
		}
		groupID = wp.GroupID
		return true
	})

	require.Eventually(func() bool {
		return c1.SendText(context.Background(), c2.ClientID(), "hi") == nil
	}, 10*time.Second, 50*time.Millisecond)
	waitFor(t, c2, func(u interface{}) bool {
		dm, ok := u.(*relay.DecryptedMessage)
		return ok && string(dm.Plaintext) == "hi" && dm.GroupID == groupID
	})

	require.Nil(c2.SendText(context.Background(), c1.ClientID(), "hello back"))
	waitFor(t, c1, func(u interface{}) bool {
		dm, ok := u.(*relay.DecryptedMessage)
		return ok && string(dm.Plaintext) == "hello back"
	})
}

func TestOperationsRequireRunningClient(t *testing.T) {
	require := require.New(t)

	broker := local.NewBroker()
	c := config.NewConfig(
		config.WithLoggingPrefix("stopped"),
		config.WithRootDir(fmt.Sprintf("test-relay-stopped-%d", os.Getpid())),
	)
	client, err := relay.NewClient(c, func(id ids.ID) (session.Engine, error) {
		return test.NewFakeEngine(id), nil
	}, local.NewManager(c, broker))
	require.Nil(err)
	require.False(client.Running())

	require.NotNil(client.Connect(context.Background(), ids.NewID()))
	require.NotNil(client.SendText(context.Background(), ids.NewID(), "hi"))
	require.NotNil(client.Leave(ids.NewID()))
	// shutting down a client which never started is a no-op
	require.Nil(client.Shutdown())
}

func TestShutdownIsIdempotent(t *testing.T) {
	require := require.New(t)
	tcm := newTestClientMaker()

	c1 := tcm.AddClient("client1")
	require.Nil(c1.Shutdown())
	require.False(c1.Running())
	require.Nil(c1.Shutdown())
}
