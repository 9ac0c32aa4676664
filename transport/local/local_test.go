package local

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestManager(b *Broker, prefix string) *Manager {
	c := config.NewConfig(config.WithLoggingPrefix(prefix), config.WithRootDir("test-local"))
	m := NewManager(c, b)
	if err := m.Start(); err != nil {
		panic(err)
	}
	return m
}

func receive(t *testing.T, m *Manager) *MessageImpl {
	t.Helper()
	select {
	case msg := <-m.Messages():
		return msg.(*MessageImpl)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	b := NewBroker()
	m1 := newTestManager(b, "m1")
	m2 := newTestManager(b, "m2")
	defer func() {
		require.Nil(m1.Shutdown())
		require.Nil(m2.Shutdown())
	}()

	require.Nil(m2.Subscribe(ctx, "topic/a"))
	require.Nil(m1.Publish(ctx, "topic/a", []byte("hello"), false))

	msg := receive(t, m2)
	require.Equal("topic/a", msg.Topic())
	require.Equal([]byte("hello"), msg.Body())
}

func TestRetainedReplay(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	b := NewBroker()
	m1 := newTestManager(b, "m1")
	m2 := newTestManager(b, "m2")
	defer func() {
		require.Nil(m1.Shutdown())
		require.Nil(m2.Shutdown())
	}()

	// publish before anyone subscribes
	require.Nil(m1.Publish(ctx, "topic/a", []byte("retained"), true))
	body, ok := b.Retained("topic/a")
	require.True(ok)
	require.Equal([]byte("retained"), body)

	require.Nil(m2.Subscribe(ctx, "topic/a"))
	msg := receive(t, m2)
	require.Equal([]byte("retained"), msg.Body())
}

func TestRetainedOverwrite(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	b := NewBroker()
	m1 := newTestManager(b, "m1")
	m2 := newTestManager(b, "m2")
	defer func() {
		require.Nil(m1.Shutdown())
		require.Nil(m2.Shutdown())
	}()

	require.Nil(m1.Publish(ctx, "topic/a", []byte("old"), true))
	require.Nil(m1.Publish(ctx, "topic/a", []byte("new"), true))
	require.Nil(m2.Subscribe(ctx, "topic/a"))
	msg := receive(t, m2)
	require.Equal([]byte("new"), msg.Body())
}

func TestDuplicateDelivery(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	b := NewBroker()
	b.SetDuplicates(true)
	m1 := newTestManager(b, "m1")
	m2 := newTestManager(b, "m2")
	defer func() {
		require.Nil(m1.Shutdown())
		require.Nil(m2.Shutdown())
	}()

	require.Nil(m2.Subscribe(ctx, "topic/a"))
	require.Nil(m1.Publish(ctx, "topic/a", []byte("hello"), false))

	first := receive(t, m2)
	second := receive(t, m2)
	require.Equal(first.Body(), second.Body())
}

func TestUnsubscribe(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	b := NewBroker()
	m1 := newTestManager(b, "m1")
	m2 := newTestManager(b, "m2")
	defer func() {
		require.Nil(m1.Shutdown())
		require.Nil(m2.Shutdown())
	}()

	require.Nil(m2.Subscribe(ctx, "topic/a"))
	require.Nil(m2.Unsubscribe(ctx, "topic/a"))
	require.Nil(m1.Publish(ctx, "topic/a", []byte("hello"), false))

	select {
	case <-m2.Messages():
		t.Fatal("received message after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishAfterShutdown(t *testing.T) {
	require := require.New(t)

	b := NewBroker()
	m := newTestManager(b, "m")
	require.Nil(m.Shutdown())
	require.NotNil(m.Publish(context.Background(), "topic/a", []byte("hello"), false))
}
