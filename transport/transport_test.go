package transport

import (
	"fmt"
	"testing"

	"github.com/meow-io/go-relay/ids"
	"github.com/stretchr/testify/require"
)

func TestTopicRoundTrip(t *testing.T) {
	require := require.New(t)

	topics := NewTopics("relay")
	id := ids.NewID()

	for _, tc := range []struct {
		topic string
		kind  Kind
	}{
		{topics.Keys(id), KindKeys},
		{topics.Inbox(id), KindInbox},
		{topics.GroupMessages(id), KindGroupMessages},
		{topics.GroupInfo(id), KindGroupInfo},
	} {
		classified, err := topics.Classify(tc.topic)
		require.Nil(err)
		require.Equal(tc.kind, classified.Kind)
		require.Equal(id, classified.ID)
	}
}

func TestClassifyRejectsForeignTopics(t *testing.T) {
	require := require.New(t)

	topics := NewTopics("relay")
	id := ids.NewID()

	for _, topic := range []string{
		"",
		"relay",
		"relay/keys",
		fmt.Sprintf("other/keys/%x", id[:]),
		fmt.Sprintf("relay/keys/%x/extra", id[:]),
		"relay/keys/nothex",
		"relay/keys/abcd",
		fmt.Sprintf("relay/group/%x", id[:]),
		fmt.Sprintf("relay/group/%x/unknown", id[:]),
		fmt.Sprintf("relay/unknown/%x", id[:]),
	} {
		_, err := topics.Classify(topic)
		require.NotNil(err, "expected error for %q", topic)
	}
}

func TestTopicPrefixIsScoped(t *testing.T) {
	require := require.New(t)

	id := ids.NewID()
	a := NewTopics("relay-a")
	b := NewTopics("relay-b")

	_, err := b.Classify(a.Inbox(id))
	require.NotNil(err)
	classified, err := a.Classify(a.Inbox(id))
	require.Nil(err)
	require.Equal(KindInbox, classified.Kind)
}
