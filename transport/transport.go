// This package defines the boundary between the protocol engine and the
// publish/subscribe transport which carries it. The transport is an external
// collaborator; the engine only needs publish, subscribe and a stream of inbound
// messages. Topic construction and classification live here so every subsystem
// agrees on the topic shapes.
package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/meow-io/go-relay/ids"
)

// Kind classifies a topic by shape.
type Kind int

const (
	KindUnknown Kind = iota
	// array of KeyPackage blobs, retained
	KindKeys
	// sealed envelopes, not retained
	KindInbox
	// protocol message bytes, not retained, broker-ordered
	KindGroupMessages
	// GroupInfo blob, retained
	KindGroupInfo
)

func (k Kind) String() string {
	switch k {
	case KindKeys:
		return "keys"
	case KindInbox:
		return "inbox"
	case KindGroupMessages:
		return "group-messages"
	case KindGroupInfo:
		return "group-info"
	default:
		return "unknown"
	}
}

// Classified is the result of classifying a topic. ID is the client id for
// keys/inbox topics and the group id for group topics.
type Classified struct {
	Kind Kind
	ID   ids.ID
}

type Topics struct {
	prefix string
}

func NewTopics(prefix string) Topics {
	return Topics{prefix: prefix}
}

func (t Topics) Keys(client ids.ID) string {
	return fmt.Sprintf("%s/keys/%x", t.prefix, client[:])
}

func (t Topics) Inbox(client ids.ID) string {
	return fmt.Sprintf("%s/inbox/%x", t.prefix, client[:])
}

func (t Topics) GroupMessages(group ids.ID) string {
	return fmt.Sprintf("%s/group/%x/messages", t.prefix, group[:])
}

func (t Topics) GroupInfo(group ids.ID) string {
	return fmt.Sprintf("%s/group/%x/info", t.prefix, group[:])
}

func (t Topics) Classify(topic string) (Classified, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != t.prefix {
		return Classified{}, fmt.Errorf("transport: unrecognized topic %s", topic)
	}
	switch parts[1] {
	case "keys", "inbox":
		if len(parts) != 3 {
			return Classified{}, fmt.Errorf("transport: unrecognized topic %s", topic)
		}
		id, err := parseID(parts[2])
		if err != nil {
			return Classified{}, fmt.Errorf("transport: bad id in topic %s: %w", topic, err)
		}
		kind := KindKeys
		if parts[1] == "inbox" {
			kind = KindInbox
		}
		return Classified{Kind: kind, ID: id}, nil
	case "group":
		if len(parts) != 4 {
			return Classified{}, fmt.Errorf("transport: unrecognized topic %s", topic)
		}
		id, err := parseID(parts[2])
		if err != nil {
			return Classified{}, fmt.Errorf("transport: bad id in topic %s: %w", topic, err)
		}
		switch parts[3] {
		case "messages":
			return Classified{Kind: KindGroupMessages, ID: id}, nil
		case "info":
			return Classified{Kind: KindGroupInfo, ID: id}, nil
		}
	}
	return Classified{}, fmt.Errorf("transport: unrecognized topic %s", topic)
}

func parseID(s string) (ids.ID, error) {
	var id ids.ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("expected %d bytes, got %d", len(id), len(b))
	}
	return ids.IDFromBytes(b), nil
}

// Message is a single inbound delivery.
type Message interface {
	Topic() string
	Body() []byte
}

// Transport carries messages between clients. Implementations must deliver
// at-least-once and honor retained publishes by replaying them to late
// subscribers. All calls respect their context; a timeout is a transient failure
// for the caller to retry, not state corruption.
type Transport interface {
	Start() error
	Shutdown() error
	Publish(ctx context.Context, topic string, body []byte, retain bool) error
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Messages() <-chan Message
}
