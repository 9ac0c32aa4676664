// This package implements an in-memory broker and transport used by tests and
// single-process setups. It honors retained publishes and can be told to deliver
// every message twice to exercise at-least-once handling.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/transport"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

type MessageImpl struct {
	topic string
	body  []byte
}

func (m *MessageImpl) Topic() string {
	return m.topic
}

func (m *MessageImpl) Body() []byte {
	return m.body
}

// Broker connects any number of local transports.
type Broker struct {
	lock       sync.Mutex
	retained   map[string][]byte
	subs       map[string]map[*Manager]struct{}
	duplicates bool
}

func NewBroker() *Broker {
	return &Broker{
		retained: make(map[string][]byte),
		subs:     make(map[string]map[*Manager]struct{}),
	}
}

// SetDuplicates makes the broker deliver each publish twice, simulating
// at-least-once redelivery.
func (b *Broker) SetDuplicates(d bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.duplicates = d
}

// Retained returns the currently retained body for a topic, if any.
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	body, ok := b.retained[topic]
	return body, ok
}

func (b *Broker) publish(topic string, body []byte, retain bool) {
	b.lock.Lock()
	if retain {
		b.retained[topic] = body
	}
	targets := maps.Keys(b.subs[topic])
	duplicates := b.duplicates
	b.lock.Unlock()

	for _, m := range targets {
		m.deliver(topic, body)
		if duplicates {
			m.deliver(topic, body)
		}
	}
}

func (b *Broker) subscribe(topic string, m *Manager) ([]byte, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.subs[topic]; !ok {
		b.subs[topic] = make(map[*Manager]struct{})
	}
	b.subs[topic][m] = struct{}{}
	body, ok := b.retained[topic]
	return body, ok
}

func (b *Broker) unsubscribe(topic string, m *Manager) {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.subs[topic], m)
}

func (b *Broker) drop(m *Manager) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, subs := range b.subs {
		delete(subs, m)
	}
}

// Manager is one client's connection to the broker.
type Manager struct {
	broker   *Broker
	log      *zap.SugaredLogger
	lock     sync.Mutex
	closed   bool
	messages chan transport.Message
}

func NewManager(c *config.Config, b *Broker) *Manager {
	return &Manager{
		broker:   b,
		log:      c.Logger("transport/local"),
		messages: make(chan transport.Message, 100),
	}
}

func (m *Manager) Start() error {
	return nil
}

func (m *Manager) Shutdown() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.broker.drop(m)
	close(m.messages)
	return nil
}

func (m *Manager) Publish(ctx context.Context, topic string, body []byte, retain bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return fmt.Errorf("local: transport is shut down")
	}
	m.lock.Unlock()
	m.broker.publish(topic, body, retain)
	return nil
}

func (m *Manager) Subscribe(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, ok := m.broker.subscribe(topic, m)
	if ok {
		// replay the retained message to the new subscriber
		m.deliver(topic, body)
	}
	return nil
}

func (m *Manager) Unsubscribe(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.broker.unsubscribe(topic, m)
	return nil
}

func (m *Manager) Messages() <-chan transport.Message {
	return m.messages
}

func (m *Manager) deliver(topic string, body []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return
	}
	select {
	case m.messages <- &MessageImpl{topic: topic, body: body}:
	default:
		m.log.Warnf("dropping message for %s, receiver is not keeping up", topic)
	}
}
