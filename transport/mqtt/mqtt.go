// This package adapts an MQTT broker to the transport interface. Retained
// publishes map to MQTT retained messages and at-least-once maps to QoS 1.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/ids"
	"github.com/meow-io/go-relay/transport"
	"go.uber.org/zap"
)

const qosAtLeastOnce = 1

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

type Manager struct {
	config   *config.Config
	log      *zap.SugaredLogger
	client   paho.Client
	lock     sync.Mutex
	closed   bool
	messages chan transport.Message
}

// NewManager makes a transport connected to brokerURL, for example
// tcp://broker.emqx.io:1883. The client id is the relay client identity.
func NewManager(c *config.Config, brokerURL string, clientID ids.ID) *Manager {
	log := c.Logger("transport/mqtt")
	m := &Manager{
		config:   c,
		log:      log,
		messages: make(chan transport.Message, 100),
	}

	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(fmt.Sprintf("%x", clientID[:])).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetResumeSubs(true).
		SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warnf("connection lost: %v", err)
	})
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		m.deliver(msg)
	})
	m.client = paho.NewClient(opts)
	return m
}

func (m *Manager) Start() error {
	tok := m.client.Connect()
	if !tok.WaitTimeout(m.publishTimeout()) {
		return fmt.Errorf("mqtt: timed out connecting")
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: error connecting: %w", err)
	}
	return nil
}

func (m *Manager) Shutdown() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.client.Disconnect(250)
	close(m.messages)
	return nil
}

func (m *Manager) Publish(ctx context.Context, topic string, body []byte, retain bool) error {
	tok := m.client.Publish(topic, qosAtLeastOnce, retain, body)
	return m.wait(ctx, tok, "publishing to "+topic)
}

func (m *Manager) Subscribe(ctx context.Context, topic string) error {
	tok := m.client.Subscribe(topic, qosAtLeastOnce, func(_ paho.Client, msg paho.Message) {
		m.deliver(msg)
	})
	return m.wait(ctx, tok, "subscribing to "+topic)
}

func (m *Manager) Unsubscribe(ctx context.Context, topic string) error {
	tok := m.client.Unsubscribe(topic)
	return m.wait(ctx, tok, "unsubscribing from "+topic)
}

func (m *Manager) Messages() <-chan transport.Message {
	return m.messages
}

func (m *Manager) wait(ctx context.Context, tok paho.Token, label string) error {
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt: error %s: %w", label, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt: timed out %s: %w", label, ctx.Err())
	}
}

func (m *Manager) deliver(msg paho.Message) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return
	}
	select {
	case m.messages <- &MessageImpl{topic: msg.Topic(), body: msg.Payload()}:
	default:
		m.log.Warnf("dropping message for %s, receiver is not keeping up", msg.Topic())
	}
}

func (m *Manager) publishTimeout() time.Duration {
	return time.Duration(m.config.PublishTimeoutMs) * time.Millisecond
}
