// This package provides a high-level interface to the relay protocol engine: an
// MLS delivery service client layered over a publish/subscribe transport, with
// sealed-sender envelopes hiding who is talking to whom and proof-of-work
// deterring inbox spam. The group key agreement itself is supplied by the caller
// as a session.Engine; this package wires it to the transport, the replay guard
// and the sealed envelope machinery.
package relay

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/kevinburke/nacl"
	"github.com/meow-io/go-relay/clock"
	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/crypto"
	"github.com/meow-io/go-relay/guard"
	"github.com/meow-io/go-relay/ids"
	"github.com/meow-io/go-relay/internal/db"
	"github.com/meow-io/go-relay/session"
	"github.com/meow-io/go-relay/transport"
	"go.uber.org/zap"
)

const (
	// Constants for client state.
	StateNew = iota
	StateRunning
	StateClosed
)

const sweepIntervalMs = 1000

// Events delivered over Updates.
type (
	DecryptedMessage = session.DecryptedMessage
	WelcomeProcessed = session.WelcomeProcessed
	PeerKeysReceived = session.PeerKeysReceived
	DesyncDetected   = session.DesyncDetected
	DesyncResolved   = session.DesyncResolved
	RecoveryFailed   = session.RecoveryFailed
)

type Client struct {
	config     *config.Config
	log        *zap.SugaredLogger
	clock      clock.Clock
	db         *db.Database
	engine     session.Engine
	transport  transport.Transport
	clientID   ids.ID
	sealPub    nacl.Key
	sealPriv   nacl.Key
	state      int
	manager    *session.Manager
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// EngineMaker builds the group messaging engine for a client identity. The
// engine's credential must be bound to the transport identity, which is only
// minted here, so construction is deferred to the client.
type EngineMaker func(clientID ids.ID) (session.Engine, error)

// NewClient makes a relay client. The engine supplies group key agreement; the
// transport carries messages. The client identity is a fresh random id held for
// the process lifetime and used only for transport addressing.
func NewClient(c *config.Config, makeEngine EngineMaker, tr transport.Transport) (*Client, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making relay client, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	cl := clock.NewSystemClock()
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	sealPub, sealPriv, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	clientID := ids.NewID()
	engine, err := makeEngine(clientID)
	if err != nil {
		return nil, fmt.Errorf("relay: error making engine: %w", err)
	}

	client := &Client{
		config:    c,
		log:       log,
		clock:     cl,
		db:        database,
		engine:    engine,
		transport: tr,
		clientID:  clientID,
		sealPub:   sealPub,
		sealPriv:  sealPriv,
		state:     StateNew,
		updates:   make(chan interface{}, 100),
	}
	return client, nil
}

// ClientID is this client's transport address.
func (c *Client) ClientID() ids.ID {
	return c.clientID
}

// Updates delivers *DecryptedMessage, *WelcomeProcessed, *PeerKeysReceived,
// *DesyncDetected, *DesyncResolved and *RecoveryFailed events.
func (c *Client) Updates() chan interface{} {
	return c.updates
}

func (c *Client) Running() bool {
	return c.state == StateRunning
}

// Start opens the local store with key, connects the transport, publishes the
// key bundle and begins processing deliveries.
func (c *Client) Start(key []byte) error {
	if c.state != StateNew {
		return fmt.Errorf("relay: wrong state %d", c.state)
	}
	if !c.db.Initialized() {
		if err := c.db.Initialize(key); err != nil {
			return fmt.Errorf("relay: error initializing database: %w", err)
		}
	}
	if err := c.db.Open(key); err != nil {
		return fmt.Errorf("relay: error opening database: %w", err)
	}

	g, err := guard.NewGuard(c.config, c.db, c.clock)
	if err != nil {
		return err
	}
	c.manager = session.NewManager(c.config, c.engine, g, c.transport, c.clock, c.clientID, c.sealPub, c.sealPriv)

	if err := c.transport.Start(); err != nil {
		return fmt.Errorf("relay: error starting transport: %w", err)
	}
	if err := c.manager.Start(); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	c.cancelFunc = cancelFunc
	c.startDeliveryLoop(ctx)
	c.startUpdatePassing(ctx)
	c.startSweeper(ctx)
	c.state = StateRunning
	c.log.Infof("relay client %x running", c.clientID[:])
	return nil
}

func (c *Client) Shutdown() error {
	if c.state != StateRunning {
		return nil
	}
	c.state = StateClosed
	c.cancelFunc()
	c.finished.Wait()
	if err := c.manager.Shutdown(); err != nil {
		return err
	}
	if err := c.transport.Shutdown(); err != nil {
		return err
	}
	return c.db.Shutdown()
}

// Connect begins establishing a session with a peer.
func (c *Client) Connect(ctx context.Context, peerID ids.ID) error {
	if c.state != StateRunning {
		return fmt.Errorf("relay: client is not running")
	}
	return c.manager.Connect(ctx, peerID)
}

// SendText sends text to a peer or group.
func (c *Client) SendText(ctx context.Context, target ids.ID, text string) error {
	if c.state != StateRunning {
		return fmt.Errorf("relay: client is not running")
	}
	return c.manager.SendText(ctx, target, text)
}

// AddPeerToGroup adds a known peer to an existing group.
func (c *Client) AddPeerToGroup(ctx context.Context, groupID, peerID ids.ID) error {
	if c.state != StateRunning {
		return fmt.Errorf("relay: client is not running")
	}
	return c.manager.AddPeerToGroup(ctx, groupID, peerID)
}

// RemovePeerFromGroup removes the member at leafIndex from a group.
func (c *Client) RemovePeerFromGroup(ctx context.Context, groupID ids.ID, leafIndex uint32) error {
	if c.state != StateRunning {
		return fmt.Errorf("relay: client is not running")
	}
	return c.manager.RemovePeerFromGroup(ctx, groupID, leafIndex)
}

// Leave tears down a group session.
func (c *Client) Leave(groupID ids.ID) error {
	if c.state != StateRunning {
		return fmt.Errorf("relay: client is not running")
	}
	return c.manager.Leave(groupID)
}

func (c *Client) startDeliveryLoop(ctx context.Context) {
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-c.transport.Messages():
				if !ok {
					return
				}
				c.manager.HandleMessage(msg)
			}
		}
	}()
}

func (c *Client) startUpdatePassing(ctx context.Context) {
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update := <-c.manager.Updates():
				c.updates <- update
			}
		}
	}()
}

func (c *Client) startSweeper(ctx context.Context) {
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		ticker := time.NewTicker(sweepIntervalMs * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.manager.Sweep()
			}
		}
	}()
}
