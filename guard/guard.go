// This package enforces the engine's at-most-once invariants over an
// at-least-once transport. It tracks consumed KeyPackage hashes globally and
// (epoch, sender leaf, generation) triples per group, and buffers messages which
// arrive ahead of their group's epoch until the commit that advances it. Consumed
// hashes and replay records are persisted so single-use survives restarts; the
// early-epoch buffer is memory only.
package guard

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-relay/clock"
	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/ids"
	db "github.com/meow-io/go-relay/internal/db"
	"go.uber.org/zap"
)

var (
	ErrReplayedKeyPackage = errors.New("guard: key package already consumed")
	ErrDuplicateMessage   = errors.New("guard: duplicate message")
	ErrStaleEpoch         = errors.New("guard: message from stale epoch")
	// The message is from a future epoch; the caller should buffer it.
	ErrFutureEpoch = errors.New("guard: message from future epoch")
)

type buffered struct {
	epoch uint64
	body  []byte
	at    time.Time
}

type Guard struct {
	config  *config.Config
	log     *zap.SugaredLogger
	clock   clock.Clock
	db      *database
	lock    sync.Mutex
	buffers map[ids.ID][]*buffered
}

func NewGuard(c *config.Config, d *db.Database, cl clock.Clock) (*Guard, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, fmt.Errorf("guard: error making guard: %w", err)
	}
	return &Guard{
		config:  c,
		log:     c.Logger("guard"),
		clock:   cl,
		db:      database,
		buffers: make(map[ids.ID][]*buffered),
	}, nil
}

// KeyPackageHash is the content hash under which a KeyPackage is tracked.
func KeyPackageHash(kp []byte) [32]byte {
	return sha256.Sum256(kp)
}

// ConsumeKeyPackage records a KeyPackage as used, rejecting reuse. Consumption
// is global, not per group.
func (g *Guard) ConsumeKeyPackage(kp []byte) error {
	hash := KeyPackageHash(kp)
	return g.db.db.Run("consume key package", func() error {
		seen, err := g.db.keyPackageConsumed(hash[:])
		if err != nil {
			return err
		}
		if seen {
			return ErrReplayedKeyPackage
		}
		return g.db.insertKeyPackage(hash[:], g.clock.CurrentTimeMs())
	})
}

// ForgetKeyPackage releases a consumed hash when the source KeyPackage itself
// expires.
func (g *Guard) ForgetKeyPackage(kp []byte) error {
	hash := KeyPackageHash(kp)
	return g.db.db.Run("forget key package", func() error {
		return g.db.deleteKeyPackage(hash[:])
	})
}

// CheckMessage applies the replay and ordering rules for one group message and,
// when the message is acceptable, records its triple. A recorded triple is never
// unrecorded: a message which later fails to process still counts as seen.
func (g *Guard) CheckMessage(groupID ids.ID, epoch uint64, senderLeaf, generation uint32, sessionEpoch uint64) error {
	if epoch > sessionEpoch {
		return ErrFutureEpoch
	}
	if epoch < sessionEpoch {
		return ErrStaleEpoch
	}
	return g.db.db.Run("check message", func() error {
		seen, err := g.db.replaySeen(groupID, epoch, senderLeaf, generation)
		if err != nil {
			return err
		}
		if seen {
			return ErrDuplicateMessage
		}
		return g.db.insertReplayRecord(groupID, epoch, senderLeaf, generation)
	})
}

// Buffer holds a future-epoch message until its epoch becomes current. Returns
// false when the group's buffer is full, in which case the message is dropped.
func (g *Guard) Buffer(groupID ids.ID, epoch uint64, body []byte) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	if len(g.buffers[groupID]) >= g.config.RecvBufferLimit {
		g.log.Warnf("buffer for group %x is full, dropping message", groupID[:])
		return false
	}
	g.buffers[groupID] = append(g.buffers[groupID], &buffered{
		epoch: epoch,
		body:  body,
		at:    g.clock.Now(),
	})
	return true
}

// TakeReady removes and returns buffered messages whose epoch is now current.
// Called after a commit advances the group's epoch.
func (g *Guard) TakeReady(groupID ids.ID, currentEpoch uint64) [][]byte {
	g.lock.Lock()
	defer g.lock.Unlock()
	var ready [][]byte
	var keep []*buffered
	for _, b := range g.buffers[groupID] {
		if b.epoch <= currentEpoch {
			ready = append(ready, b.body)
		} else {
			keep = append(keep, b)
		}
	}
	if len(keep) == 0 {
		delete(g.buffers, groupID)
	} else {
		g.buffers[groupID] = keep
	}
	return ready
}

// Expire drops buffered messages older than the receive-buffer window.
func (g *Guard) Expire() {
	window := time.Duration(g.config.RecvBufferWindowMs) * time.Millisecond
	cutoff := g.clock.Now().Add(-window)
	g.lock.Lock()
	defer g.lock.Unlock()
	for groupID, buf := range g.buffers {
		var keep []*buffered
		for _, b := range buf {
			if b.at.After(cutoff) {
				keep = append(keep, b)
			}
		}
		if len(keep) != len(buf) {
			g.log.Debugf("expired %d buffered messages for group %x", len(buf)-len(keep), groupID[:])
		}
		if len(keep) == 0 {
			delete(g.buffers, groupID)
		} else {
			g.buffers[groupID] = keep
		}
	}
}

// PruneEpochs deletes replay records which have fallen out of the retention
// window. Records that old are unreachable anyway, since their messages would be
// dropped as stale.
func (g *Guard) PruneEpochs(groupID ids.ID, currentEpoch uint64) error {
	if currentEpoch <= g.config.EpochRetention {
		return nil
	}
	return g.db.db.Run("prune epochs", func() error {
		return g.db.pruneReplayRecords(groupID, currentEpoch-g.config.EpochRetention)
	})
}

// ForgetGroup drops all replay state for a group on leave or remove.
func (g *Guard) ForgetGroup(groupID ids.ID) error {
	g.lock.Lock()
	delete(g.buffers, groupID)
	g.lock.Unlock()
	return g.db.db.Run("forget group", func() error {
		return g.db.deleteGroup(groupID)
	})
}
