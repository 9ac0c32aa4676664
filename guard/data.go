package guard

import (
	"database/sql"

	"github.com/meow-io/go-relay/ids"
	db "github.com/meow-io/go-relay/internal/db"
	"github.com/meow-io/go-relay/migration"
)

// database wraps the shared database with the guard's tables.
type database struct {
	db *db.Database
}

func newDatabase(d *db.Database) (*database, error) {
	if err := d.Migrate("_guard", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE _guard_consumed_key_packages (
	hash BLOB PRIMARY KEY,
	ctime INT8 NOT NULL
);

CREATE TABLE _guard_replay_records (
	group_id BLOB NOT NULL,
	epoch INT8 NOT NULL,
	sender_leaf INT8 NOT NULL,
	generation INT8 NOT NULL,
	PRIMARY KEY (group_id, epoch, sender_leaf, generation)
);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &database{db: d}, nil
}

func (d *database) keyPackageConsumed(hash []byte) (bool, error) {
	var count int
	if err := d.db.Tx.Get(&count, "SELECT count(*) FROM _guard_consumed_key_packages WHERE hash = $1", hash); err != nil {
		return false, err
	}
	return count != 0, nil
}

func (d *database) insertKeyPackage(hash []byte, ctime uint64) error {
	_, err := d.db.Tx.Exec("INSERT INTO _guard_consumed_key_packages (hash, ctime) VALUES ($1, $2)", hash, ctime)
	return err
}

func (d *database) deleteKeyPackage(hash []byte) error {
	_, err := d.db.Tx.Exec("DELETE FROM _guard_consumed_key_packages WHERE hash = $1", hash)
	return err
}

func (d *database) replaySeen(groupID ids.ID, epoch uint64, senderLeaf, generation uint32) (bool, error) {
	var count int
	if err := d.db.Tx.Get(&count, "SELECT count(*) FROM _guard_replay_records WHERE group_id = $1 AND epoch = $2 AND sender_leaf = $3 AND generation = $4", groupID[:], epoch, senderLeaf, generation); err != nil {
		return false, err
	}
	return count != 0, nil
}

func (d *database) insertReplayRecord(groupID ids.ID, epoch uint64, senderLeaf, generation uint32) error {
	_, err := d.db.Tx.Exec("INSERT INTO _guard_replay_records (group_id, epoch, sender_leaf, generation) VALUES ($1, $2, $3, $4)", groupID[:], epoch, senderLeaf, generation)
	return err
}

func (d *database) pruneReplayRecords(groupID ids.ID, beforeEpoch uint64) error {
	_, err := d.db.Tx.Exec("DELETE FROM _guard_replay_records WHERE group_id = $1 AND epoch < $2", groupID[:], beforeEpoch)
	return err
}

func (d *database) deleteGroup(groupID ids.ID) error {
	_, err := d.db.Tx.Exec("DELETE FROM _guard_replay_records WHERE group_id = $1", groupID[:])
	return err
}
