// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"bytes"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// CheckpointStorageDisk is an on-disk CheckpointStorage implementation using LevelDB.
// All writes are synchronous; consensus safety depends on the checkpoint being
// durable before the rest of the node observes it.
type CheckpointStorageDisk struct {
	db *leveldb.DB
}

// NewCheckpointStorageDisk returns a new instance of on-disk checkpoint storage.
func NewCheckpointStorageDisk(dbPath string) (*CheckpointStorageDisk, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, err
	}
	return &CheckpointStorageDisk{db: db}, nil
}

// WriteSyncCheckpoint durably records the current sync checkpoint block ID.
func (c CheckpointStorageDisk) WriteSyncCheckpoint(id BlockID) error {
	key, err := computeSyncCheckpointKey()
	if err != nil {
		return err
	}
	wo := opt.WriteOptions{Sync: true}
	return c.db.Put(key, id[:], &wo)
}

// ReadSyncCheckpoint returns the recorded sync checkpoint block ID, nil if unset.
func (c CheckpointStorageDisk) ReadSyncCheckpoint() (*BlockID, error) {
	key, err := computeSyncCheckpointKey()
	if err != nil {
		return nil, err
	}
	idBytes, err := c.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id := new(BlockID)
	copy(id[:], idBytes)
	return id, nil
}

// WriteCheckpointPubKey durably records the trusted checkpoint master public key.
func (c CheckpointStorageDisk) WriteCheckpointPubKey(pubKey string) error {
	key, err := computeCheckpointPubKeyKey()
	if err != nil {
		return err
	}
	wo := opt.WriteOptions{Sync: true}
	return c.db.Put(key, []byte(pubKey), &wo)
}

// ReadCheckpointPubKey returns the recorded master public key, empty if unset.
func (c CheckpointStorageDisk) ReadCheckpointPubKey() (string, error) {
	key, err := computeCheckpointPubKeyKey()
	if err != nil {
		return "", err
	}
	pubKeyBytes, err := c.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(pubKeyBytes), nil
}

// Close is called to close any underlying storage.
func (c *CheckpointStorageDisk) Close() error {
	return c.db.Close()
}

// leveldb schema
//
// C -> {bid}
// P -> {base64 master public key}

const syncCheckpointPrefix = 'C'

const checkpointPubKeyPrefix = 'P'

func computeSyncCheckpointKey() ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(syncCheckpointPrefix); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

func computeCheckpointPubKeyKey() ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(checkpointPubKeyPrefix); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}
