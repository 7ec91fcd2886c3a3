// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

// CheckpointStorage is an interface for durably storing the sync checkpoint state
// that has to survive restarts. Writes are expected to be synchronous; the
// in-memory checkpoint never advances past what a write has confirmed.
type CheckpointStorage interface {
	// WriteSyncCheckpoint durably records the current sync checkpoint block ID.
	WriteSyncCheckpoint(id BlockID) error

	// ReadSyncCheckpoint returns the recorded sync checkpoint block ID, nil if unset.
	ReadSyncCheckpoint() (*BlockID, error)

	// WriteCheckpointPubKey durably records the trusted checkpoint master public key.
	WriteCheckpointPubKey(pubKey string) error

	// ReadCheckpointPubKey returns the recorded master public key, empty if unset.
	ReadCheckpointPubKey() (string, error)

	// Close is called to close any underlying storage.
	Close() error
}
