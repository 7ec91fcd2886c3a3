// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.
//
// The synchronized checkpoint system was first developed by Sunny King for the
// ppcoin network in 2012, giving cryptocurrency developers a tool to gain
// additional network protection against 51% attacks.
//
// In the network there can be a privileged node known as the checkpoint master.
// This node can send out checkpoint messages signed by the checkpoint master
// key. Each checkpoint is a block ID, representing a block on the block chain
// that the network should reach consensus on.
//
// Besides verifying signatures of checkpoint messages, each node also verifies
// the consistency of the checkpoints. If a conflicting checkpoint is received,
// it means either the checkpoint master key is compromised, or there is an
// operator mistake. In this situation the node discards the conflicting
// checkpoint message and keeps a warning visible to the operator. This
// precaution controls the damage caused by an operator mistake or a
// compromised key.

package trezarcoin

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/ed25519"
)

// ErrCheckpointConflict means a received checkpoint is inconsistent with the
// current sync checkpoint. The conflicting ID is recorded and a standing
// warning is surfaced to the operator.
var ErrCheckpointConflict = errors.New("conflicts with the current sync checkpoint")

// ErrBlockUnknown means a block referenced during checkpoint validation isn't
// in the local chain index yet. Resolvable once the block arrives.
var ErrBlockUnknown = errors.New("block not found in the chain index")

// ErrChainIndexFailure means an ancestor walk hit a missing parent link.
// The local chain index can no longer be trusted for consensus.
var ErrChainIndexFailure = errors.New("chain index structure failure")

// ErrCheckpointKey means master key material is missing, malformed or doesn't
// match the compiled-in checkpoint master public key.
var ErrCheckpointKey = errors.New("checkpoint master key invalid")

// CheckpointStatus is the outcome of processing a signed checkpoint message.
type CheckpointStatus int

const (
	// CheckpointAccepted means the checkpoint is the new sync checkpoint.
	CheckpointAccepted CheckpointStatus = iota

	// CheckpointPending means the referenced block isn't known locally yet.
	// The message is held and replayed once the block arrives.
	CheckpointPending

	// CheckpointIgnored means the checkpoint is an already-covered ancestor. No-op.
	CheckpointIgnored
)

// CheckpointSync enforces the synchronized checkpoint on the block chain.
// The sync checkpoint is a block the network must build on; block history that
// doesn't descend from it is rejected no matter how much work it carries.
// All state lives behind one lock. The lock is a leaf: chain index reads made
// while holding it must never re-enter checkpoint code.
type CheckpointSync struct {
	genesisID      BlockID
	chain          ChainIndex
	store          CheckpointStorage
	masterPubKey   ed25519.PublicKey
	checkpointID   *BlockID           // current sync checkpoint, nil if uninitialized
	message        *SyncCheckpoint    // last accepted signed message, relayed to new peers
	pendingID      *BlockID           // checkpoint awaiting local knowledge of its block
	pendingMessage *SyncCheckpoint    // message to replay once the pending block arrives
	invalidID      *BlockID           // most recent conflicting checkpoint, diagnostic only
	warning        string             // operator-visible description of the conflict
	privKey        ed25519.PrivateKey // master private key, only set on a master node
	lock           sync.Mutex
}

// NewCheckpointSync returns a new CheckpointSync instance.
// The persisted sync checkpoint, if any, is loaded from storage.
func NewCheckpointSync(genesisID BlockID, chain ChainIndex, store CheckpointStorage,
	masterPubKeyEncoded string) (*CheckpointSync, error) {

	masterPubKey, err := base64.StdEncoding.DecodeString(masterPubKeyEncoded)
	if err != nil {
		return nil, err
	}
	if len(masterPubKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("Public key is %d bytes: %w", len(masterPubKey), ErrCheckpointKey)
	}

	id, err := store.ReadSyncCheckpoint()
	if err != nil {
		return nil, err
	}

	return &CheckpointSync{
		genesisID:    genesisID,
		chain:        chain,
		store:        store,
		masterPubKey: ed25519.PublicKey(masterPubKey),
		checkpointID: id,
	}, nil
}

// CheckpointInfo returns the current sync checkpoint ID and its height.
// The ID is nil if no checkpoint has been initialized yet.
func (c *CheckpointSync) CheckpointInfo() (*BlockID, int64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.checkpointID == nil {
		return nil, 0, nil
	}
	header, _, err := c.chain.GetBlockHeader(*c.checkpointID)
	if err != nil {
		return nil, 0, err
	}
	id := *c.checkpointID
	if header == nil {
		return &id, 0, nil
	}
	return &id, header.Height, nil
}

// Warning returns the standing operator warning set by the most recent
// checkpoint conflict, empty if none. It is advisory and never auto-cleared.
func (c *CheckpointSync) Warning() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.warning
}

// InvalidCheckpoint returns the most recent conflicting checkpoint ID observed, nil if none.
func (c *CheckpointSync) InvalidCheckpoint() *BlockID {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.invalidID
}

// Message returns the last accepted signed checkpoint message, nil if none.
// It's relayed to newly connected peers.
func (c *CheckpointSync) Message() *SyncCheckpoint {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.message
}

// PendingCheckpoint returns the checkpoint ID awaiting local knowledge of its block, nil if none.
func (c *CheckpointSync) PendingCheckpoint() *BlockID {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pendingID
}

// IsMaster returns true if this node holds the checkpoint master private key.
func (c *CheckpointSync) IsMaster() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.privKey != nil
}

// SetCheckpointPrivKey is called to turn this node into the checkpoint master.
// The key is validated against the compiled-in master public key and held in
// memory only; it is never persisted.
func (c *CheckpointSync) SetCheckpointPrivKey(privKeyEncoded string) error {
	privKeyBytes, err := base64.StdEncoding.DecodeString(privKeyEncoded)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrCheckpointKey)
	}
	if len(privKeyBytes) != ed25519.PrivateKeySize {
		return fmt.Errorf("Private key is %d bytes: %w", len(privKeyBytes), ErrCheckpointKey)
	}
	privKey := ed25519.PrivateKey(privKeyBytes)

	c.lock.Lock()
	defer c.lock.Unlock()
	pubKey, ok := privKey.Public().(ed25519.PublicKey)
	if !ok || !pubKey.Equal(c.masterPubKey) {
		return fmt.Errorf("Private key does not match the checkpoint master public key: %w",
			ErrCheckpointKey)
	}
	c.privKey = privKey
	return nil
}

// SignSyncCheckpoint constructs and signs a new checkpoint message for the
// given block ID using the master private key.
func (c *CheckpointSync) SignSyncCheckpoint(id BlockID) (*SyncCheckpoint, error) {
	c.lock.Lock()
	privKey := c.privKey
	c.lock.Unlock()
	if privKey == nil {
		return nil, fmt.Errorf("Checkpoint master key unavailable: %w", ErrCheckpointKey)
	}

	cp, err := NewSyncCheckpoint(id)
	if err != nil {
		return nil, err
	}
	if err := cp.Sign(privKey); err != nil {
		return nil, err
	}
	return cp, nil
}

// ProcessSyncCheckpoint is the single entry point for inbound and locally
// originated checkpoint messages. The signature is verified first; a message
// naming a block we haven't seen is held as pending; otherwise the checkpoint
// is validated against the current one and, on success, durably recorded
// before the in-memory transition. The caller relays accepted checkpoints
// after this returns, outside the lock.
func (c *CheckpointSync) ProcessSyncCheckpoint(cp *SyncCheckpoint) (CheckpointStatus, error) {
	// authenticity first. an unsigned or forged message must never touch state
	if err := cp.CheckSignature(c.masterPubKey); err != nil {
		return CheckpointIgnored, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	header, _, err := c.chain.GetBlockHeader(cp.CheckpointID)
	if err != nil {
		return CheckpointIgnored, err
	}
	if header == nil {
		// we haven't received the checkpoint's chain yet, keep the checkpoint as pending
		pendingID := cp.CheckpointID
		c.pendingID = &pendingID
		c.pendingMessage = cp
		return CheckpointPending, nil
	}

	ok, err := c.validateSyncCheckpoint(cp.CheckpointID)
	if err != nil {
		return CheckpointIgnored, err
	}
	if !ok {
		// an older checkpoint we already cover. nothing to do
		return CheckpointIgnored, nil
	}

	if err := c.writeSyncCheckpoint(cp.CheckpointID); err != nil {
		return CheckpointIgnored, err
	}

	c.message = cp
	c.pendingID = nil
	c.pendingMessage = nil
	return CheckpointAccepted, nil
}

// AcceptPendingSyncCheckpoint attempts to promote the pending checkpoint after
// new blocks have been connected. It returns the promoted message for relay,
// or nil if there was nothing to promote. A pending checkpoint that fails
// re-validation is dropped, not retried.
func (c *CheckpointSync) AcceptPendingSyncCheckpoint() (*SyncCheckpoint, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.pendingID == nil {
		return nil, nil
	}
	pendingID := *c.pendingID

	header, _, err := c.chain.GetBlockHeader(pendingID)
	if err != nil {
		return nil, err
	}
	if header == nil {
		// still waiting on the block
		return nil, nil
	}

	ok, err := c.validateSyncCheckpoint(pendingID)
	if err != nil || !ok {
		c.pendingID = nil
		c.pendingMessage = nil
		return nil, err
	}

	// wait until the checkpoint block is on the main chain before enforcing it
	mainID, err := c.chain.GetBlockIDForHeight(header.Height)
	if err != nil {
		return nil, err
	}
	if mainID == nil || *mainID != pendingID {
		return nil, nil
	}

	if err := c.writeSyncCheckpoint(pendingID); err != nil {
		return nil, err
	}

	// a pending hardened checkpoint reset carries no signed message to relay
	promoted := c.pendingMessage
	if promoted != nil {
		c.message = promoted
	}
	c.pendingID = nil
	c.pendingMessage = nil
	return promoted, nil
}

// CheckSyncCheckpoint is called to gate acceptance of a new block extending
// the chain at prevHeight+1. Only history descending from the sync checkpoint
// can pass. If no checkpoint is initialized yet it is set to the genesis block.
func (c *CheckpointSync) CheckSyncCheckpoint(id, prev BlockID, prevHeight int64) (bool, error) {
	height := prevHeight + 1

	c.lock.Lock()
	defer c.lock.Unlock()

	// reset the checkpoint to the genesis block if not found or initialized
	var syncHeader *BlockHeader
	if c.checkpointID != nil {
		var err error
		syncHeader, _, err = c.chain.GetBlockHeader(*c.checkpointID)
		if err != nil {
			return false, err
		}
	}
	if syncHeader == nil {
		if err := c.writeSyncCheckpoint(c.genesisID); err != nil {
			return false, err
		}
		return true, nil
	}

	if height > syncHeader.Height {
		// trace back from the new block's parent to the checkpoint's height
		ancestorID := prev
		ancestor, _, err := c.chain.GetBlockHeader(ancestorID)
		if err != nil {
			return false, err
		}
		if ancestor == nil {
			return false, fmt.Errorf("Missing parent %s: %w", ancestorID, ErrChainIndexFailure)
		}
		for ancestor.Height > syncHeader.Height {
			ancestorID = ancestor.Previous
			ancestor, _, err = c.chain.GetBlockHeader(ancestorID)
			if err != nil {
				return false, err
			}
			if ancestor == nil {
				return false, fmt.Errorf("Missing parent %s: %w", ancestorID, ErrChainIndexFailure)
			}
		}

		// only a descendant of the sync checkpoint can pass
		mainID, err := c.chain.GetBlockIDForHeight(ancestor.Height)
		if err != nil {
			return false, err
		}
		return mainID != nil && *mainID == ancestorID, nil
	}

	if height == syncHeader.Height {
		// same height as the sync checkpoint, only the checkpoint itself can pass
		return id == *c.checkpointID, nil
	}

	// lower height than the sync checkpoint. tolerate blocks we've already
	// seen, reject genuinely new low-height history
	header, _, err := c.chain.GetBlockHeader(id)
	if err != nil {
		return false, err
	}
	return header != nil, nil
}

// AutoSelectSyncCheckpoint selects the block depth blocks behind the current
// main chain tip, used by a master node in automatic mode. A depth of 0
// selects the tip itself; the walk stops at the genesis block if the chain is
// shorter than depth.
func (c *CheckpointSync) AutoSelectSyncCheckpoint(depth int64) (*BlockID, error) {
	tipID, tipHeight, err := c.chain.GetChainTip()
	if err != nil {
		return nil, err
	}
	if tipID == nil {
		return nil, fmt.Errorf("No main chain tip: %w", ErrBlockUnknown)
	}

	// search backward for a block satisfying the depth policy
	id := *tipID
	header, _, err := c.chain.GetBlockHeader(id)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, fmt.Errorf("Missing tip header %s: %w", id, ErrChainIndexFailure)
	}
	for header.Height > 0 && header.Height+depth > tipHeight {
		id = header.Previous
		header, _, err = c.chain.GetBlockHeader(id)
		if err != nil {
			return nil, err
		}
		if header == nil {
			return nil, fmt.Errorf("Missing parent %s: %w", id, ErrChainIndexFailure)
		}
	}
	return &id, nil
}

// ResetSyncCheckpoint resets the sync checkpoint to the latest hardened
// checkpoint. If the hardened checkpoint block isn't known locally it's queued
// as pending and the checkpoint falls back to the genesis block for now.
func (c *CheckpointSync) ResetSyncCheckpoint() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.resetSyncCheckpoint()
}

// CheckCheckpointPubKey verifies that the persisted checkpoint master public
// key matches the compiled-in one and resets the sync checkpoint if not.
// This guards against silently trusting a stale key after a rotation.
func (c *CheckpointSync) CheckCheckpointPubKey() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	masterPubKeyEncoded := base64.StdEncoding.EncodeToString(c.masterPubKey)
	pubKeyEncoded, err := c.store.ReadCheckpointPubKey()
	if err != nil {
		return err
	}
	if pubKeyEncoded == masterPubKeyEncoded {
		return nil
	}

	// first run or a key rotation. record the new key and start over from the
	// latest hardened checkpoint
	if err := c.store.WriteCheckpointPubKey(masterPubKeyEncoded); err != nil {
		return err
	}
	return c.resetSyncCheckpoint()
}

// Reset to the latest hardened checkpoint. Caller holds the lock.
func (c *CheckpointSync) resetSyncCheckpoint() error {
	hardenedID, hardenedHeight, ok := LatestHardenedCheckpoint()
	if !ok {
		// nothing hardened into this build, start over from genesis
		return c.writeSyncCheckpoint(c.genesisID)
	}

	header, _, err := c.chain.GetBlockHeader(hardenedID)
	if err != nil {
		return err
	}
	if header == nil {
		// hardened checkpoint block not yet accepted, queue it
		c.pendingID = &hardenedID
		c.pendingMessage = nil
		return c.writeSyncCheckpoint(c.genesisID)
	}

	mainID, err := c.chain.GetBlockIDForHeight(hardenedHeight)
	if err != nil {
		return err
	}
	if mainID == nil || *mainID != hardenedID {
		return c.writeSyncCheckpoint(c.genesisID)
	}
	return c.writeSyncCheckpoint(hardenedID)
}

// Only a descendant of the current sync checkpoint is allowed to replace it.
// Returns false with a nil error for an older checkpoint we already cover.
// Caller holds the lock.
func (c *CheckpointSync) validateSyncCheckpoint(id BlockID) (bool, error) {
	if c.checkpointID == nil {
		// nothing to validate against yet
		return true, nil
	}

	syncHeader, _, err := c.chain.GetBlockHeader(*c.checkpointID)
	if err != nil {
		return false, err
	}
	if syncHeader == nil {
		return false, fmt.Errorf("Current sync checkpoint %s: %w", *c.checkpointID, ErrBlockUnknown)
	}
	header, _, err := c.chain.GetBlockHeader(id)
	if err != nil {
		return false, err
	}
	if header == nil {
		return false, fmt.Errorf("Received sync checkpoint %s: %w", id, ErrBlockUnknown)
	}

	if header.Height <= syncHeader.Height {
		// received an older checkpoint. it's fine if it's on the main chain
		// under our current checkpoint, otherwise someone is signing a fork
		mainID, err := c.chain.GetBlockIDForHeight(header.Height)
		if err != nil {
			return false, err
		}
		if mainID == nil || *mainID != id {
			c.setConflict(id)
			return false, fmt.Errorf("Checkpoint %s at height %d: %w",
				id, header.Height, ErrCheckpointConflict)
		}
		// ignore older checkpoint
		return false, nil
	}

	// the received checkpoint must be a descendant of the current checkpoint.
	// trace back to the current checkpoint's height to verify
	ancestorID := id
	ancestor := header
	for ancestor.Height > syncHeader.Height {
		ancestorID = ancestor.Previous
		ancestor, _, err = c.chain.GetBlockHeader(ancestorID)
		if err != nil {
			return false, err
		}
		if ancestor == nil {
			return false, fmt.Errorf("Missing parent %s: %w", ancestorID, ErrChainIndexFailure)
		}
	}

	if ancestorID != *c.checkpointID {
		c.setConflict(id)
		return false, fmt.Errorf("Checkpoint %s is not a descendant of %s: %w",
			id, *c.checkpointID, ErrCheckpointConflict)
	}
	return true, nil
}

// Record a conflicting checkpoint and the operator warning. Caller holds the lock.
func (c *CheckpointSync) setConflict(id BlockID) {
	c.invalidID = &id
	c.warning = fmt.Sprintf(
		"Checkpoint %s conflicts with the current sync checkpoint. "+
			"The checkpoint master key may be compromised.", id)
}

// Durably record the new sync checkpoint, then update memory. If the write
// fails the in-memory checkpoint is left untouched. Caller holds the lock.
func (c *CheckpointSync) writeSyncCheckpoint(id BlockID) error {
	if err := c.store.WriteSyncCheckpoint(id); err != nil {
		return err
	}
	c.checkpointID = &id
	return nil
}
