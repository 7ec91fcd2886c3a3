// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"encoding/base64"
	"errors"
	"testing"

	"golang.org/x/crypto/ed25519"
)

// In-memory chain index for testing checkpoint validation.
type memChain struct {
	headers map[BlockID]*BlockHeader
	main    []BlockID // index is height
}

func newMemChain() *memChain {
	return &memChain{headers: make(map[BlockID]*BlockHeader)}
}

func (m *memChain) addBlock(t *testing.T, prev BlockID, height int64, onMain bool) BlockID {
	header := &BlockHeader{
		Previous: prev,
		Height:   height,
		Nonce:    int64(len(m.headers)), // make IDs distinct
	}
	id, err := header.ID()
	if err != nil {
		t.Fatal(err)
	}
	m.headers[id] = header
	if onMain {
		if int64(len(m.main)) != height {
			t.Fatalf("Block at height %d doesn't extend the main chain", height)
		}
		m.main = append(m.main, id)
	}
	return id
}

func (m *memChain) GetBlockHeader(id BlockID) (*BlockHeader, int64, error) {
	return m.headers[id], 0, nil
}

func (m *memChain) GetBlockIDForHeight(height int64) (*BlockID, error) {
	if height < 0 || height >= int64(len(m.main)) {
		return nil, nil
	}
	id := m.main[height]
	return &id, nil
}

func (m *memChain) GetChainTip() (*BlockID, int64, error) {
	if len(m.main) == 0 {
		return nil, 0, nil
	}
	id := m.main[len(m.main)-1]
	return &id, int64(len(m.main) - 1), nil
}

// In-memory checkpoint storage for testing.
type memCheckpointStore struct {
	checkpointID *BlockID
	pubKey       string
}

func (s *memCheckpointStore) WriteSyncCheckpoint(id BlockID) error {
	cp := id
	s.checkpointID = &cp
	return nil
}

func (s *memCheckpointStore) ReadSyncCheckpoint() (*BlockID, error) {
	return s.checkpointID, nil
}

func (s *memCheckpointStore) WriteCheckpointPubKey(pubKey string) error {
	s.pubKey = pubKey
	return nil
}

func (s *memCheckpointStore) ReadCheckpointPubKey() (string, error) {
	return s.pubKey, nil
}

func (s *memCheckpointStore) Close() error {
	return nil
}

// Build a chain with genesis + 5 main chain blocks and a 2 block fork off of
// the block at height 2.
func newTestChain(t *testing.T) (chain *memChain, main []BlockID, fork []BlockID) {
	chain = newMemChain()
	main = make([]BlockID, 6)
	main[0] = chain.addBlock(t, BlockID{}, 0, true)
	for height := int64(1); height <= 5; height++ {
		main[height] = chain.addBlock(t, main[height-1], height, true)
	}
	fork = make([]BlockID, 2)
	fork[0] = chain.addBlock(t, main[2], 3, false)
	fork[1] = chain.addBlock(t, fork[0], 4, false)
	return
}

func newTestCheckpointSync(t *testing.T, chain *memChain, store CheckpointStorage) (
	*CheckpointSync, ed25519.PrivateKey) {
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	genesisID := chain.main[0]
	c, err := NewCheckpointSync(genesisID, chain, store,
		base64.StdEncoding.EncodeToString(pubKey))
	if err != nil {
		t.Fatal(err)
	}
	return c, privKey
}

func signCheckpoint(t *testing.T, id BlockID, privKey ed25519.PrivateKey) *SyncCheckpoint {
	cp, err := NewSyncCheckpoint(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := cp.Sign(privKey); err != nil {
		t.Fatal(err)
	}
	return cp
}

func TestProcessSyncCheckpoint(t *testing.T) {
	chain, main, _ := newTestChain(t)
	c, privKey := newTestCheckpointSync(t, chain, &memCheckpointStore{})

	// accept a first checkpoint
	status, err := c.ProcessSyncCheckpoint(signCheckpoint(t, main[3], privKey))
	if err != nil {
		t.Fatal(err)
	}
	if status != CheckpointAccepted {
		t.Fatalf("Expected checkpoint %s to be accepted", main[3])
	}
	id, height, err := c.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || *id != main[3] || height != 3 {
		t.Fatalf("Expected checkpoint %s at height 3, found %v at height %d", main[3], id, height)
	}
	if c.Message() == nil || c.Message().CheckpointID != main[3] {
		t.Fatal("Expected the accepted message to be retained for relay")
	}

	// an older main chain checkpoint is ignored without error
	status, err = c.ProcessSyncCheckpoint(signCheckpoint(t, main[1], privKey))
	if err != nil {
		t.Fatal(err)
	}
	if status != CheckpointIgnored {
		t.Fatalf("Expected older checkpoint %s to be ignored", main[1])
	}

	// a newer descendant advances the checkpoint
	status, err = c.ProcessSyncCheckpoint(signCheckpoint(t, main[5], privKey))
	if err != nil {
		t.Fatal(err)
	}
	if status != CheckpointAccepted {
		t.Fatalf("Expected checkpoint %s to be accepted", main[5])
	}
	id, height, err = c.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || *id != main[5] || height != 5 {
		t.Fatalf("Expected checkpoint %s at height 5, found %v at height %d", main[5], id, height)
	}

	// processing the same checkpoint a second time is ignored and changes nothing
	message := c.Message()
	status, err = c.ProcessSyncCheckpoint(signCheckpoint(t, main[5], privKey))
	if err != nil {
		t.Fatal(err)
	}
	if status != CheckpointIgnored {
		t.Fatal("Expected a repeated checkpoint to be ignored")
	}
	id, height, err = c.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || *id != main[5] || height != 5 {
		t.Fatalf("Expected checkpoint to remain %s at height 5, found %v at height %d",
			main[5], id, height)
	}
	if c.Message() != message {
		t.Fatal("Expected the retained message to be unchanged")
	}
	if len(c.Warning()) != 0 {
		t.Fatal("Expected no warning from a repeated checkpoint")
	}
}

func TestProcessSyncCheckpointConflict(t *testing.T) {
	chain, main, fork := newTestChain(t)
	c, privKey := newTestCheckpointSync(t, chain, &memCheckpointStore{})

	if _, err := c.ProcessSyncCheckpoint(signCheckpoint(t, main[3], privKey)); err != nil {
		t.Fatal(err)
	}

	// an older checkpoint off of the main chain is a conflict
	status, err := c.ProcessSyncCheckpoint(signCheckpoint(t, fork[0], privKey))
	if !errors.Is(err, ErrCheckpointConflict) {
		t.Fatalf("Expected a checkpoint conflict, found %v", err)
	}
	if status != CheckpointIgnored {
		t.Fatal("Expected a conflicting checkpoint to be ignored")
	}
	if c.InvalidCheckpoint() == nil || *c.InvalidCheckpoint() != fork[0] {
		t.Fatalf("Expected %s to be recorded as the conflicting checkpoint", fork[0])
	}
	if len(c.Warning()) == 0 {
		t.Fatal("Expected an operator warning after a conflict")
	}

	// a newer checkpoint that isn't a descendant is also a conflict
	if _, err := c.ProcessSyncCheckpoint(signCheckpoint(t, fork[1], privKey)); !errors.Is(
		err, ErrCheckpointConflict) {
		t.Fatalf("Expected a checkpoint conflict, found %v", err)
	}

	// the conflict must not have moved the checkpoint
	id, _, err := c.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || *id != main[3] {
		t.Fatalf("Expected checkpoint to remain %s, found %v", main[3], id)
	}
}

func TestProcessSyncCheckpointSignature(t *testing.T) {
	chain, main, _ := newTestChain(t)
	c, privKey := newTestCheckpointSync(t, chain, &memCheckpointStore{})

	// a message signed by the wrong key is rejected
	_, wrongKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ProcessSyncCheckpoint(signCheckpoint(t, main[3], wrongKey)); err == nil {
		t.Fatal("Expected a forged checkpoint message to be rejected")
	}

	// a message whose payload names a different block is rejected
	cp := signCheckpoint(t, main[3], privKey)
	cp.CheckpointID = main[4]
	if _, err := c.ProcessSyncCheckpoint(cp); err == nil {
		t.Fatal("Expected a mismatched checkpoint payload to be rejected")
	}

	// nothing above should have initialized the checkpoint
	id, _, err := c.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id != nil {
		t.Fatalf("Expected no checkpoint, found %s", *id)
	}
}

func TestPendingSyncCheckpoint(t *testing.T) {
	chain, main, _ := newTestChain(t)
	c, privKey := newTestCheckpointSync(t, chain, &memCheckpointStore{})

	if _, err := c.ProcessSyncCheckpoint(signCheckpoint(t, main[5], privKey)); err != nil {
		t.Fatal(err)
	}

	// checkpoint an unknown block
	unknownHeader := &BlockHeader{Previous: main[5], Height: 6, Nonce: 1000}
	unknownID, err := unknownHeader.ID()
	if err != nil {
		t.Fatal(err)
	}
	status, err := c.ProcessSyncCheckpoint(signCheckpoint(t, unknownID, privKey))
	if err != nil {
		t.Fatal(err)
	}
	if status != CheckpointPending {
		t.Fatalf("Expected checkpoint %s to be held as pending", unknownID)
	}
	if c.PendingCheckpoint() == nil || *c.PendingCheckpoint() != unknownID {
		t.Fatalf("Expected %s to be the pending checkpoint", unknownID)
	}

	// nothing to promote while the block is still unknown
	promoted, err := c.AcceptPendingSyncCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if promoted != nil {
		t.Fatal("Expected no promotion while the block is unknown")
	}

	// the block arrives but isn't on the main chain yet
	chain.headers[unknownID] = unknownHeader
	promoted, err = c.AcceptPendingSyncCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if promoted != nil {
		t.Fatal("Expected no promotion while the block is off the main chain")
	}
	if c.PendingCheckpoint() == nil {
		t.Fatal("Expected the pending checkpoint to be retained")
	}

	// now it connects to the main chain
	chain.main = append(chain.main, unknownID)
	promoted, err = c.AcceptPendingSyncCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if promoted == nil || promoted.CheckpointID != unknownID {
		t.Fatal("Expected the pending checkpoint to be promoted")
	}
	id, height, err := c.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || *id != unknownID || height != 6 {
		t.Fatalf("Expected checkpoint %s at height 6, found %v at height %d", unknownID, id, height)
	}
	if c.PendingCheckpoint() != nil {
		t.Fatal("Expected the pending checkpoint to be cleared")
	}
	if c.Message() == nil || c.Message().CheckpointID != unknownID {
		t.Fatal("Expected the promoted message to be retained for relay")
	}
}

func TestPendingSyncCheckpointDropped(t *testing.T) {
	chain, main, _ := newTestChain(t)
	c, privKey := newTestCheckpointSync(t, chain, &memCheckpointStore{})

	if _, err := c.ProcessSyncCheckpoint(signCheckpoint(t, main[3], privKey)); err != nil {
		t.Fatal(err)
	}

	// checkpoint a block we haven't seen which turns out to be on a fork
	forkHeader := &BlockHeader{Previous: main[1], Height: 2, Nonce: 2000}
	forkID, err := forkHeader.ID()
	if err != nil {
		t.Fatal(err)
	}
	status, err := c.ProcessSyncCheckpoint(signCheckpoint(t, forkID, privKey))
	if err != nil {
		t.Fatal(err)
	}
	if status != CheckpointPending {
		t.Fatalf("Expected checkpoint %s to be held as pending", forkID)
	}

	// once the block shows up off the main chain the pending checkpoint is dropped
	chain.headers[forkID] = forkHeader
	if _, err := c.AcceptPendingSyncCheckpoint(); !errors.Is(err, ErrCheckpointConflict) {
		t.Fatalf("Expected a checkpoint conflict, found %v", err)
	}
	if c.PendingCheckpoint() != nil {
		t.Fatal("Expected the failed pending checkpoint to be dropped")
	}
	id, _, err := c.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || *id != main[3] {
		t.Fatalf("Expected checkpoint to remain %s, found %v", main[3], id)
	}
}

func TestCheckSyncCheckpoint(t *testing.T) {
	chain, main, fork := newTestChain(t)
	c, privKey := newTestCheckpointSync(t, chain, &memCheckpointStore{})

	// the first check initializes the checkpoint to the genesis block
	newID := BlockID{0xff}
	ok, err := c.CheckSyncCheckpoint(newID, main[5], 5)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Expected the block to pass with no checkpoint")
	}
	id, height, err := c.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || *id != main[0] || height != 0 {
		t.Fatalf("Expected the checkpoint to initialize to the genesis block, found %v", id)
	}

	if _, err := c.ProcessSyncCheckpoint(signCheckpoint(t, main[3], privKey)); err != nil {
		t.Fatal(err)
	}

	// a block extending the main chain tip descends from the checkpoint
	ok, err = c.CheckSyncCheckpoint(newID, main[5], 5)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Expected a descendant of the checkpoint to pass")
	}

	// a block extending the fork does not
	ok, err = c.CheckSyncCheckpoint(newID, fork[1], 4)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Expected a non-descendant of the checkpoint to be rejected")
	}

	// at the checkpoint's height only the checkpoint itself passes
	ok, err = c.CheckSyncCheckpoint(main[3], main[2], 2)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Expected the checkpoint block itself to pass")
	}
	ok, err = c.CheckSyncCheckpoint(fork[0], main[2], 2)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Expected a competing block at the checkpoint height to be rejected")
	}

	// below the checkpoint's height only already-known blocks pass
	ok, err = c.CheckSyncCheckpoint(main[2], main[1], 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Expected an already-known low block to pass")
	}
	ok, err = c.CheckSyncCheckpoint(newID, main[1], 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Expected new low-height history to be rejected")
	}
}

func TestAutoSelectSyncCheckpoint(t *testing.T) {
	chain, main, _ := newTestChain(t)
	c, _ := newTestCheckpointSync(t, chain, &memCheckpointStore{})

	// depth 0 selects the tip itself
	id, err := c.AutoSelectSyncCheckpoint(0)
	if err != nil {
		t.Fatal(err)
	}
	if *id != main[5] {
		t.Fatalf("Expected the tip %s, found %s", main[5], *id)
	}

	// depth 2 selects the block 2 behind the tip
	id, err = c.AutoSelectSyncCheckpoint(2)
	if err != nil {
		t.Fatal(err)
	}
	if *id != main[3] {
		t.Fatalf("Expected %s at depth 2, found %s", main[3], *id)
	}

	// a depth past the genesis block stops there
	id, err = c.AutoSelectSyncCheckpoint(100)
	if err != nil {
		t.Fatal(err)
	}
	if *id != main[0] {
		t.Fatalf("Expected the genesis block at depth 100, found %s", *id)
	}
}

func TestResetSyncCheckpoint(t *testing.T) {
	chain, main, _ := newTestChain(t)
	c, privKey := newTestCheckpointSync(t, chain, &memCheckpointStore{})

	if _, err := c.ProcessSyncCheckpoint(signCheckpoint(t, main[5], privKey)); err != nil {
		t.Fatal(err)
	}

	// the hardened checkpoint block isn't in our test chain so the reset falls
	// back to the genesis block and queues the hardened checkpoint as pending
	if err := c.ResetSyncCheckpoint(); err != nil {
		t.Fatal(err)
	}
	id, _, err := c.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || *id != main[0] {
		t.Fatalf("Expected the checkpoint to fall back to the genesis block, found %v", id)
	}
	hardenedID, _, ok := LatestHardenedCheckpoint()
	if !ok {
		t.Fatal("Expected a hardened checkpoint in this build")
	}
	if c.PendingCheckpoint() == nil || *c.PendingCheckpoint() != hardenedID {
		t.Fatalf("Expected the hardened checkpoint %s to be pending", hardenedID)
	}
}

func TestCheckCheckpointPubKey(t *testing.T) {
	chain, main, _ := newTestChain(t)
	c, privKey := newTestCheckpointSync(t, chain, &memCheckpointStore{})

	if _, err := c.ProcessSyncCheckpoint(signCheckpoint(t, main[5], privKey)); err != nil {
		t.Fatal(err)
	}

	// first run records the key and resets the checkpoint
	if err := c.CheckCheckpointPubKey(); err != nil {
		t.Fatal(err)
	}
	id, _, err := c.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || *id != main[0] {
		t.Fatalf("Expected a reset checkpoint after recording the key, found %v", id)
	}

	// re-establish a checkpoint, a matching key is then a no-op
	if _, err := c.ProcessSyncCheckpoint(signCheckpoint(t, main[4], privKey)); err != nil {
		t.Fatal(err)
	}
	if err := c.CheckCheckpointPubKey(); err != nil {
		t.Fatal(err)
	}
	id, _, err = c.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || *id != main[4] {
		t.Fatalf("Expected the checkpoint to remain %s, found %v", main[4], id)
	}
}

func TestSetCheckpointPrivKey(t *testing.T) {
	chain, main, _ := newTestChain(t)
	c, privKey := newTestCheckpointSync(t, chain, &memCheckpointStore{})

	if c.IsMaster() {
		t.Fatal("Expected a fresh node to not be the checkpoint master")
	}

	// the wrong private key is rejected
	_, wrongKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetCheckpointPrivKey(
		base64.StdEncoding.EncodeToString(wrongKey)); !errors.Is(err, ErrCheckpointKey) {
		t.Fatalf("Expected a key error, found %v", err)
	}
	if c.IsMaster() {
		t.Fatal("Expected the wrong key to not make us the master")
	}

	// garbage is rejected
	if err := c.SetCheckpointPrivKey("not base64!"); !errors.Is(err, ErrCheckpointKey) {
		t.Fatalf("Expected a key error, found %v", err)
	}

	// the right key makes us the master and lets us sign
	if err := c.SetCheckpointPrivKey(base64.StdEncoding.EncodeToString(privKey)); err != nil {
		t.Fatal(err)
	}
	if !c.IsMaster() {
		t.Fatal("Expected to be the checkpoint master")
	}
	cp, err := c.SignSyncCheckpoint(main[3])
	if err != nil {
		t.Fatal(err)
	}
	status, err := c.ProcessSyncCheckpoint(cp)
	if err != nil {
		t.Fatal(err)
	}
	if status != CheckpointAccepted {
		t.Fatal("Expected our own signed checkpoint to be accepted")
	}
}

func TestCheckpointInfoCopies(t *testing.T) {
	chain, _, _ := newTestChain(t)

	// a checkpoint loaded from storage for a block our chain index doesn't have
	unknownID := BlockID{0xaa}
	store := &memCheckpointStore{}
	if err := store.WriteSyncCheckpoint(unknownID); err != nil {
		t.Fatal(err)
	}
	c, _ := newTestCheckpointSync(t, chain, store)

	id, _, err := c.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || *id != unknownID {
		t.Fatalf("Expected checkpoint %s, found %v", unknownID, id)
	}

	// mutating the returned ID must not touch the internal state
	id[0] ^= 0xff
	id, _, err = c.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || *id != unknownID {
		t.Fatalf("Expected checkpoint to remain %s, found %v", unknownID, id)
	}
}

func TestCheckpointPersistence(t *testing.T) {
	chain, main, _ := newTestChain(t)
	store := &memCheckpointStore{}

	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	pubKeyEncoded := base64.StdEncoding.EncodeToString(pubKey)

	c, err := NewCheckpointSync(chain.main[0], chain, store, pubKeyEncoded)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ProcessSyncCheckpoint(signCheckpoint(t, main[4], privKey)); err != nil {
		t.Fatal(err)
	}

	// a new instance over the same storage sees the checkpoint
	c2, err := NewCheckpointSync(chain.main[0], chain, store, pubKeyEncoded)
	if err != nil {
		t.Fatal(err)
	}
	id, height, err := c2.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || *id != main[4] || height != 4 {
		t.Fatalf("Expected the persisted checkpoint %s at height 4, found %v at height %d",
			main[4], id, height)
	}
}
