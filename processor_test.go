// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"

	"golang.org/x/crypto/ed25519"
)

// In-memory chain storage for testing the processor.
type memChainStore struct {
	*memChain
	blocks map[BlockID]*Block
}

func newMemChainStore() *memChainStore {
	return &memChainStore{memChain: newMemChain(), blocks: make(map[BlockID]*Block)}
}

func (m *memChainStore) Store(id BlockID, block *Block, now int64) error {
	m.blocks[id] = block
	m.headers[id] = block.Header
	return nil
}

func (m *memChainStore) GetBlock(id BlockID) (*Block, error) {
	return m.blocks[id], nil
}

func (m *memChainStore) GetBlockBytes(id BlockID) ([]byte, error) {
	block, ok := m.blocks[id]
	if !ok {
		return nil, nil
	}
	return json.Marshal(block)
}

func (m *memChainStore) ConnectBlock(id BlockID, block *Block) error {
	if int64(len(m.main)) != block.Header.Height {
		return fmt.Errorf("Block %s doesn't extend the main chain", id)
	}
	m.main = append(m.main, id)
	return nil
}

func (m *memChainStore) DisconnectBlock(id BlockID, block *Block) error {
	if len(m.main) == 0 || m.main[len(m.main)-1] != id {
		return fmt.Errorf("Block %s is not the current chain tip", id)
	}
	m.main = m.main[:len(m.main)-1]
	return nil
}

func (m *memChainStore) Close() error {
	return nil
}

// Build a valid block extending the given parent.
func makeTestBlock(t *testing.T, prev BlockID, height, nonce int64) (BlockID, *Block) {
	var work BlockID
	work.SetBigInt(big.NewInt(height + 1))
	block := &Block{
		Header: &BlockHeader{
			Previous:         prev,
			Time:             1561173000 + height,
			ChainWork:        work,
			Nonce:            nonce,
			Height:           height,
			TransactionCount: 1,
		},
		Transactions: []json.RawMessage{json.RawMessage(`{"memo":"test"}`)},
	}
	id, err := block.ID()
	if err != nil {
		t.Fatal(err)
	}
	return id, block
}

func TestProcessorCheckpoints(t *testing.T) {
	store := newMemChainStore()

	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	genesisID, genesisBlock := makeTestBlock(t, BlockID{}, 0, 0)
	checkpoints, err := NewCheckpointSync(genesisID, store, &memCheckpointStore{},
		base64.StdEncoding.EncodeToString(pubKey))
	if err != nil {
		t.Fatal(err)
	}

	processor := NewProcessor(genesisID, store, checkpoints)
	processor.Run()
	defer processor.Shutdown()

	// begin the chain
	if err := processor.ProcessBlock(genesisID, genesisBlock, ""); err != nil {
		t.Fatal(err)
	}

	// extend it
	id1, block1 := makeTestBlock(t, genesisID, 1, 0)
	if err := processor.ProcessBlock(id1, block1, ""); err != nil {
		t.Fatal(err)
	}
	id2, block2 := makeTestBlock(t, id1, 2, 0)
	if err := processor.ProcessBlock(id2, block2, ""); err != nil {
		t.Fatal(err)
	}
	tipID, tipHeight, err := store.GetChainTip()
	if err != nil {
		t.Fatal(err)
	}
	if tipID == nil || *tipID != id2 || tipHeight != 2 {
		t.Fatalf("Expected tip %s at height 2, found %v at height %d", id2, tipID, tipHeight)
	}

	// register for checkpoint announcements
	checkpointChan := make(chan CheckpointChange, 10)
	processor.RegisterForCheckpoints(checkpointChan)
	defer processor.UnregisterForCheckpoints(checkpointChan)

	// process a checkpoint at block 1
	cp, err := NewSyncCheckpoint(id1)
	if err != nil {
		t.Fatal(err)
	}
	if err := cp.Sign(privKey); err != nil {
		t.Fatal(err)
	}
	status, err := processor.ProcessCheckpoint(cp, "somepeer")
	if err != nil {
		t.Fatal(err)
	}
	if status != CheckpointAccepted {
		t.Fatalf("Expected checkpoint %s to be accepted", id1)
	}
	change := <-checkpointChan
	if change.Checkpoint.CheckpointID != id1 || change.Source != "somepeer" {
		t.Fatal("Expected the accepted checkpoint to be announced for relay")
	}

	// a checkpoint for a block we haven't seen is held and promoted once the
	// block connects
	id3, block3 := makeTestBlock(t, id2, 3, 0)
	cp3, err := NewSyncCheckpoint(id3)
	if err != nil {
		t.Fatal(err)
	}
	if err := cp3.Sign(privKey); err != nil {
		t.Fatal(err)
	}
	status, err = processor.ProcessCheckpoint(cp3, "somepeer")
	if err != nil {
		t.Fatal(err)
	}
	if status != CheckpointPending {
		t.Fatalf("Expected checkpoint %s to be pending", id3)
	}
	if err := processor.ProcessBlock(id3, block3, "somepeer"); err != nil {
		t.Fatal(err)
	}
	change = <-checkpointChan
	if change.Checkpoint.CheckpointID != id3 {
		t.Fatal("Expected the pending checkpoint to be announced after promotion")
	}
	if len(change.Source) != 0 {
		t.Fatal("Expected a promoted checkpoint to be announced without a source")
	}
	cpID, cpHeight, err := checkpoints.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if cpID == nil || *cpID != id3 || cpHeight != 3 {
		t.Fatalf("Expected checkpoint %s at height 3, found %v at height %d", id3, cpID, cpHeight)
	}

	// a block below the checkpoint on a fork is rejected
	forkID, forkBlock := makeTestBlock(t, id1, 2, 99)
	if err := processor.ProcessBlock(forkID, forkBlock, "somepeer"); err == nil {
		t.Fatal("Expected a fork block below the checkpoint to be rejected")
	}

	// issuing a checkpoint requires the master key
	id4, block4 := makeTestBlock(t, id3, 4, 0)
	if err := processor.ProcessBlock(id4, block4, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := processor.SendCheckpoint(id4); err == nil {
		t.Fatal("Expected issuing a checkpoint to fail without the master key")
	}
	if err := checkpoints.SetCheckpointPrivKey(
		base64.StdEncoding.EncodeToString(privKey)); err != nil {
		t.Fatal(err)
	}
	sent, err := processor.SendCheckpoint(id4)
	if err != nil {
		t.Fatal(err)
	}
	if sent.CheckpointID != id4 {
		t.Fatalf("Expected the issued checkpoint to name %s", id4)
	}
	change = <-checkpointChan
	if change.Checkpoint.CheckpointID != id4 {
		t.Fatal("Expected the issued checkpoint to be announced for relay")
	}
}

func TestProcessorPendingCheckpointConflict(t *testing.T) {
	store := newMemChainStore()

	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	genesisID, genesisBlock := makeTestBlock(t, BlockID{}, 0, 0)
	checkpoints, err := NewCheckpointSync(genesisID, store, &memCheckpointStore{},
		base64.StdEncoding.EncodeToString(pubKey))
	if err != nil {
		t.Fatal(err)
	}

	processor := NewProcessor(genesisID, store, checkpoints)
	processor.Run()
	defer processor.Shutdown()

	if err := processor.ProcessBlock(genesisID, genesisBlock, ""); err != nil {
		t.Fatal(err)
	}
	id1, block1 := makeTestBlock(t, genesisID, 1, 0)
	if err := processor.ProcessBlock(id1, block1, ""); err != nil {
		t.Fatal(err)
	}
	id2, block2 := makeTestBlock(t, id1, 2, 0)
	if err := processor.ProcessBlock(id2, block2, ""); err != nil {
		t.Fatal(err)
	}

	// checkpoint the block at height 2
	cp, err := NewSyncCheckpoint(id2)
	if err != nil {
		t.Fatal(err)
	}
	if err := cp.Sign(privKey); err != nil {
		t.Fatal(err)
	}
	status, err := processor.ProcessCheckpoint(cp, "somepeer")
	if err != nil {
		t.Fatal(err)
	}
	if status != CheckpointAccepted {
		t.Fatalf("Expected checkpoint %s to be accepted", id2)
	}

	// a checkpoint arrives for a block we haven't seen
	forkID, forkBlock := makeTestBlock(t, genesisID, 1, 99)
	cpFork, err := NewSyncCheckpoint(forkID)
	if err != nil {
		t.Fatal(err)
	}
	if err := cpFork.Sign(privKey); err != nil {
		t.Fatal(err)
	}
	status, err = processor.ProcessCheckpoint(cpFork, "somepeer")
	if err != nil {
		t.Fatal(err)
	}
	if status != CheckpointPending {
		t.Fatalf("Expected checkpoint %s to be pending", forkID)
	}

	// the block turns up off the main chain
	store.headers[forkID] = forkBlock.Header

	// a valid extension still processes cleanly. the conflicting pending
	// checkpoint is dropped, not blamed on the block's sender
	id3, block3 := makeTestBlock(t, id2, 3, 0)
	if err := processor.ProcessBlock(id3, block3, "somepeer"); err != nil {
		t.Fatalf("Expected the valid block to be accepted, found: %s", err)
	}
	tipID, tipHeight, err := store.GetChainTip()
	if err != nil {
		t.Fatal(err)
	}
	if tipID == nil || *tipID != id3 || tipHeight != 3 {
		t.Fatalf("Expected tip %s at height 3, found %v at height %d", id3, tipID, tipHeight)
	}
	if checkpoints.PendingCheckpoint() != nil {
		t.Fatal("Expected the conflicting pending checkpoint to be dropped")
	}
	cpID, cpHeight, err := checkpoints.CheckpointInfo()
	if err != nil {
		t.Fatal(err)
	}
	if cpID == nil || *cpID != id2 || cpHeight != 2 {
		t.Fatalf("Expected checkpoint to remain %s at height 2, found %v at height %d",
			id2, cpID, cpHeight)
	}
	if len(checkpoints.Warning()) == 0 {
		t.Fatal("Expected an operator warning after the dropped checkpoint")
	}
}
