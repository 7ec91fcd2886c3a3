// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"golang.org/x/crypto/ed25519"
)

// Build a block with the given timestamp extending the given parent.
func makeRecentBlock(t *testing.T, prev BlockID, height, when int64) (BlockID, *Block) {
	var work BlockID
	work.SetBigInt(big.NewInt(height + 1))
	block := &Block{
		Header: &BlockHeader{
			Previous:         prev,
			Time:             when,
			ChainWork:        work,
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

func TestAutoCheckpointer(t *testing.T) {
	store := newMemChainStore()
	now := time.Now().Unix()

	// seed a chain tip past the last hardened checkpoint height with a fresh
	// timestamp so the node considers itself synced
	baseID, baseBlock := makeRecentBlock(t, BlockID{}, LatestCheckpointHeight, now)
	if err := store.Store(baseID, baseBlock, now); err != nil {
		t.Fatal(err)
	}
	store.main = make([]BlockID, LatestCheckpointHeight+1)
	store.main[LatestCheckpointHeight] = baseID

	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	checkpoints, err := NewCheckpointSync(baseID, store, &memCheckpointStore{},
		base64.StdEncoding.EncodeToString(pubKey))
	if err != nil {
		t.Fatal(err)
	}
	if err := checkpoints.SetCheckpointPrivKey(
		base64.StdEncoding.EncodeToString(privKey)); err != nil {
		t.Fatal(err)
	}

	processor := NewProcessor(baseID, store, checkpoints)
	processor.Run()
	defer processor.Shutdown()

	autoCheckpointer := NewAutoCheckpointer(checkpoints, processor, store, 0)
	autoCheckpointer.Run()
	defer autoCheckpointer.Shutdown()

	// keep extending the chain. back-to-back tip connects must not stall the
	// processor while a checkpoint issuance is in flight, and a checkpoint at
	// the new tip has to land eventually
	deadline := time.Now().Add(10 * time.Second)
	prevID := baseID
	for height := int64(LatestCheckpointHeight + 1); ; height++ {
		id, block := makeRecentBlock(t, prevID, height, now)
		if err := processor.ProcessBlock(id, block, ""); err != nil {
			t.Fatal(err)
		}
		prevID = id

		cpID, cpHeight, err := checkpoints.CheckpointInfo()
		if err != nil {
			t.Fatal(err)
		}
		if cpID != nil && *cpID != baseID {
			if cpHeight <= LatestCheckpointHeight {
				t.Fatalf("Expected an issued checkpoint above height %d, found height %d",
					LatestCheckpointHeight, cpHeight)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected the auto checkpointer to issue a checkpoint")
		}
		time.Sleep(time.Millisecond)
	}

	// the processor is still responsive after issuance
	tipID, tipHeight, err := store.GetChainTip()
	if err != nil {
		t.Fatal(err)
	}
	id, block := makeRecentBlock(t, *tipID, tipHeight+1, now)
	if err := processor.ProcessBlock(id, block, ""); err != nil {
		t.Fatal(err)
	}
}
