// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeBlockHeader(t *testing.T) {
	header := &BlockHeader{
		Previous: BlockID{0x01},
		Time:     1561173156,
		Height:   42,
		Nonce:    12345,
	}

	// encode the header
	encodedHeader, err := encodeBlockHeader(header, 12345)
	if err != nil {
		t.Fatal(err)
	}

	// decode the header
	header2, when, err := decodeBlockHeader(encodedHeader)
	if err != nil {
		t.Fatal(err)
	}

	// compare
	if *header2 != *header {
		t.Fatal("Decoded header doesn't match original")
	}

	if when != 12345 {
		t.Fatal("Decoded timestamp doesn't match original")
	}
}

func TestChainStoreDisk(t *testing.T) {
	dir, err := ioutil.TempDir("", "chainstore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := NewChainStoreDisk(
		filepath.Join(dir, "blocks"), filepath.Join(dir, "chain.db"), false, false)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	// build a small block
	block := &Block{
		Header: &BlockHeader{
			Previous:         BlockID{0x01},
			Time:             1561173156,
			Height:           7,
			TransactionCount: 1,
		},
		Transactions: []json.RawMessage{json.RawMessage(`{"memo":"hello"}`)},
	}
	id, err := block.ID()
	if err != nil {
		t.Fatal(err)
	}

	// nothing stored yet
	header, _, err := store.GetBlockHeader(id)
	if err != nil {
		t.Fatal(err)
	}
	if header != nil {
		t.Fatal("Expected no header for an unknown block")
	}
	tipID, _, err := store.GetChainTip()
	if err != nil {
		t.Fatal(err)
	}
	if tipID != nil {
		t.Fatal("Expected no chain tip in an empty store")
	}

	// store and read back
	if err := store.Store(id, block, 54321); err != nil {
		t.Fatal(err)
	}
	header, when, err := store.GetBlockHeader(id)
	if err != nil {
		t.Fatal(err)
	}
	if header == nil || *header != *block.Header {
		t.Fatal("Stored header doesn't match original")
	}
	if when != 54321 {
		t.Fatal("Stored timestamp doesn't match original")
	}
	block2, err := store.GetBlock(id)
	if err != nil {
		t.Fatal(err)
	}
	if block2 == nil || *block2.Header != *block.Header {
		t.Fatal("Stored block doesn't match original")
	}

	// storing doesn't make it part of the main chain
	mainID, err := store.GetBlockIDForHeight(block.Header.Height)
	if err != nil {
		t.Fatal(err)
	}
	if mainID != nil {
		t.Fatal("Expected the stored block to not be on the main chain yet")
	}

	// connect it
	if err := store.ConnectBlock(id, block); err != nil {
		t.Fatal(err)
	}
	mainID, err = store.GetBlockIDForHeight(block.Header.Height)
	if err != nil {
		t.Fatal(err)
	}
	if mainID == nil || *mainID != id {
		t.Fatal("Expected the connected block to be on the main chain")
	}
	tipID, tipHeight, err := store.GetChainTip()
	if err != nil {
		t.Fatal(err)
	}
	if tipID == nil || *tipID != id || tipHeight != block.Header.Height {
		t.Fatal("Expected the connected block to be the chain tip")
	}

	// disconnecting a non-tip block fails
	if err := store.DisconnectBlock(BlockID{0xff}, block); err == nil {
		t.Fatal("Expected disconnecting a non-tip block to fail")
	}

	// disconnect it
	if err := store.DisconnectBlock(id, block); err != nil {
		t.Fatal(err)
	}
	mainID, err = store.GetBlockIDForHeight(block.Header.Height)
	if err != nil {
		t.Fatal(err)
	}
	if mainID != nil {
		t.Fatal("Expected the disconnected block to be off the main chain")
	}
	tipID, tipHeight, err = store.GetChainTip()
	if err != nil {
		t.Fatal(err)
	}
	if tipID == nil || *tipID != block.Header.Previous || tipHeight != block.Header.Height-1 {
		t.Fatal("Expected the parent to become the chain tip again")
	}
}

func TestChainStoreDiskCompression(t *testing.T) {
	dir, err := ioutil.TempDir("", "chainstore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := NewChainStoreDisk(
		filepath.Join(dir, "blocks"), filepath.Join(dir, "chain.db"), false, true)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	block := &Block{
		Header: &BlockHeader{
			Time:             1561173156,
			Height:           3,
			TransactionCount: 1,
		},
		Transactions: []json.RawMessage{json.RawMessage(`{"memo":"compressed"}`)},
	}
	id, err := block.ID()
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Store(id, block, 1); err != nil {
		t.Fatal(err)
	}
	block2, err := store.GetBlock(id)
	if err != nil {
		t.Fatal(err)
	}
	if block2 == nil || *block2.Header != *block.Header {
		t.Fatal("Compressed block doesn't round trip")
	}
}
