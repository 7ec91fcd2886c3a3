// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"testing"

	"golang.org/x/crypto/ed25519"
)

func TestSyncCheckpointSignature(t *testing.T) {
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	id := BlockID{0x01, 0x02, 0x03}
	cp, err := NewSyncCheckpoint(id)
	if err != nil {
		t.Fatal(err)
	}

	// an unsigned message doesn't verify
	if err := cp.CheckSignature(pubKey); err == nil {
		t.Fatal("Expected an unsigned checkpoint to fail verification")
	}

	if err := cp.Sign(privKey); err != nil {
		t.Fatal(err)
	}
	if err := cp.CheckSignature(pubKey); err != nil {
		t.Fatal(err)
	}

	// the wrong public key doesn't verify
	otherPubKey, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := cp.CheckSignature(otherPubKey); err == nil {
		t.Fatal("Expected verification to fail with the wrong public key")
	}

	// a corrupted signature doesn't verify
	cp.Signature[0] ^= 0xff
	if err := cp.CheckSignature(pubKey); err == nil {
		t.Fatal("Expected a corrupted signature to fail verification")
	}
	cp.Signature[0] ^= 0xff

	// a corrupted payload doesn't verify
	cp.SignedBytes[0] ^= 0xff
	if err := cp.CheckSignature(pubKey); err == nil {
		t.Fatal("Expected a corrupted payload to fail verification")
	}
	cp.SignedBytes[0] ^= 0xff

	// a carried ID that differs from the signed payload doesn't verify
	cp.CheckpointID = BlockID{0xaa}
	if err := cp.CheckSignature(pubKey); err == nil {
		t.Fatal("Expected a mismatched checkpoint ID to fail verification")
	}
	cp.CheckpointID = id
	if err := cp.CheckSignature(pubKey); err != nil {
		t.Fatal(err)
	}
}
