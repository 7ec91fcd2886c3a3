// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"
)

// SyncCheckpoint is a checkpoint block ID signed by the checkpoint master key.
// SignedBytes is the canonical serialization of the unsigned payload; the
// signature covers its SHA3-256 digest. A verified message is only trusted if
// the payload deserializes back to the carried checkpoint ID.
type SyncCheckpoint struct {
	CheckpointID BlockID   `json:"checkpoint_id"`
	SignedBytes  []byte    `json:"signed_bytes"`
	Signature    Signature `json:"signature,omitempty"`
}

// Signature is a checkpoint message's signature.
type Signature []byte

// unsignedSyncCheckpoint is the signed portion of a SyncCheckpoint.
type unsignedSyncCheckpoint struct {
	Version      int     `json:"version"`
	CheckpointID BlockID `json:"checkpoint_id"`
}

// NewSyncCheckpoint returns a new unsigned checkpoint message for the given block ID.
func NewSyncCheckpoint(id BlockID) (*SyncCheckpoint, error) {
	signedBytes, err := json.Marshal(unsignedSyncCheckpoint{
		Version:      CHECKPOINT_PROTOCOL_VERSION,
		CheckpointID: id,
	})
	if err != nil {
		return nil, err
	}
	return &SyncCheckpoint{CheckpointID: id, SignedBytes: signedBytes}, nil
}

// Sign is called to sign the checkpoint message with the master private key.
func (cp *SyncCheckpoint) Sign(privKey ed25519.PrivateKey) error {
	if len(cp.SignedBytes) == 0 {
		return fmt.Errorf("Checkpoint %s has no payload to sign", cp.CheckpointID)
	}
	digest := sha3.Sum256(cp.SignedBytes)
	cp.Signature = ed25519.Sign(privKey, digest[:])
	return nil
}

// CheckSignature verifies the message's signature against the checkpoint master
// public key and checks that the signed payload reproduces the carried
// checkpoint ID. A message failing this check must never influence state.
func (cp *SyncCheckpoint) CheckSignature(pubKey ed25519.PublicKey) error {
	if len(cp.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("Invalid signature length for checkpoint %s", cp.CheckpointID)
	}
	digest := sha3.Sum256(cp.SignedBytes)
	if !ed25519.Verify(pubKey, digest[:], cp.Signature) {
		return fmt.Errorf("Signature verification failed for checkpoint %s", cp.CheckpointID)
	}

	// now deserialize the payload and cross-check it
	var unsigned unsignedSyncCheckpoint
	if err := json.Unmarshal(cp.SignedBytes, &unsigned); err != nil {
		return err
	}
	if unsigned.Version != CHECKPOINT_PROTOCOL_VERSION {
		return fmt.Errorf("Unknown checkpoint payload version %d", unsigned.Version)
	}
	if unsigned.CheckpointID != cp.CheckpointID {
		return fmt.Errorf("Checkpoint payload names %s but message carries %s",
			unsigned.CheckpointID, cp.CheckpointID)
	}
	return nil
}
