// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"encoding/hex"
	"fmt"
)

// CheckpointsEnabled can be disabled for testing.
const CheckpointsEnabled = true

// LatestCheckpointHeight is used to determine if the client is synced.
const LatestCheckpointHeight = 96768

// Checkpoints are known height and block ID pairs hardened into this release.
// They are the reset target when the sync checkpoint has to be abandoned,
// e.g. after a checkpoint master key rotation.
var Checkpoints map[int64]string = map[int64]string{
	16128: "00000000000341657bac8a78c7a2e585b5e107ed4683b90520f7b68fd2dc2cce",
	32256: "000000000001c4e117253dfd1a69a140f55c03e168397d8b7c5a219f22c43a67",
	48384: "0000000000026fb81e67a48f74dcef74e6dcc74ad7c85e7b5e7b90f38ec5f126",
	64512: "000000000009f39d46e52149cc8dd6b68ec66d1b294308961a9a98e7f5316ef2",
	80640: "000000000003e09f5fa3b39cf4b09449acbecf1c1f77fd2691e544c47db48ab1",
	96768: "00000000000a28e39e875d48e747e2179617bb9d634b9b065404b9e497c0f4ba",
}

// CheckpointCheck returns an error if the passed height is a hardened checkpoint and the
// passed block ID does not match the hardened checkpoint block ID.
func CheckpointCheck(id BlockID, height int64) error {
	if !CheckpointsEnabled {
		return nil
	}
	checkpointID, ok := Checkpoints[height]
	if !ok {
		return nil
	}
	if id.String() != checkpointID {
		return fmt.Errorf("Block %s at height %d does not match checkpoint ID %s",
			id, height, checkpointID)
	}
	return nil
}

// LatestHardenedCheckpoint returns the ID and height of the most recent hardened checkpoint.
// ok is false if no checkpoints are hardened into this build.
func LatestHardenedCheckpoint() (BlockID, int64, bool) {
	var latestHeight int64 = -1
	for height := range Checkpoints {
		if height > latestHeight {
			latestHeight = height
		}
	}
	if latestHeight == -1 {
		return BlockID{}, 0, false
	}
	idBytes, err := hex.DecodeString(Checkpoints[latestHeight])
	if err != nil {
		// a corrupt hardened checkpoint is a build defect
		panic(err)
	}
	var id BlockID
	copy(id[:], idBytes)
	return id, latestHeight, true
}
