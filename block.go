// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// Block represents a block in the block chain. It has a header and a list of transactions.
// Transaction contents are opaque to this node; we carry and serve them but only reason
// about headers.
type Block struct {
	Header       *BlockHeader      `json:"header"`
	Transactions []json.RawMessage `json:"transactions"`
}

// BlockHeader contains data used to determine block validity and its place in the block chain.
type BlockHeader struct {
	Previous         BlockID `json:"previous"`
	HashListRoot     BlockID `json:"hash_list_root"`
	Time             int64   `json:"time"`
	Target           BlockID `json:"target"`
	ChainWork        BlockID `json:"chain_work"` // total cumulative chain work
	Nonce            int64   `json:"nonce"`      // not used for crypto
	Height           int64   `json:"height"`
	TransactionCount int32   `json:"transaction_count"`
}

// BlockID is a block's unique identifier.
type BlockID [32]byte // SHA3-256 hash

// ID computes an ID for a given block.
func (b Block) ID() (BlockID, error) {
	return b.Header.ID()
}

// ID computes an ID for a given block header.
func (header BlockHeader) ID() (BlockID, error) {
	headerJson, err := json.Marshal(header)
	if err != nil {
		return BlockID{}, err
	}
	return sha3.Sum256([]byte(headerJson)), nil
}

// Compare returns true if the header indicates it is a better chain than "theirHeader" up to both points.
// "thisWhen" is the timestamp of when we stored this block header.
// "theirWhen" is the timestamp of when we stored "theirHeader".
func (header BlockHeader) Compare(theirHeader *BlockHeader, thisWhen, theirWhen int64) bool {
	thisWorkInt := header.ChainWork.GetBigInt()
	theirWorkInt := theirHeader.ChainWork.GetBigInt()

	// most work wins
	if thisWorkInt.Cmp(theirWorkInt) > 0 {
		return true
	}
	if thisWorkInt.Cmp(theirWorkInt) < 0 {
		return false
	}

	// tie goes to the block we stored first
	if thisWhen < theirWhen {
		return true
	}
	if thisWhen > theirWhen {
		return false
	}

	// if we still need to break a tie go by the lesser id
	thisID, err := header.ID()
	if err != nil {
		panic(err)
	}
	theirID, err := theirHeader.ID()
	if err != nil {
		panic(err)
	}
	return thisID.GetBigInt().Cmp(theirID.GetBigInt()) < 0
}

// String implements the Stringer interface
func (id BlockID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalJSON marshals BlockID as a hex string.
func (id BlockID) MarshalJSON() ([]byte, error) {
	s := "\"" + id.String() + "\""
	return []byte(s), nil
}

// UnmarshalJSON unmarshals BlockID hex string to BlockID.
func (id *BlockID) UnmarshalJSON(b []byte) error {
	if len(b) != 64+2 {
		return fmt.Errorf("Invalid block ID")
	}
	idBytes, err := hex.DecodeString(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	copy(id[:], idBytes)
	return nil
}

// SetBigInt converts from big.Int to BlockID.
func (id *BlockID) SetBigInt(i *big.Int) *BlockID {
	intBytes := i.Bytes()
	if len(intBytes) > 32 {
		panic("Too much work")
	}
	for i := 0; i < len(id); i++ {
		id[i] = 0x00
	}
	copy(id[32-len(intBytes):], intBytes)
	return id
}

// GetBigInt converts from BlockID to big.Int.
func (id BlockID) GetBigInt() *big.Int {
	return new(big.Int).SetBytes(id[:])
}
