// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

// ChainIndex is the narrow read-only view of the block chain that checkpoint
// validation depends on. Ancestor walks are bounded loops following Previous
// links via GetBlockHeader; main chain membership is answered by comparing a
// block's ID against GetBlockIDForHeight at the block's height.
type ChainIndex interface {
	// GetBlockHeader returns the referenced block's header and the timestamp of when it was stored.
	// The header is nil if the block isn't known locally.
	GetBlockHeader(id BlockID) (*BlockHeader, int64, error)

	// GetBlockIDForHeight returns the ID of the main chain block at the given height.
	GetBlockIDForHeight(height int64) (*BlockID, error)

	// GetChainTip returns the ID and the height of the block at the current tip of the main chain.
	GetChainTip() (*BlockID, int64, error)
}

// ChainStore is an interface for storing blocks and maintaining the main chain index.
type ChainStore interface {
	ChainIndex

	// Store is called to store all of the block's information.
	Store(id BlockID, block *Block, now int64) error

	// GetBlock returns the referenced block.
	GetBlock(id BlockID) (*Block, error)

	// GetBlockBytes returns the referenced block as a byte slice.
	GetBlockBytes(id BlockID) ([]byte, error)

	// ConnectBlock makes the given stored block the new tip of the main chain.
	ConnectBlock(id BlockID, block *Block) error

	// DisconnectBlock removes the given block from the tip of the main chain.
	DisconnectBlock(id BlockID, block *Block) error

	// Close is called to close any underlying storage.
	Close() error
}
