// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

// Protocol is the name of this version of the trezarcoin peer protocol.
const Protocol = "trezarcoin.1"

// Message is a message frame for all messages in the trezarcoin.1 protocol.
type Message struct {
	Type string      `json:"type"`
	Body interface{} `json:"body,omitempty"`
}

// InvBlockMessage is used to communicate blocks available for download.
// Type: "inv_block".
type InvBlockMessage struct {
	BlockIDs []BlockID `json:"block_ids"`
}

// GetBlockMessage is used to request a block for download.
// Type: "get_block".
type GetBlockMessage struct {
	BlockID BlockID `json:"block_id"`
}

// GetBlockByHeightMessage is used to request a block for download.
// Type: "get_block_by_height".
type GetBlockByHeightMessage struct {
	Height int64 `json:"height"`
}

// BlockMessage is used to send a peer a complete block.
// Type: "block".
type BlockMessage struct {
	BlockID *BlockID `json:"block_id,omitempty"`
	Block   *Block   `json:"block,omitempty"`
}

// GetBlockHeaderMessage is used to request a block header.
// Type: "get_block_header".
type GetBlockHeaderMessage struct {
	BlockID BlockID `json:"block_id"`
}

// BlockHeaderMessage is used to send a peer a block's header.
// Type: "block_header".
type BlockHeaderMessage struct {
	BlockID     *BlockID     `json:"block_id,omitempty"`
	BlockHeader *BlockHeader `json:"header,omitempty"`
}

// TipHeaderMessage is used to send a peer the header for the tip block in the block chain.
// Type: "tip_header". It is sent in response to the empty "get_tip_header" message type.
type TipHeaderMessage struct {
	BlockID     *BlockID     `json:"block_id,omitempty"`
	BlockHeader *BlockHeader `json:"header,omitempty"`
	TimeSeen    int64        `json:"time_seen,omitempty"`
}

// PushCheckpointMessage is used to push a signed checkpoint message to peers.
// It is both the relay form of a newly accepted checkpoint and the greeting a
// node sends its current checkpoint with on connect.
// Type: "push_checkpoint".
type PushCheckpointMessage struct {
	Checkpoint *SyncCheckpoint `json:"checkpoint"`
}

// CheckpointMessage is used to send a peer this node's current synchronized
// checkpoint status. Type: "checkpoint". It is sent in response to the empty
// "get_checkpoint" message type.
type CheckpointMessage struct {
	BlockID *BlockID `json:"block_id,omitempty"`
	Height  int64    `json:"height,omitempty"`
	Warning string   `json:"warning,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// SendCheckpointMessage is used to instruct a checkpoint master node to sign
// and issue a checkpoint for the given block ID. Only honored over a loopback
// connection. Type: "send_checkpoint".
type SendCheckpointMessage struct {
	BlockID BlockID `json:"block_id"`
}

// SendCheckpointResultMessage is sent in response to a SendCheckpointMessage.
// Type: "send_checkpoint_result".
type SendCheckpointResultMessage struct {
	BlockID BlockID `json:"block_id"`
	Error   string  `json:"error,omitempty"`
}

// PeerAddressesMessage is used to communicate a list of potential peer addresses known by a peer.
// Type: "peer_addresses". Sent in response to the empty "get_peer_addresses" message type.
type PeerAddressesMessage struct {
	Addresses []string `json:"addresses"`
}
