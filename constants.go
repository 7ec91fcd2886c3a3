// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

// the below values affect consensus

const MAX_FUTURE_SECONDS = 2 * 60 * 60 // 2 hours

// given our JSON protocol we should respect Javascript's Number.MAX_SAFE_INTEGER value
const MAX_NUMBER int64 = 1<<53 - 1

// CHECKPOINT_MASTER_PUB_KEY is the public half of the checkpoint master key pair.
// Checkpoint messages are only trusted if signed with the matching private key.
// Rotate it with 'makekeypair' and a coordinated release; nodes reset their
// sync checkpoint to the latest hardened checkpoint when it changes.
const CHECKPOINT_MASTER_PUB_KEY = "mBEmLEXhBhFuYzMRfCwM0BX6nrLhT9SaVBnPOdpJZYc="

// CHECKPOINT_PROTOCOL_VERSION is the serialization version of the signed checkpoint payload.
const CHECKPOINT_PROTOCOL_VERSION = 1

// DEFAULT_CHECKPOINT_DEPTH is the number of blocks auto checkpoints lag behind the tip.
// Negative means automatic checkpoint generation is disabled (manual mode).
const DEFAULT_CHECKPOINT_DEPTH = -1

// the below values only affect peering behavior and do not affect consensus

const DEFAULT_TREZARCOIN_PORT = 17298

const MAX_OUTBOUND_PEER_CONNECTIONS = 8

const MAX_INBOUND_PEER_CONNECTIONS = 128

const MAX_INBOUND_PEER_CONNECTIONS_FROM_SAME_HOST = 4

const MAX_PROTOCOL_MESSAGE_LENGTH = 2 * 1024 * 1024 // doesn't apply to blocks

// if our tip is older than this we consider ourselves to still be syncing
const MAX_TIP_AGE = 24 * 60 * 60
