// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

// GenesisBlockJson is the first block in the chain.
// The memo field is the hash of the tip of the bitcoin blockchain at the time of this block's creation.
const GenesisBlockJson = `
{
  "header": {
    "previous": "0000000000000000000000000000000000000000000000000000000000000000",
    "hash_list_root": "b93af2c953b87f5885cf3b7c9f49ee14eb4f904b4c6c32bbf133b1159fb4d1aa",
    "time": 1561248136,
    "target": "00000000ffff0000000000000000000000000000000000000000000000000000",
    "chain_work": "0000000000000000000000000000000000000000000000000000000100010001",
    "nonce": 4116117143575404,
    "height": 0,
    "transaction_count": 1
  },
  "transactions": [
    {
      "time": 1561248095,
      "nonce": 1200851881,
      "to": "3kXx1SBbHqEQXqCfx9MbH6q8DZbrCz1BQNWAjxr9Eyc=",
      "amount": 5000000000,
      "memo": "00000000000000000016e2ba1f1de2efa12d5ecebd56f79256b79f7e66f21eb5",
      "series": 1
    }
  ]
}`
