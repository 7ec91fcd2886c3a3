// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	. "github.com/ChekaZ/TrezarCoin"
	"github.com/logrusorgru/aurora"
)

// A small tool to inspect the block chain and checkpoint state offline
func main() {
	var commands = []string{
		"height", "block", "block_at", "checkpoint", "verify",
	}

	dataDirPtr := flag.String("datadir", "", "Path to a directory containing block chain data")
	cmdPtr := flag.String("command", "height", "Commands: "+strings.Join(commands, ", "))
	heightPtr := flag.Int("height", 0, "Block chain height")
	blockIDPtr := flag.String("block_id", "", "Block ID")
	flag.Parse()

	if len(*dataDirPtr) == 0 {
		log.Printf("You must specify a -datadir\n")
		os.Exit(-1)
	}

	var blockID *BlockID
	if len(*blockIDPtr) != 0 {
		blockIDBytes, err := hex.DecodeString(*blockIDPtr)
		if err != nil {
			log.Fatal(err)
		}
		blockID = new(BlockID)
		copy(blockID[:], blockIDBytes)
	}

	// instantiate chain storage (read-only)
	chainStore, err := NewChainStoreDisk(
		filepath.Join(*dataDirPtr, "blocks"),
		filepath.Join(*dataDirPtr, "chain.db"),
		true,  // read-only
		false, // compress (if a block is compressed storage will figure it out)
	)
	if err != nil {
		log.Fatal(err)
	}

	// instantiate checkpoint storage
	checkpointStore, err := NewCheckpointStorageDisk(filepath.Join(*dataDirPtr, "checkpoints.db"))
	if err != nil {
		chainStore.Close()
		log.Fatal(err)
	}

	// get the current height
	_, currentHeight, err := chainStore.GetChainTip()
	if err != nil {
		log.Fatal(err)
	}

	switch *cmdPtr {
	case "height":
		log.Printf("Current block chain height is: %d\n", aurora.Bold(currentHeight))

	case "block_at":
		id, err := chainStore.GetBlockIDForHeight(int64(*heightPtr))
		if err != nil {
			log.Fatal(err)
		}
		if id == nil {
			log.Fatalf("No block found at height %d\n", *heightPtr)
		}
		block, err := chainStore.GetBlock(*id)
		if err != nil {
			log.Fatal(err)
		}
		if block == nil {
			log.Fatalf("No block with ID %s\n", *id)
		}
		displayBlock(*id, block)

	case "block":
		if blockID == nil {
			log.Fatalf("-block_id required for \"block\" command")
		}
		block, err := chainStore.GetBlock(*blockID)
		if err != nil {
			log.Fatal(err)
		}
		if block == nil {
			log.Fatalf("No block with id %s\n", *blockID)
		}
		displayBlock(*blockID, block)

	case "checkpoint":
		displayCheckpoint(chainStore, checkpointStore)

	case "verify":
		verify(chainStore, checkpointStore, currentHeight)
	}

	// close storage
	if err := checkpointStore.Close(); err != nil {
		log.Println(err)
	}
	if err := chainStore.Close(); err != nil {
		log.Println(err)
	}
}

type conciseBlock struct {
	ID               BlockID     `json:"id"`
	Header           BlockHeader `json:"header"`
	TransactionCount int         `json:"transaction_count"`
}

func displayBlock(id BlockID, block *Block) {
	b := conciseBlock{
		ID:               id,
		Header:           *block.Header,
		TransactionCount: len(block.Transactions),
	}

	bJson, err := json.MarshalIndent(&b, "", "    ")
	if err != nil {
		panic(err)
	}

	fmt.Println(string(bJson))
}

func displayCheckpoint(chainStore ChainStore, checkpointStore CheckpointStorage) {
	id, err := checkpointStore.ReadSyncCheckpoint()
	if err != nil {
		log.Fatal(err)
	}
	if id == nil {
		log.Println("No sync checkpoint recorded")
		return
	}

	header, _, err := chainStore.GetBlockHeader(*id)
	if err != nil {
		log.Fatal(err)
	}
	if header == nil {
		log.Printf("Sync checkpoint: %s (block not found locally)\n", aurora.Bold(*id))
	} else {
		log.Printf("Sync checkpoint: %s at height %d\n", aurora.Bold(*id), aurora.Bold(header.Height))
	}

	pubKey, err := checkpointStore.ReadCheckpointPubKey()
	if err != nil {
		log.Fatal(err)
	}
	if len(pubKey) != 0 {
		log.Printf("Trusted master public key: %s\n", aurora.Bold(pubKey))
	}
}

// Walk the main chain from the tip down to the genesis block verifying parent
// links and the height index, and check the recorded sync checkpoint and the
// hardened checkpoints against the main chain.
func verify(chainStore ChainStore, checkpointStore CheckpointStorage, height int64) {
	tipID, _, err := chainStore.GetChainTip()
	if err != nil {
		log.Fatal(err)
	}
	if tipID == nil {
		log.Fatal("No main chain tip found")
	}

	id := *tipID
	for h := height; h >= 0; h-- {
		header, _, err := chainStore.GetBlockHeader(id)
		if err != nil {
			log.Fatal(err)
		}
		if header == nil {
			failure(height, fmt.Sprintf("Missing header for block %s at height %d", id, h))
		}
		if header.Height != h {
			failure(height, fmt.Sprintf("Block %s has height %d, expected %d", id, header.Height, h))
		}
		mainID, err := chainStore.GetBlockIDForHeight(h)
		if err != nil {
			log.Fatal(err)
		}
		if mainID == nil || *mainID != id {
			failure(height, fmt.Sprintf("Height index doesn't name %s at height %d", id, h))
		}
		if err := CheckpointCheck(id, h); err != nil {
			failure(height, err.Error())
		}
		id = header.Previous
	}

	// the recorded sync checkpoint has to be on the main chain
	checkpointID, err := checkpointStore.ReadSyncCheckpoint()
	if err != nil {
		log.Fatal(err)
	}
	if checkpointID != nil {
		header, _, err := chainStore.GetBlockHeader(*checkpointID)
		if err != nil {
			log.Fatal(err)
		}
		if header != nil {
			mainID, err := chainStore.GetBlockIDForHeight(header.Height)
			if err != nil {
				log.Fatal(err)
			}
			if mainID == nil || *mainID != *checkpointID {
				failure(height, fmt.Sprintf("Sync checkpoint %s is not on the main chain", *checkpointID))
			}
		}
	}

	log.Printf("%s: At height %d, the chain and checkpoint state are consistent\n",
		aurora.Bold(aurora.Green("SUCCESS")),
		aurora.Bold(height))
}

func failure(height int64, msg string) {
	log.Fatalf("%s: At height %d: %s\n",
		aurora.Bold(aurora.Red("FAILURE")),
		aurora.Bold(height), msg)
}
