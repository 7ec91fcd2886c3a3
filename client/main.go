// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	. "github.com/ChekaZ/TrezarCoin"
)

// A peer node in the trezarcoin network
func main() {
	rand.Seed(time.Now().UnixNano())

	// flags
	dataDirPtr := flag.String("datadir", "", "Path to a directory to save block chain data")
	portPtr := flag.Int("port", DEFAULT_TREZARCOIN_PORT, "Port to listen for incoming peer connections")
	peerPtr := flag.String("peer", "", "Address of a peer to connect to")
	checkpointKeyPtr := flag.String("checkpointkey", "", "Base64 encoded checkpoint master private key. Makes this node the checkpoint master")
	checkpointDepthPtr := flag.Int64("checkpointdepth", DEFAULT_CHECKPOINT_DEPTH,
		"Number of blocks behind the tip to automatically checkpoint. Negative disables automatic checkpoints")
	upnpPtr := flag.Bool("upnp", false, "Attempt to forward the trezarcoin port on your router with UPnP")
	dnsSeedPtr := flag.Bool("dnsseed", false, "Run a DNS server to allow others to find peers")
	compressPtr := flag.Bool("compress", false, "Compress blocks on disk with lz4")
	noIrcPtr := flag.Bool("noirc", false, "Disable use of IRC for peer discovery")
	noAcceptPtr := flag.Bool("noaccept", false, "Disable inbound peer connections")
	tlsCertPtr := flag.String("tlscert", "", "Path to a file containing a PEM-encoded X.509 certificate to use with TLS")
	tlsKeyPtr := flag.String("tlskey", "", "Path to a file containing a PEM-encoded EC key to use with TLS")
	inLimitPtr := flag.Int("inlimit", MAX_INBOUND_PEER_CONNECTIONS, "Limit for the number of inbound peer connections.")
	flag.Parse()

	if len(*dataDirPtr) == 0 {
		log.Fatal("-datadir argument required")
	}
	if len(*tlsCertPtr) != 0 && len(*tlsKeyPtr) == 0 {
		log.Fatal("-tlskey argument missing")
	}
	if len(*tlsCertPtr) == 0 && len(*tlsKeyPtr) != 0 {
		log.Fatal("-tlscert argument missing")
	}

	// load genesis block
	genesisBlock := new(Block)
	if err := json.Unmarshal([]byte(GenesisBlockJson), genesisBlock); err != nil {
		log.Fatal(err)
	}

	genesisID, err := genesisBlock.ID()
	if err != nil {
		log.Fatal(err)
	}

	log.Println("Starting up...")
	log.Printf("Genesis block ID: %s\n", genesisID)

	// instantiate chain storage
	chainStore, err := NewChainStoreDisk(
		filepath.Join(*dataDirPtr, "blocks"),
		filepath.Join(*dataDirPtr, "chain.db"),
		false, // not read-only
		*compressPtr,
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

	// instantiate peer storage
	peerStore, err := NewPeerStorageDisk(filepath.Join(*dataDirPtr, "peers.db"))
	if err != nil {
		checkpointStore.Close()
		chainStore.Close()
		log.Fatal(err)
	}

	// instantiate the synchronized checkpoint state
	checkpoints, err := NewCheckpointSync(genesisID, chainStore, checkpointStore, CHECKPOINT_MASTER_PUB_KEY)
	if err != nil {
		peerStore.Close()
		checkpointStore.Close()
		chainStore.Close()
		log.Fatal(err)
	}

	// reset the sync checkpoint if the master key rotated since our last run
	if err := checkpoints.CheckCheckpointPubKey(); err != nil {
		peerStore.Close()
		checkpointStore.Close()
		chainStore.Close()
		log.Fatal(err)
	}

	// are we the checkpoint master?
	if len(*checkpointKeyPtr) != 0 {
		if err := checkpoints.SetCheckpointPrivKey(*checkpointKeyPtr); err != nil {
			peerStore.Close()
			checkpointStore.Close()
			chainStore.Close()
			log.Fatal(err)
		}
		log.Println("We are the checkpoint master")
	}

	// create and run the processor
	processor := NewProcessor(genesisID, chainStore, checkpoints)
	processor.Run()

	// process the genesis block
	if err := processor.ProcessBlock(genesisID, genesisBlock, ""); err != nil {
		processor.Shutdown()
		peerStore.Close()
		checkpointStore.Close()
		chainStore.Close()
		log.Fatal(err)
	}

	// automatically issue checkpoints as the chain advances
	var autoCheckpointer *AutoCheckpointer
	if checkpoints.IsMaster() && *checkpointDepthPtr >= 0 {
		log.Printf("Automatic checkpoints enabled at depth %d\n", *checkpointDepthPtr)
		autoCheckpointer = NewAutoCheckpointer(checkpoints, processor, chainStore, *checkpointDepthPtr)
		autoCheckpointer.Run()
	}

	// start a dns server
	var seeder *DNSSeeder
	if *dnsSeedPtr {
		seeder = NewDNSSeeder(peerStore, *portPtr)
		seeder.Run()
	}

	// enable port forwarding (accept must also be enabled)
	var myExternalIP string
	if *upnpPtr == true && *noAcceptPtr == false {
		log.Printf("Enabling forwarding for port %d...\n", *portPtr)
		var ok bool
		var err error
		if myExternalIP, ok, err = HandlePortForward(uint16(*portPtr), true); err != nil || !ok {
			log.Printf("Failed to enable forwarding: %s\n", err)
		} else {
			log.Println("Successfully enabled forwarding")
		}
	}

	// manage peer connections
	peerManager := NewPeerManager(genesisID, peerStore, chainStore, checkpoints, processor,
		*dataDirPtr, myExternalIP, *peerPtr, *tlsCertPtr, *tlsKeyPtr,
		*portPtr, *inLimitPtr, !*noAcceptPtr, !*noIrcPtr, *dnsSeedPtr)
	peerManager.Run()

	// shutdown on ctrl-c
	c := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(c, os.Interrupt)

	go func() {
		defer close(done)
		<-c

		log.Println("Shutting down...")

		if len(myExternalIP) != 0 {
			// disable port forwarding
			log.Printf("Disabling forwarding for port %d...", *portPtr)
			if _, ok, err := HandlePortForward(uint16(*portPtr), false); err != nil || !ok {
				log.Printf("Failed to disable forwarding: %s", err)
			} else {
				log.Println("Successfully disabled forwarding")
			}
		}

		// shut everything down now
		peerManager.Shutdown()
		if seeder != nil {
			seeder.Shutdown()
		}
		if autoCheckpointer != nil {
			autoCheckpointer.Shutdown()
		}
		processor.Shutdown()

		// close storage
		if err := peerStore.Close(); err != nil {
			log.Println(err)
		}
		if err := checkpointStore.Close(); err != nil {
			log.Println(err)
		}
		if err := chainStore.Close(); err != nil {
			log.Println(err)
		}
	}()

	log.Println("Client started")
	<-done
	log.Println("Exiting")
}
