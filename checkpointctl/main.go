// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	. "github.com/ChekaZ/TrezarCoin"
	"github.com/logrusorgru/aurora"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/ssh/terminal"
)

// This is the checkpoint operator's console. It manages the checkpoint master
// key and talks to a node to query and issue sync checkpoints.
func main() {
	DefaultPeer := "127.0.0.1:" + strconv.Itoa(DEFAULT_TREZARCOIN_PORT)
	peerPtr := flag.String("peer", DefaultPeer, "Address of a node to connect to")
	dbPathPtr := flag.String("keydb", "", "Path to a master key database (created if it doesn't exist)")
	flag.Parse()

	if len(*dbPathPtr) == 0 {
		log.Fatal("Path to the master key database required")
	}
	if len(*peerPtr) == 0 {
		log.Fatal("Peer address required")
	}

	// load genesis block
	var genesisBlock Block
	if err := json.Unmarshal([]byte(GenesisBlockJson), &genesisBlock); err != nil {
		log.Fatal(err)
	}
	genesisID, err := genesisBlock.ID()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Starting up...")
	fmt.Printf("Genesis block ID: %s\n", genesisID)

	// instantiate the client
	client, err := NewCheckpointClient(*dbPathPtr)
	if err != nil {
		log.Fatal(err)
	}

	for {
		// load the key store passphrase
		passphrase := promptForPassphrase()
		ok, err := client.SetPassphrase(passphrase)
		if err != nil {
			log.Fatal(err)
		}
		if ok {
			break
		}
		fmt.Println(aurora.Bold(aurora.Red("Passphrase is not the one used to encrypt your most recent key.")))
	}

	// connect ondemand
	connectClient := func() error {
		if client.IsConnected() {
			return nil
		}
		if err := client.Connect(*peerPtr, genesisID); err != nil {
			return err
		}
		client.Run()
		return nil
	}

	// setup prompt
	completer := func(d prompt.Document) []prompt.Suggest {
		s := []prompt.Suggest{
			{Text: "makekeypair", Description: "Generate and store a new checkpoint master key pair"},
			{Text: "listkeys", Description: "List all known master public keys"},
			{Text: "exportkey", Description: "Export a master private key for a node's -checkpointkey argument"},
			{Text: "getcheckpoint", Description: "Show the node's current sync checkpoint"},
			{Text: "sendcheckpoint", Description: "Instruct the node to issue a checkpoint at a given block"},
			{Text: "tip", Description: "Show the node's current main chain tip"},
			{Text: "quit", Description: "Quit this session"},
		}
		return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
	}

	fmt.Println("Please select a command.")
	for {
		// run interactive prompt
		cmd := prompt.Input("> ", completer)
		switch cmd {
		case "makekeypair":
			pubKey, err := client.NewKeyPair()
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Printf("New master key pair generated, public key: %s\n",
				aurora.Bold(base64.StdEncoding.EncodeToString(pubKey[:])))
			fmt.Println("Build the public key into nodes and keep the private key offline.")

		case "listkeys":
			pubKeys, err := client.GetKeys()
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			for i, pubKey := range pubKeys {
				fmt.Printf("%3d: %s\n",
					i+1, base64.StdEncoding.EncodeToString(pubKey[:]))
			}

		case "exportkey":
			pubKey, err := promptForPublicKey("Public key: ", bufio.NewReader(os.Stdin))
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			privKeyEncoded, err := client.ExportPrivateKey(pubKey)
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Printf("Private key: %s\n", aurora.Bold(privKeyEncoded))

		case "getcheckpoint":
			if err := connectClient(); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			id, height, warning, err := client.GetCheckpoint()
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			if id == nil {
				fmt.Println("The node has no sync checkpoint yet")
				break
			}
			fmt.Printf("%s: %s\n", aurora.Bold("Checkpoint"), *id)
			fmt.Printf("    %s: %d\n", aurora.Bold("Height"), height)
			if len(warning) != 0 {
				fmt.Printf("   %s: %s\n", aurora.Bold(aurora.Red("Warning")), warning)
			}

		case "sendcheckpoint":
			if err := connectClient(); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			id, err := promptForBlockID("Block ID: ", bufio.NewReader(os.Stdin))
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			if err := client.SendCheckpoint(id); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Printf("Checkpoint issued at block %s\n", id)

		case "tip":
			if err := connectClient(); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			id, header, err := client.GetTipHeader()
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Printf("   %s: %s\n", aurora.Bold("Tip"), id)
			fmt.Printf("%s: %d\n", aurora.Bold("Height"), header.Height)

		case "quit":
			client.Shutdown()
			return
		}

		fmt.Println("")
	}
}

func promptForPublicKey(prompt string, reader *bufio.Reader) (ed25519.PublicKey, error) {
	fmt.Print(aurora.Bold(prompt))
	text, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	pubKeyBytes, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, err
	}
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("Invalid public key")
	}
	return ed25519.PublicKey(pubKeyBytes), nil
}

func promptForBlockID(prompt string, reader *bufio.Reader) (BlockID, error) {
	fmt.Print(aurora.Bold(prompt))
	text, err := reader.ReadString('\n')
	if err != nil {
		return BlockID{}, err
	}
	text = strings.TrimSpace(text)
	idBytes, err := hex.DecodeString(text)
	if err != nil {
		return BlockID{}, err
	}
	if len(idBytes) != 32 {
		return BlockID{}, fmt.Errorf("Invalid block ID")
	}
	var id BlockID
	copy(id[:], idBytes)
	return id, nil
}

// secure passphrase prompt helper
func promptForPassphrase() string {
	var passphrase string
	for {
		q := "Enter"
		if len(passphrase) != 0 {
			q = "Confirm"
		}
		fmt.Printf("\n%s passphrase: ", q)
		ppBytes, err := terminal.ReadPassword(int(syscall.Stdin))
		if err != nil {
			log.Fatal(err)
		}
		if len(passphrase) != 0 {
			if passphrase != string(ppBytes) {
				passphrase = ""
				fmt.Printf("\nPassphrase mismatch\n")
				continue
			}
			break
		}
		passphrase = string(ppBytes)
	}
	fmt.Print("\n\n")
	return passphrase
}
