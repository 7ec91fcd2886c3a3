// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/nacl/secretbox"
)

// CheckpointClient manages checkpoint master keys and talks to a node on
// behalf of the checkpoint operator. Master private keys are stored encrypted
// with a passphrase.
type CheckpointClient struct {
	db         *leveldb.DB
	passphrase string
	conn       *websocket.Conn
	outChan    chan Message      // outgoing messages for synchronous requests
	resultChan chan clientResult // incoming results for synchronous requests
	wg         sync.WaitGroup
}

// NewCheckpointClient returns a new CheckpointClient instance.
func NewCheckpointClient(dbPath string) (*CheckpointClient, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, err
	}
	return &CheckpointClient{db: db}, nil
}

// SetPassphrase tests the passphrase against the most recently stored key and
// sets it for the session. It always succeeds on an empty key store.
func (c *CheckpointClient) SetPassphrase(passphrase string) (bool, error) {
	pubKey, err := c.db.Get([]byte{newestMasterKeyPrefix}, nil)
	if err == leveldb.ErrNotFound {
		c.passphrase = passphrase
		return true, nil
	}
	if err != nil {
		return false, err
	}

	// fetch the private key
	privKeyDbKey, err := encodeMasterKeyDbKey(ed25519.PublicKey(pubKey))
	if err != nil {
		return false, err
	}
	encryptedPrivKey, err := c.db.Get(privKeyDbKey, nil)
	if err != nil {
		return false, err
	}

	// decrypt it
	if _, ok := decryptMasterKey(encryptedPrivKey, passphrase); !ok {
		return false, nil
	}

	c.passphrase = passphrase
	return true, nil
}

// NewKeyPair generates, encrypts and stores a new checkpoint master key pair
// and returns the public key.
func (c *CheckpointClient) NewKeyPair() (ed25519.PublicKey, error) {
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}

	// encrypt the private key
	encryptedPrivKey := encryptMasterKey(privKey, c.passphrase)
	decryptedPrivKey, ok := decryptMasterKey(encryptedPrivKey, c.passphrase)

	// safety check
	if !ok || !bytes.Equal(decryptedPrivKey, privKey) {
		return nil, fmt.Errorf("Unable to encrypt/decrypt the master key")
	}

	// store the key
	privKeyDbKey, err := encodeMasterKeyDbKey(pubKey)
	if err != nil {
		return nil, err
	}
	batch := new(leveldb.Batch)
	batch.Put(privKeyDbKey, encryptedPrivKey)
	batch.Put([]byte{newestMasterKeyPrefix}, pubKey)

	wo := opt.WriteOptions{Sync: true}
	if err := c.db.Write(batch, &wo); err != nil {
		return nil, err
	}
	return pubKey, nil
}

// GetKeys returns all of the stored master public keys.
func (c *CheckpointClient) GetKeys() ([]ed25519.PublicKey, error) {
	privKeyDbKey, err := encodeMasterKeyDbKey(nil)
	if err != nil {
		return nil, err
	}
	var pubKeys []ed25519.PublicKey
	iter := c.db.NewIterator(util.BytesPrefix(privKeyDbKey), nil)
	for iter.Next() {
		pubKey, err := decodeMasterKeyDbKey(iter.Key())
		if err != nil {
			iter.Release()
			return nil, err
		}
		pubKeys = append(pubKeys, pubKey)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return pubKeys, nil
}

// ExportPrivateKey decrypts a stored master private key and returns it base64
// encoded, suitable for a node's -checkpointkey argument.
func (c *CheckpointClient) ExportPrivateKey(pubKey ed25519.PublicKey) (string, error) {
	privKeyDbKey, err := encodeMasterKeyDbKey(pubKey)
	if err != nil {
		return "", err
	}
	encryptedPrivKey, err := c.db.Get(privKeyDbKey, nil)
	if err != nil {
		return "", err
	}
	privKey, ok := decryptMasterKey(encryptedPrivKey, c.passphrase)
	if !ok {
		return "", fmt.Errorf("Unable to decrypt the master key")
	}
	return base64.StdEncoding.EncodeToString(privKey[:]), nil
}

// Connect connects to a node for checkpoint status queries and issuance.
// Issuing checkpoints requires connecting over loopback.
func (c *CheckpointClient) Connect(addr string, genesisID BlockID) error {
	u := url.URL{Scheme: "wss", Host: addr, Path: "/" + genesisID.String()}
	dialer := websocket.DefaultDialer
	dialer.TLSClientConfig = tlsClientConfig
	dialer.Subprotocols = append(dialer.Subprotocols, Protocol)
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	c.conn = conn
	c.outChan = make(chan Message)
	c.resultChan = make(chan clientResult, 1)
	return nil
}

// IsConnected returns true if the client is connected to a node.
func (c *CheckpointClient) IsConnected() bool {
	return c.conn != nil
}

// GetCheckpoint returns the node's current sync checkpoint ID and height along
// with any standing checkpoint warning.
func (c *CheckpointClient) GetCheckpoint() (*BlockID, int64, string, error) {
	c.outChan <- Message{Type: "get_checkpoint"}
	result := <-c.resultChan
	if len(result.err) != 0 {
		return nil, 0, "", fmt.Errorf("%s", result.err)
	}
	cp := new(CheckpointMessage)
	if err := json.Unmarshal(result.message, cp); err != nil {
		return nil, 0, "", err
	}
	if len(cp.Error) != 0 {
		return nil, 0, "", fmt.Errorf("%s", cp.Error)
	}
	return cp.BlockID, cp.Height, cp.Warning, nil
}

// SendCheckpoint instructs the node to sign and issue a checkpoint at the
// given block ID.
func (c *CheckpointClient) SendCheckpoint(id BlockID) error {
	c.outChan <- Message{Type: "send_checkpoint", Body: SendCheckpointMessage{BlockID: id}}
	result := <-c.resultChan
	if len(result.err) != 0 {
		return fmt.Errorf("%s", result.err)
	}
	scr := new(SendCheckpointResultMessage)
	if err := json.Unmarshal(result.message, scr); err != nil {
		return err
	}
	if len(scr.Error) != 0 {
		return fmt.Errorf("%s", scr.Error)
	}
	return nil
}

// GetTipHeader returns the node's current main chain tip header.
func (c *CheckpointClient) GetTipHeader() (BlockID, BlockHeader, error) {
	c.outChan <- Message{Type: "get_tip_header"}
	result := <-c.resultChan
	if len(result.err) != 0 {
		return BlockID{}, BlockHeader{}, fmt.Errorf("%s", result.err)
	}
	th := new(TipHeaderMessage)
	if err := json.Unmarshal(result.message, th); err != nil {
		return BlockID{}, BlockHeader{}, err
	}
	return *th.BlockID, *th.BlockHeader, nil
}

// Used to hold the result of synchronous requests
type clientResult struct {
	err     string
	message json.RawMessage
}

// Run executes the client's main loop in its own goroutine.
// It manages reading and writing to the node WebSocket.
func (c *CheckpointClient) Run() {
	c.wg.Add(1)
	go c.run()
}

func (c *CheckpointClient) run() {
	defer c.wg.Done()
	defer func() { c.conn = nil }()
	defer close(c.outChan)

	// writer goroutine loop
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for message := range c.outChan {
			// send outgoing message to the node
			if err := c.conn.WriteJSON(message); err != nil {
				c.resultChan <- clientResult{err: err.Error()}
			}
		}
	}()

	// reader loop
	for {
		// new message from the node
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			c.resultChan <- clientResult{err: err.Error()}
			break
		}
		switch messageType {
		case websocket.TextMessage:
			var body json.RawMessage
			m := Message{Body: &body}
			if err := json.Unmarshal([]byte(message), &m); err != nil {
				c.resultChan <- clientResult{err: err.Error()}
				break
			}
			switch m.Type {
			case "checkpoint":
				c.resultChan <- clientResult{message: body}

			case "send_checkpoint_result":
				c.resultChan <- clientResult{message: body}

			case "tip_header":
				c.resultChan <- clientResult{message: body}

			case "push_checkpoint":
				// nodes greet connections with their current checkpoint
				pc := new(PushCheckpointMessage)
				if err := json.Unmarshal(body, pc); err != nil {
					log.Printf("Error: %s, from: %s\n", err, c.conn.RemoteAddr())
					break
				}
				if pc.Checkpoint != nil {
					log.Printf("Node's checkpoint message is for block %s\n",
						pc.Checkpoint.CheckpointID)
				}
			}

		case websocket.CloseMessage:
			fmt.Printf("Received close message from: %s\n", c.conn.RemoteAddr())
			break
		}
	}
}

// Shutdown is called to shutdown the client synchronously.
func (c *CheckpointClient) Shutdown() error {
	var addr string
	if c.conn != nil {
		addr = c.conn.RemoteAddr().String()
		c.conn.Close()
	}
	c.wg.Wait()
	if len(addr) != 0 {
		log.Printf("Closed connection with %s\n", addr)
	}
	return c.db.Close()
}

// leveldb schema

// n         -> newest master public key
// k{pubkey} -> encrypted master private key

const newestMasterKeyPrefix = 'n'

const masterKeyPrefix = 'k'

func encodeMasterKeyDbKey(pubKey ed25519.PublicKey) ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(masterKeyPrefix); err != nil {
		return nil, err
	}
	if err := binary.Write(key, binary.BigEndian, pubKey); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

func decodeMasterKeyDbKey(key []byte) (ed25519.PublicKey, error) {
	buf := bytes.NewBuffer(key)
	if _, err := buf.ReadByte(); err != nil {
		return nil, err
	}
	var pubKey [ed25519.PublicKeySize]byte
	if err := binary.Read(buf, binary.BigEndian, pubKey[:32]); err != nil {
		return nil, err
	}
	return ed25519.PublicKey(pubKey[:]), nil
}

// encryption utility functions

// NaCl secretbox encrypt a master key with an Argon2id key derived from passphrase
func encryptMasterKey(privKey ed25519.PrivateKey, passphrase string) []byte {
	salt := generateSalt()
	key := stretchPassphrase(passphrase, salt)

	var secretKey [32]byte
	copy(secretKey[:], key)

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		panic(err)
	}

	encrypted := secretbox.Seal(nonce[:], privKey[:], &nonce, &secretKey)

	// prepend the salt
	encryptedPrivKey := make([]byte, len(encrypted)+ArgonSaltLength)
	copy(encryptedPrivKey[:], salt)
	copy(encryptedPrivKey[ArgonSaltLength:], encrypted)

	return encryptedPrivKey
}

// NaCl secretbox decrypt a master key with an Argon2id key derived from passphrase
func decryptMasterKey(encryptedPrivKey []byte, passphrase string) (ed25519.PrivateKey, bool) {
	salt := encryptedPrivKey[:ArgonSaltLength]
	key := []byte(stretchPassphrase(passphrase, salt))

	var secretKey [32]byte
	copy(secretKey[:], key)

	var nonce [24]byte
	copy(nonce[:], encryptedPrivKey[ArgonSaltLength:ArgonSaltLength+24])

	decryptedPrivKey, ok := secretbox.Open(nil, encryptedPrivKey[ArgonSaltLength+24:], &nonce, &secretKey)
	if !ok {
		return ed25519.PrivateKey{}, false
	}
	return ed25519.PrivateKey(decryptedPrivKey[:]), true
}

const ArgonSaltLength = 16

const ArgonTime = 1

const ArgonMemory = 64 * 1024

const ArgonThreads = 4

const ArgonKeyLength = 32

// Generate a suitable salt for use with Argon2id
func generateSalt() []byte {
	salt := make([]byte, ArgonSaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		panic(err.Error())
	}
	return salt
}

// Stretch passphrase into a 32 byte key with Argon2id
func stretchPassphrase(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, ArgonTime, ArgonMemory, ArgonThreads, ArgonKeyLength)
}
