// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/buger/jsonparser"
	"github.com/pierrec/lz4"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// ChainStoreDisk is an on-disk ChainStore implementation using the filesystem for blocks
// and LevelDB for block headers and the main chain index.
type ChainStoreDisk struct {
	db       *leveldb.DB
	dirPath  string
	readOnly bool
	compress bool
}

// NewChainStoreDisk returns a new instance of on-disk chain storage.
func NewChainStoreDisk(dirPath, dbPath string, readOnly, compress bool) (*ChainStoreDisk, error) {
	// create the blocks path if it doesn't exist
	if !readOnly {
		if info, err := os.Stat(dirPath); os.IsNotExist(err) {
			if err := os.MkdirAll(dirPath, 0700); err != nil {
				return nil, err
			}
		} else if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", dirPath)
		}
	}

	// open the database
	opts := opt.Options{ReadOnly: readOnly}
	db, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, err
	}
	return &ChainStoreDisk{
		db:       db,
		dirPath:  dirPath,
		readOnly: readOnly,
		compress: compress,
	}, nil
}

// Store is called to store all of the block's information.
func (c ChainStoreDisk) Store(id BlockID, block *Block, now int64) error {
	if c.readOnly {
		return fmt.Errorf("Chain store is in read-only mode")
	}

	// save the complete block to the filesystem
	blockBytes, err := json.Marshal(block)
	if err != nil {
		return err
	}

	var ext string
	if c.compress {
		// compress with lz4
		in := bytes.NewReader(blockBytes)
		zout := new(bytes.Buffer)
		zw := lz4.NewWriter(zout)
		if _, err := io.Copy(zw, in); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		blockBytes = zout.Bytes()
		ext = ".lz4"
	} else {
		ext = ".json"
	}

	// write the block and sync
	blockPath := filepath.Join(c.dirPath, id.String()+ext)
	f, err := os.OpenFile(blockPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	n, err := f.Write(blockBytes)
	if err != nil {
		return err
	}
	if err == nil && n < len(blockBytes) {
		return io.ErrShortWrite
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	// save the header to leveldb
	encodedHeader, err := encodeBlockHeader(block.Header, now)
	if err != nil {
		return err
	}
	key, err := computeBlockHeaderKey(id)
	if err != nil {
		return err
	}

	wo := opt.WriteOptions{Sync: true}
	return c.db.Put(key, encodedHeader, &wo)
}

// GetBlock returns the referenced block.
func (c ChainStoreDisk) GetBlock(id BlockID) (*Block, error) {
	blockJson, err := c.GetBlockBytes(id)
	if err != nil {
		return nil, err
	}
	if len(blockJson) == 0 {
		return nil, nil
	}

	// unmarshal
	block := new(Block)
	if err := json.Unmarshal(blockJson, block); err != nil {
		return nil, err
	}
	return block, nil
}

// GetBlockBytes returns the referenced block as a byte slice.
func (c ChainStoreDisk) GetBlockBytes(id BlockID) ([]byte, error) {
	var ext [2]string
	if c.compress {
		// order to try finding the block by extension
		ext = [2]string{".lz4", ".json"}
	} else {
		ext = [2]string{".json", ".lz4"}
	}

	var compressed bool = c.compress

	blockPath := filepath.Join(c.dirPath, id.String()+ext[0])
	if _, err := os.Stat(blockPath); os.IsNotExist(err) {
		compressed = !compressed
		blockPath = filepath.Join(c.dirPath, id.String()+ext[1])
		if _, err := os.Stat(blockPath); os.IsNotExist(err) {
			// not found
			return nil, nil
		}
	}

	// read it off disk
	blockBytes, err := ioutil.ReadFile(blockPath)
	if err != nil {
		return nil, err
	}

	if compressed {
		// uncompress
		zin := bytes.NewBuffer(blockBytes)
		out := new(bytes.Buffer)
		zr := lz4.NewReader(zin)
		if _, err := io.Copy(out, zr); err != nil {
			return nil, err
		}
		blockBytes = out.Bytes()
	}

	return blockBytes, nil
}

// GetBlockHeader returns the referenced block's header and the timestamp of when it was stored.
func (c ChainStoreDisk) GetBlockHeader(id BlockID) (*BlockHeader, int64, error) {
	// fetch it
	key, err := computeBlockHeaderKey(id)
	if err != nil {
		return nil, 0, err
	}
	encodedHeader, err := c.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		// the header index can lag the block files after a crash.
		// fall back to picking the header out of the raw block.
		return c.getBlockHeaderFromBlockBytes(id)
	}
	if err != nil {
		return nil, 0, err
	}

	// decode it
	return decodeBlockHeader(encodedHeader)
}

// Pick the header out of the raw stored block bytes.
func (c ChainStoreDisk) getBlockHeaderFromBlockBytes(id BlockID) (*BlockHeader, int64, error) {
	blockJson, err := c.GetBlockBytes(id)
	if err != nil {
		return nil, 0, err
	}
	if len(blockJson) == 0 {
		// not found
		return nil, 0, nil
	}
	hdrJson, _, _, err := jsonparser.Get(blockJson, "header")
	if err != nil {
		return nil, 0, err
	}
	header := new(BlockHeader)
	if err := json.Unmarshal(hdrJson, header); err != nil {
		return nil, 0, err
	}
	return header, 0, nil
}

// GetBlockIDForHeight returns the ID of the main chain block at the given height.
func (c ChainStoreDisk) GetBlockIDForHeight(height int64) (*BlockID, error) {
	// compute db key
	key, err := computeBlockHeightIndexKey(height)
	if err != nil {
		return nil, err
	}

	// fetch the id
	idBytes, err := c.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// return it
	id := new(BlockID)
	copy(id[:], idBytes)
	return id, nil
}

// GetChainTip returns the ID and the height of the block at the current tip of the main chain.
func (c ChainStoreDisk) GetChainTip() (*BlockID, int64, error) {
	// compute db key
	key, err := computeChainTipKey()
	if err != nil {
		return nil, 0, err
	}

	// fetch the tip
	ctBytes, err := c.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	// decode it
	return decodeChainTip(ctBytes)
}

// ConnectBlock makes the given stored block the new tip of the main chain.
func (c ChainStoreDisk) ConnectBlock(id BlockID, block *Block) error {
	if c.readOnly {
		return fmt.Errorf("Chain store is in read-only mode")
	}

	batch := new(leveldb.Batch)

	// index the block by height
	heightKey, err := computeBlockHeightIndexKey(block.Header.Height)
	if err != nil {
		return err
	}
	batch.Put(heightKey, id[:])

	// update the chain tip
	tipKey, err := computeChainTipKey()
	if err != nil {
		return err
	}
	ctBytes, err := encodeChainTip(id, block.Header.Height)
	if err != nil {
		return err
	}
	batch.Put(tipKey, ctBytes)

	wo := opt.WriteOptions{Sync: true}
	return c.db.Write(batch, &wo)
}

// DisconnectBlock removes the given block from the tip of the main chain.
func (c ChainStoreDisk) DisconnectBlock(id BlockID, block *Block) error {
	if c.readOnly {
		return fmt.Errorf("Chain store is in read-only mode")
	}

	// sanity check that we're disconnecting the current tip
	tipID, _, err := c.GetChainTip()
	if err != nil {
		return err
	}
	if tipID == nil || *tipID != id {
		return fmt.Errorf("Block %s is not the current chain tip", id)
	}

	batch := new(leveldb.Batch)

	// remove the height index entry
	heightKey, err := computeBlockHeightIndexKey(block.Header.Height)
	if err != nil {
		return err
	}
	batch.Delete(heightKey)

	// the parent becomes the tip again
	tipKey, err := computeChainTipKey()
	if err != nil {
		return err
	}
	ctBytes, err := encodeChainTip(block.Header.Previous, block.Header.Height-1)
	if err != nil {
		return err
	}
	batch.Put(tipKey, ctBytes)

	wo := opt.WriteOptions{Sync: true}
	return c.db.Write(batch, &wo)
}

// Close is called to close any underlying storage.
func (c *ChainStoreDisk) Close() error {
	return c.db.Close()
}

// leveldb schema
//
// b{bid}    -> {timestamp}{gob encoded header}
// h{height} -> {bid}
// T         -> {bid}{height}

const blockHeaderPrefix = 'b'

const blockHeightIndexPrefix = 'h'

const chainTipPrefix = 'T'

func computeBlockHeaderKey(id BlockID) ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(blockHeaderPrefix); err != nil {
		return nil, err
	}
	if err := binary.Write(key, binary.BigEndian, id[:]); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

func computeBlockHeightIndexKey(height int64) ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(blockHeightIndexPrefix); err != nil {
		return nil, err
	}
	if err := binary.Write(key, binary.BigEndian, height); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

func computeChainTipKey() ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(chainTipPrefix); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

func encodeBlockHeader(header *BlockHeader, when int64) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, when); err != nil {
		return nil, err
	}
	enc := gob.NewEncoder(buf)
	if err := enc.Encode(header); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBlockHeader(encodedHeader []byte) (*BlockHeader, int64, error) {
	buf := bytes.NewBuffer(encodedHeader)
	var when int64
	if err := binary.Read(buf, binary.BigEndian, &when); err != nil {
		return nil, 0, err
	}
	enc := gob.NewDecoder(buf)
	header := new(BlockHeader)
	if err := enc.Decode(header); err != nil {
		return nil, 0, err
	}
	return header, when, nil
}

func encodeChainTip(id BlockID, height int64) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, id); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, height); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeChainTip(ctBytes []byte) (*BlockID, int64, error) {
	buf := bytes.NewBuffer(ctBytes)
	id := new(BlockID)
	if err := binary.Read(buf, binary.BigEndian, id); err != nil {
		return nil, 0, err
	}
	var height int64
	if err := binary.Read(buf, binary.BigEndian, &height); err != nil {
		return nil, 0, err
	}
	return id, height, nil
}
