// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Processor processes blocks and checkpoint messages in order to maintain the
// main chain. Every candidate block passes the hardened checkpoints and the
// synchronized checkpoint before it can join the chain.
type Processor struct {
	genesisID                    BlockID
	chainStore                   ChainStore                           // storage of block chain data
	checkpoints                  *CheckpointSync                      // synchronized checkpoint enforcement
	blockChan                    chan blockToProcess                  // receive new blocks to process on this channel
	checkpointChan               chan checkpointToProcess             // receive new checkpoint messages to process on this channel
	registerTipChangeChan        chan chan<- TipChange                // receive registration requests for tip change notifications
	unregisterTipChangeChan      chan chan<- TipChange                // receive unregistration requests for tip change notifications
	registerCheckpointChan       chan chan<- CheckpointChange         // receive registration requests for checkpoint notifications
	unregisterCheckpointChan     chan chan<- CheckpointChange         // receive unregistration requests for checkpoint notifications
	tipChangeChannels            map[chan<- TipChange]struct{}        // channels needing notification of changes to main chain tip blocks
	checkpointChannels           map[chan<- CheckpointChange]struct{} // channels needing notification of newly accepted checkpoints
	shutdownChan                 chan struct{}
	wg                           sync.WaitGroup
}

// TipChange is a message sent to registered new tip channels on main chain tip (dis-)connection.
type TipChange struct {
	BlockID BlockID // block ID of the main chain tip block
	Block   *Block  // full block
	Source  string  // who sent the block that caused this change
	Connect bool    // true if the tip has been connected. false for disconnected
	More    bool    // true if the tip has been connected and more connections are expected
}

// CheckpointChange is a message sent to registered checkpoint channels when a
// signed checkpoint message has been accepted and should be relayed.
type CheckpointChange struct {
	Checkpoint *SyncCheckpoint // the accepted signed checkpoint message
	Source     string          // who sent it. empty if promoted or locally originated
}

type blockToProcess struct {
	id         BlockID      // block ID
	block      *Block       // block to process
	source     string       // who sent it
	resultChan chan<- error // channel to receive the result
}

type checkpointToProcess struct {
	checkpoint *SyncCheckpoint          // checkpoint message to process
	source     string                   // who sent it
	resultChan chan<- checkpointResult  // channel to receive the result
}

type checkpointResult struct {
	status CheckpointStatus
	err    error
}

// NewProcessor returns a new Processor instance.
func NewProcessor(genesisID BlockID, chainStore ChainStore, checkpoints *CheckpointSync) *Processor {
	return &Processor{
		genesisID:                genesisID,
		chainStore:               chainStore,
		checkpoints:              checkpoints,
		blockChan:                make(chan blockToProcess, 10),
		checkpointChan:           make(chan checkpointToProcess, 10),
		registerTipChangeChan:    make(chan chan<- TipChange),
		unregisterTipChangeChan:  make(chan chan<- TipChange),
		registerCheckpointChan:   make(chan chan<- CheckpointChange),
		unregisterCheckpointChan: make(chan chan<- CheckpointChange),
		tipChangeChannels:        make(map[chan<- TipChange]struct{}),
		checkpointChannels:       make(map[chan<- CheckpointChange]struct{}),
		shutdownChan:             make(chan struct{}),
	}
}

// Run executes the Processor's main loop in its own goroutine.
// It verifies and processes blocks and checkpoint messages.
func (p *Processor) Run() {
	p.wg.Add(1)
	go p.run()
}

func (p *Processor) run() {
	defer p.wg.Done()

	for {
		select {
		case blockToProcess := <-p.blockChan:
			// process a block
			before := time.Now().UnixNano()
			err := p.processBlock(blockToProcess.id, blockToProcess.block, blockToProcess.source)
			if err != nil {
				log.Println(err)
			}
			after := time.Now().UnixNano()

			log.Printf("Processing took %d ms, %d transaction(s)\n",
				(after-before)/int64(time.Millisecond),
				len(blockToProcess.block.Transactions))

			// send back the result
			blockToProcess.resultChan <- err

		case cpToProcess := <-p.checkpointChan:
			// process a checkpoint message
			status, err := p.processCheckpoint(cpToProcess.checkpoint, cpToProcess.source)
			if err != nil {
				log.Println(err)
			}

			// send back the result
			cpToProcess.resultChan <- checkpointResult{status: status, err: err}

		case ch := <-p.registerTipChangeChan:
			p.tipChangeChannels[ch] = struct{}{}

		case ch := <-p.unregisterTipChangeChan:
			delete(p.tipChangeChannels, ch)

		case ch := <-p.registerCheckpointChan:
			p.checkpointChannels[ch] = struct{}{}

		case ch := <-p.unregisterCheckpointChan:
			delete(p.checkpointChannels, ch)

		case _, ok := <-p.shutdownChan:
			if !ok {
				log.Println("Processor shutting down...")
				return
			}
		}
	}
}

// ProcessBlock is called to process a new candidate block chain tip.
func (p *Processor) ProcessBlock(id BlockID, block *Block, from string) error {
	resultChan := make(chan error)
	p.blockChan <- blockToProcess{id: id, block: block, source: from, resultChan: resultChan}
	return <-resultChan
}

// ProcessCheckpoint is called to process a new signed checkpoint message.
// Accepted checkpoints are announced to registered checkpoint channels for relay.
func (p *Processor) ProcessCheckpoint(cp *SyncCheckpoint, from string) (CheckpointStatus, error) {
	resultChan := make(chan checkpointResult)
	p.checkpointChan <- checkpointToProcess{checkpoint: cp, source: from, resultChan: resultChan}
	result := <-resultChan
	return result.status, result.err
}

// SendCheckpoint signs a checkpoint message for the given block ID with the
// checkpoint master key and processes it locally. Relay to peers happens via
// the usual checkpoint announcement once the local node accepts it.
func (p *Processor) SendCheckpoint(id BlockID) (*SyncCheckpoint, error) {
	cp, err := p.checkpoints.SignSyncCheckpoint(id)
	if err != nil {
		return nil, err
	}
	status, err := p.ProcessCheckpoint(cp, "")
	if err != nil {
		return nil, err
	}
	if status != CheckpointAccepted {
		// the master must only checkpoint blocks its own node can accept
		return nil, fmt.Errorf("Checkpoint %s was not accepted locally", id)
	}
	return cp, nil
}

// RegisterForTipChange is called to register to receive notifications of tip block changes.
func (p *Processor) RegisterForTipChange(ch chan<- TipChange) {
	p.registerTipChangeChan <- ch
}

// UnregisterForTipChange is called to unregister to receive notifications of tip block changes.
func (p *Processor) UnregisterForTipChange(ch chan<- TipChange) {
	p.unregisterTipChangeChan <- ch
}

// RegisterForCheckpoints is called to register to receive notifications of newly accepted checkpoints.
func (p *Processor) RegisterForCheckpoints(ch chan<- CheckpointChange) {
	p.registerCheckpointChan <- ch
}

// UnregisterForCheckpoints is called to unregister to receive notifications of newly accepted checkpoints.
func (p *Processor) UnregisterForCheckpoints(ch chan<- CheckpointChange) {
	p.unregisterCheckpointChan <- ch
}

// Shutdown stops the processor synchronously.
func (p *Processor) Shutdown() {
	close(p.shutdownChan)
	p.wg.Wait()
	log.Println("Processor shutdown")
}

// Process a checkpoint message
func (p *Processor) processCheckpoint(cp *SyncCheckpoint, source string) (CheckpointStatus, error) {
	log.Printf("Processing checkpoint %s\n", cp.CheckpointID)

	status, err := p.checkpoints.ProcessSyncCheckpoint(cp)
	if err != nil {
		return status, err
	}

	switch status {
	case CheckpointAccepted:
		log.Printf("Checkpoint %s accepted\n", cp.CheckpointID)
		p.announceCheckpoint(cp, source)
	case CheckpointPending:
		log.Printf("Checkpoint %s is pending, don't have the block yet\n", cp.CheckpointID)
	case CheckpointIgnored:
		log.Printf("Checkpoint %s ignored\n", cp.CheckpointID)
	}
	return status, nil
}

// Process a block
func (p *Processor) processBlock(id BlockID, block *Block, source string) error {
	log.Printf("Processing block %s\n", id)

	now := time.Now().Unix()

	// did we process this block already?
	header, _, err := p.chainStore.GetBlockHeader(id)
	if err != nil {
		return err
	}
	if header != nil {
		log.Printf("Already processed block %s", id)
		return nil
	}

	// sanity check the block
	if err := checkBlock(id, block, now); err != nil {
		return err
	}

	// check it against the hardened checkpoints
	if err := CheckpointCheck(id, block.Header.Height); err != nil {
		return err
	}

	// have we processed its parent?
	prevHeader, _, err := p.chainStore.GetBlockHeader(block.Header.Previous)
	if err != nil {
		return err
	}
	if prevHeader == nil {
		if id == p.genesisID {
			// store it
			if err := p.chainStore.Store(id, block, now); err != nil {
				return err
			}
			// begin the chain
			if err := p.connectBlock(id, block, source, false); err != nil {
				return err
			}
			log.Printf("Connected block %s\n", id)
			return p.acceptPendingCheckpoint()
		}
		// current block is an orphan
		return fmt.Errorf("Block %s is an orphan", id)
	}

	// attempt to extend the chain
	if err := p.acceptBlock(id, block, now, prevHeader, source); err != nil {
		return err
	}

	// a pending checkpoint may now be satisfiable
	return p.acceptPendingCheckpoint()
}

// Context-free block sanity checker
func checkBlock(id BlockID, block *Block, now int64) error {
	if block.Header == nil {
		return fmt.Errorf("Missing header in block %s", id)
	}

	// sanity check time
	if block.Header.Time < 0 || block.Header.Time > MAX_NUMBER {
		return fmt.Errorf("Time value is invalid, block %s", id)
	}

	// check timestamp isn't too far in the future
	if block.Header.Time > now+MAX_FUTURE_SECONDS {
		return fmt.Errorf(
			"Timestamp %d too far in the future, now %d, block %s",
			block.Header.Time,
			now,
			id,
		)
	}

	// sanity check nonce
	if block.Header.Nonce < 0 || block.Header.Nonce > MAX_NUMBER {
		return fmt.Errorf("Nonce value is invalid, block %s", id)
	}

	// sanity check height
	if block.Header.Height < 0 || block.Header.Height > MAX_NUMBER {
		return fmt.Errorf("Height value is invalid, block %s", id)
	}

	// sanity check transaction count
	if block.Header.TransactionCount < 0 {
		return fmt.Errorf("Negative transaction count in header of block %s", id)
	}

	if int(block.Header.TransactionCount) != len(block.Transactions) {
		return fmt.Errorf("Transaction count in header doesn't match block %s", id)
	}

	// must have at least one transaction
	if len(block.Transactions) == 0 {
		return fmt.Errorf("No transactions in block %s", id)
	}

	return nil
}

// Attempt to extend the chain with the new block
func (p *Processor) acceptBlock(id BlockID, block *Block, now int64, prevHeader *BlockHeader, source string) error {
	// check height
	newHeight := prevHeader.Height + 1
	if block.Header.Height != newHeight {
		return fmt.Errorf("Expected height %d found %d for block %s",
			newHeight, block.Header.Height, id)
	}

	// check it against the synchronized checkpoint
	ok, err := p.checkpoints.CheckSyncCheckpoint(id, block.Header.Previous, prevHeader.Height)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("Block %s rejected by the synchronized checkpoint", id)
	}

	// store the block if we think we're going to accept it
	if err := p.chainStore.Store(id, block, now); err != nil {
		return err
	}

	// get the current tip before we try adjusting the chain
	tipID, _, err := p.chainStore.GetChainTip()
	if err != nil {
		return err
	}

	// finish accepting the block if possible
	if err := p.acceptBlockContinue(id, block, now, prevHeader, source); err != nil {
		// we may have disconnected the old best chain and partially
		// connected the new one before encountering a problem. re-activate it now
		if err2 := p.reconnectTip(*tipID, source); err2 != nil {
			log.Printf("Error reconnecting tip: %s, block: %s\n", err2, *tipID)
		}
		// return the original error
		return err
	}

	return nil
}

// Continue accepting the block
func (p *Processor) acceptBlockContinue(
	id BlockID, block *Block, blockWhen int64, prevHeader *BlockHeader, source string) error {

	// get the current tip
	tipID, tipHeader, tipWhen, err := getChainTipHeader(p.chainStore)
	if err != nil {
		return err
	}
	if id == *tipID {
		// can happen if we failed connecting a new block
		return nil
	}

	// is this block better than the current tip?
	if !block.Header.Compare(tipHeader, blockWhen, tipWhen) {
		// it's a side branch block for now
		log.Printf("Block %s does not represent the tip of the best chain", id)
		return nil
	}

	// the new block is the better chain
	tipAncestor := tipHeader
	newAncestor := prevHeader

	minHeight := tipAncestor.Height
	if newAncestor.Height < minHeight {
		minHeight = newAncestor.Height
	}

	var blocksToDisconnect, blocksToConnect []BlockID

	// walk back each chain to the common minHeight
	tipAncestorID := *tipID
	for tipAncestor.Height > minHeight {
		blocksToDisconnect = append(blocksToDisconnect, tipAncestorID)
		tipAncestorID = tipAncestor.Previous
		tipAncestor, _, err = p.chainStore.GetBlockHeader(tipAncestorID)
		if err != nil {
			return err
		}
	}

	newAncestorID := block.Header.Previous
	for newAncestor.Height > minHeight {
		blocksToConnect = append([]BlockID{newAncestorID}, blocksToConnect...)
		newAncestorID = newAncestor.Previous
		newAncestor, _, err = p.chainStore.GetBlockHeader(newAncestorID)
		if err != nil {
			return err
		}
	}

	// scan both chains until we get to the common ancestor
	for *newAncestor != *tipAncestor {
		blocksToDisconnect = append(blocksToDisconnect, tipAncestorID)
		blocksToConnect = append([]BlockID{newAncestorID}, blocksToConnect...)
		tipAncestorID = tipAncestor.Previous
		tipAncestor, _, err = p.chainStore.GetBlockHeader(tipAncestorID)
		if err != nil {
			return err
		}
		newAncestorID = newAncestor.Previous
		newAncestor, _, err = p.chainStore.GetBlockHeader(newAncestorID)
		if err != nil {
			return err
		}
	}

	// we're at common ancestor. disconnect any main chain blocks we need to
	for _, id := range blocksToDisconnect {
		blockToDisconnect, err := p.chainStore.GetBlock(id)
		if err != nil {
			return err
		}
		if err := p.disconnectBlock(id, blockToDisconnect, source); err != nil {
			return err
		}
	}

	// connect any new chain blocks we need to
	for _, id := range blocksToConnect {
		blockToConnect, err := p.chainStore.GetBlock(id)
		if err != nil {
			return err
		}
		if err := p.connectBlock(id, blockToConnect, source, true); err != nil {
			return err
		}
	}

	// and finally connect the new block
	return p.connectBlock(id, block, source, false)
}

// Update the main chain index and notify undo tip channels
func (p *Processor) disconnectBlock(id BlockID, block *Block, source string) error {
	if err := p.chainStore.DisconnectBlock(id, block); err != nil {
		return err
	}

	log.Printf("Block %s has been disconnected, height: %d\n", id, block.Header.Height)

	// Notify tip change channels
	for ch := range p.tipChangeChannels {
		ch <- TipChange{BlockID: id, Block: block, Source: source}
	}
	return nil
}

// Update the main chain index and notify new tip channels
func (p *Processor) connectBlock(id BlockID, block *Block, source string, more bool) error {
	if err := p.chainStore.ConnectBlock(id, block); err != nil {
		return err
	}

	log.Printf("Block %s is the new tip, height: %d\n", id, block.Header.Height)

	// Notify tip change channels
	for ch := range p.tipChangeChannels {
		ch <- TipChange{BlockID: id, Block: block, Source: source, Connect: true, More: more}
	}
	return nil
}

// Try to reconnect the previous tip block when acceptBlockContinue fails for the new block
func (p *Processor) reconnectTip(id BlockID, source string) error {
	block, err := p.chainStore.GetBlock(id)
	if err != nil {
		return err
	}
	if block == nil {
		return fmt.Errorf("Block %s not found", id)
	}
	_, when, err := p.chainStore.GetBlockHeader(id)
	if err != nil {
		return err
	}
	prevHeader, _, err := p.chainStore.GetBlockHeader(block.Header.Previous)
	if err != nil {
		return err
	}
	return p.acceptBlockContinue(id, block, when, prevHeader, source)
}

// Promote the pending checkpoint if its block has arrived and announce it for relay.
// A pending checkpoint that fails re-validation is dropped; the conflict doesn't
// fail the block being processed. Chain index and persistence errors do.
func (p *Processor) acceptPendingCheckpoint() error {
	cp, err := p.checkpoints.AcceptPendingSyncCheckpoint()
	if err != nil {
		if errors.Is(err, ErrCheckpointConflict) {
			log.Printf("Dropping pending checkpoint: %s\n", err)
			return nil
		}
		return err
	}
	if cp != nil {
		log.Printf("Pending checkpoint %s accepted\n", cp.CheckpointID)
		p.announceCheckpoint(cp, "")
	}
	return nil
}

// Notify checkpoint channels of a newly accepted checkpoint
func (p *Processor) announceCheckpoint(cp *SyncCheckpoint, source string) {
	for ch := range p.checkpointChannels {
		ch <- CheckpointChange{Checkpoint: cp, Source: source}
	}
}

// Convenience method to get the current main chain's tip ID, header, and storage time.
func getChainTipHeader(chainStore ChainStore) (*BlockID, *BlockHeader, int64, error) {
	// get the current tip
	tipID, _, err := chainStore.GetChainTip()
	if err != nil {
		return nil, nil, 0, err
	}
	if tipID == nil {
		return nil, nil, 0, nil
	}

	// get the header
	tipHeader, tipWhen, err := chainStore.GetBlockHeader(*tipID)
	if err != nil {
		return nil, nil, 0, err
	}
	return tipID, tipHeader, tipWhen, nil
}
