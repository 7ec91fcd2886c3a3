// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"log"
	"sync"
	"time"
)

// AutoCheckpointer periodically issues new sync checkpoints on a master node.
// Whenever the main chain tip advances it selects the block depth blocks
// behind the new tip, signs it and hands it to the processor for acceptance
// and relay.
type AutoCheckpointer struct {
	checkpoints  *CheckpointSync
	processor    *Processor
	chainStore   ChainStore
	depth        int64
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewAutoCheckpointer returns a new AutoCheckpointer instance.
func NewAutoCheckpointer(checkpoints *CheckpointSync, processor *Processor,
	chainStore ChainStore, depth int64) *AutoCheckpointer {
	return &AutoCheckpointer{
		checkpoints:  checkpoints,
		processor:    processor,
		chainStore:   chainStore,
		depth:        depth,
		shutdownChan: make(chan struct{}),
	}
}

// Run executes the auto checkpointer's main loop in its own goroutine.
func (a *AutoCheckpointer) Run() {
	a.wg.Add(1)
	go a.run()
}

func (a *AutoCheckpointer) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	// don't issue checkpoints until we think we're synced.
	// checkpointing a stale tip would stall every peer behind us
	ibd, _, err := IsInitialBlockDownload(a.chainStore)
	if err != nil {
		panic(err)
	}
	if ibd {
		log.Println("Auto checkpointer waiting for blockchain sync")
	ready:
		for {
			select {
			case _, ok := <-a.shutdownChan:
				if !ok {
					log.Println("Auto checkpointer shutting down...")
					return
				}
			case <-ticker.C:
				var err error
				ibd, _, err = IsInitialBlockDownload(a.chainStore)
				if err != nil {
					panic(err)
				}
				if ibd == false {
					break ready
				}
			}
		}
	}

	// register for tip changes
	tipChangeChan := make(chan TipChange, 1)
	a.processor.RegisterForTipChange(tipChangeChan)
	defer a.processor.UnregisterForTipChange(tipChangeChan)

	// issue checkpoints from their own goroutine so this loop keeps draining
	// tip changes while a request is in flight with the processor. the
	// processor blocks on notification sends; stalling here would stall it
	issuing := false
	issueDoneChan := make(chan struct{}, 1)

	for {
		select {
		case tip := <-tipChangeChan:
			if !tip.Connect || tip.More {
				// only checkpoint settled tip blocks
				continue
			}
			if issuing {
				// we'll pick the tip up again on the next change
				continue
			}

			candidate, err := a.checkpoints.AutoSelectSyncCheckpoint(a.depth)
			if err != nil {
				log.Printf("Error selecting checkpoint candidate: %s\n", err)
				continue
			}

			// nothing to do if it's already the checkpoint
			current, _, err := a.checkpoints.CheckpointInfo()
			if err != nil {
				log.Printf("Error reading current checkpoint: %s\n", err)
				continue
			}
			if current != nil && *current == *candidate {
				continue
			}

			log.Printf("Auto checkpointer issuing checkpoint at block %s\n", *candidate)
			issuing = true
			a.wg.Add(1)
			go func(id BlockID) {
				defer a.wg.Done()
				if _, err := a.processor.SendCheckpoint(id); err != nil {
					log.Printf("Error issuing checkpoint: %s\n", err)
				}
				issueDoneChan <- struct{}{}
			}(*candidate)

		case <-issueDoneChan:
			issuing = false

		case _, ok := <-a.shutdownChan:
			if !ok {
				log.Println("Auto checkpointer shutting down...")
				return
			}
		}
	}
}

// Shutdown stops the auto checkpointer synchronously.
func (a *AutoCheckpointer) Shutdown() {
	close(a.shutdownChan)
	a.wg.Wait()
	log.Println("Auto checkpointer shutdown")
}
