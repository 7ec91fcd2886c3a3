// Copyright 2019 trezarcoin developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package trezarcoin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// Peer is a peer client in the network. They all speak WebSocket protocol to each other.
type Peer struct {
	conn            *websocket.Conn
	genesisID       BlockID
	peerStore       PeerStorage
	chainStore      ChainStore
	checkpoints     *CheckpointSync
	processor       *Processor
	outbound        bool
	syncing         bool                 // are we sequentially downloading the peer's chain?
	peerTipHeight   int64                // the peer's last advertised tip height
	requestedBlocks map[BlockID]struct{} // blocks we've asked this peer for by ID
	addrChan        chan<- string
	closeHandler    func()
	wg              sync.WaitGroup
}

// PeerUpgrader upgrades the incoming HTTP connection to a WebSocket if the subprotocol matches.
var PeerUpgrader = websocket.Upgrader{
	Subprotocols: []string{Protocol},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// NewPeer returns a new instance of a peer.
func NewPeer(conn *websocket.Conn, genesisID BlockID, peerStore PeerStorage,
	chainStore ChainStore, checkpoints *CheckpointSync, processor *Processor,
	addrChan chan<- string) *Peer {
	return &Peer{
		conn:            conn,
		genesisID:       genesisID,
		peerStore:       peerStore,
		chainStore:      chainStore,
		checkpoints:     checkpoints,
		processor:       processor,
		requestedBlocks: make(map[BlockID]struct{}),
		addrChan:        addrChan,
	}
}

// Connect connects outbound to a peer.
func (p *Peer) Connect(ctx context.Context, addr, nonce, myAddr string) (int, error) {
	u := url.URL{Scheme: "wss", Host: addr, Path: "/" + p.genesisID.String()}
	log.Printf("Connecting to %s", u.String())

	dialer := websocket.DefaultDialer
	dialer.TLSClientConfig = tlsClientConfig // set in tls.go
	dialer.Subprotocols = append(dialer.Subprotocols, Protocol)
	if err := p.peerStore.OnConnectAttempt(addr); err != nil {
		return 0, err
	}

	header := http.Header{}
	header.Add("Trezarcoin-Peer-Nonce", nonce)
	if len(myAddr) != 0 {
		header.Add("Trezarcoin-Peer-Address", myAddr)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		var statusCode int
		if resp != nil {
			statusCode = resp.StatusCode
		}
		if statusCode == http.StatusTooManyRequests {
			// the peer is already connected to us inbound.
			// mark it successful so we try it again in the future.
			p.peerStore.OnConnectSuccess(addr)
			p.peerStore.OnDisconnect(addr)
		} else {
			p.peerStore.OnConnectFailure(addr)
		}
		return statusCode, err
	}

	p.conn = conn
	p.outbound = true
	return resp.StatusCode, p.peerStore.OnConnectSuccess(addr)
}

// OnClose specifies a handler to call when the peer connection is closed.
func (p *Peer) OnClose(closeHandler func()) {
	p.closeHandler = closeHandler
}

// Shutdown is called to shutdown the underlying WebSocket synchronously.
func (p *Peer) Shutdown() {
	var addr string
	if p.conn != nil {
		addr = p.conn.RemoteAddr().String()
		p.conn.Close()
	}
	p.wg.Wait()
	if len(addr) != 0 {
		log.Printf("Closed connection with %s\n", addr)
	}
}

// Timing constants
const (
	// Time allowed to write a message to the peer
	writeWait = 30 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 120 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = pongWait / 2

	// How often should we refresh this peer's connectivity status with storage
	peerStoreRefreshPeriod = 5 * time.Minute

	// How often should we request peer addresses from a peer
	getPeerAddressesPeriod = 1 * time.Hour

	// Blocks are exempt from MAX_PROTOCOL_MESSAGE_LENGTH but not unbounded
	blockReadLimit = 32 * 1024 * 1024
)

// Run executes the peer's main loop in its own goroutine.
// It manages reading and writing to the peer's WebSocket and facilitating the protocol.
func (p *Peer) Run() {
	p.wg.Add(1)
	go p.run()
}

func (p *Peer) run() {
	defer p.wg.Done()
	if p.closeHandler != nil {
		defer p.closeHandler()
	}
	defer p.conn.Close()

	// written to by the reader loop to send outgoing messages to the writer loop
	outChan := make(chan Message, 1)

	// signals that the reader loop is exiting
	defer close(outChan)

	// greet a new peer shortly after connecting
	onConnectChan := make(chan bool, 1)
	go func() {
		time.Sleep(5 * time.Second)
		onConnectChan <- true
	}()

	// writer goroutine loop
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		// register to hear about tip block changes
		tipChangeChan := make(chan TipChange, 10)
		p.processor.RegisterForTipChange(tipChangeChan)
		defer p.processor.UnregisterForTipChange(tipChangeChan)

		// register to hear about newly accepted checkpoints
		checkpointChan := make(chan CheckpointChange, 10)
		p.processor.RegisterForCheckpoints(checkpointChan)
		defer p.processor.UnregisterForCheckpoints(checkpointChan)

		// send the peer pings
		tickerPing := time.NewTicker(pingPeriod)
		defer tickerPing.Stop()

		// update the peer store with the peer's connectivity
		tickerPeerStoreRefresh := time.NewTicker(peerStoreRefreshPeriod)
		defer tickerPeerStoreRefresh.Stop()

		// request new peer addresses
		tickerGetPeerAddresses := time.NewTicker(getPeerAddressesPeriod)
		defer tickerGetPeerAddresses.Stop()

		// update the peer store on disconnection
		addr := p.conn.RemoteAddr().String()
		if p.outbound {
			defer p.peerStore.OnDisconnect(addr)
		}

		for {
			select {
			case m, ok := <-outChan:
				if !ok {
					// reader loop is exiting
					return
				}

				// send outgoing message to peer
				p.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := p.conn.WriteJSON(m); err != nil {
					log.Printf("Write error: %s, to: %s\n", err, p.conn.RemoteAddr())
					p.conn.Close()
				}

			case tip := <-tipChangeChan:
				if tip.Source == p.conn.RemoteAddr().String() {
					// this is who sent us the block that caused the change
					break
				}
				if !tip.Connect || tip.More {
					// only announce the final tip of a connect run
					break
				}

				// new tip announced, notify the peer
				inv := Message{
					Type: "inv_block",
					Body: InvBlockMessage{
						BlockIDs: []BlockID{tip.BlockID},
					},
				}
				p.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := p.conn.WriteJSON(inv); err != nil {
					log.Printf("Write error: %s, to: %s\n", err, p.conn.RemoteAddr())
					p.conn.Close()
				}

			case cc := <-checkpointChan:
				if cc.Source == p.conn.RemoteAddr().String() {
					// this is who sent it to us
					break
				}

				// newly accepted checkpoint, relay to peer
				push := Message{
					Type: "push_checkpoint",
					Body: PushCheckpointMessage{
						Checkpoint: cc.Checkpoint,
					},
				}
				p.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := p.conn.WriteJSON(push); err != nil {
					log.Printf("Write error: %s, to: %s\n", err, p.conn.RemoteAddr())
					p.conn.Close()
				}

			case <-onConnectChan:
				// send the new peer our current checkpoint message
				if cp := p.checkpoints.Message(); cp != nil {
					log.Printf("Sending push_checkpoint to: %s\n", p.conn.RemoteAddr())
					m := Message{Type: "push_checkpoint", Body: PushCheckpointMessage{Checkpoint: cp}}
					p.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := p.conn.WriteJSON(m); err != nil {
						log.Printf("Write error: %s, to: %s\n", err, p.conn.RemoteAddr())
						p.conn.Close()
					}
				}

				// ask for the block of any pending checkpoint
				if pendingID := p.checkpoints.PendingCheckpoint(); pendingID != nil {
					log.Printf("Sending get_block for pending checkpoint %s, to: %s\n",
						pendingID, p.conn.RemoteAddr())
					m := Message{Type: "get_block", Body: GetBlockMessage{BlockID: *pendingID}}
					p.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := p.conn.WriteJSON(m); err != nil {
						log.Printf("Write error: %s, to: %s\n", err, p.conn.RemoteAddr())
						p.conn.Close()
					}
				}

				// send a get_peer_addresses to request peers
				log.Printf("Sending get_peer_addresses to: %s\n", p.conn.RemoteAddr())
				m := Message{Type: "get_peer_addresses"}
				p.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := p.conn.WriteJSON(m); err != nil {
					log.Printf("Error sending get_peer_addresses: %s, to: %s\n", err, p.conn.RemoteAddr())
					p.conn.Close()
				}

				// ask for the peer's tip to figure out if we need to sync
				log.Printf("Sending get_tip_header to: %s\n", p.conn.RemoteAddr())
				m = Message{Type: "get_tip_header"}
				p.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := p.conn.WriteJSON(m); err != nil {
					log.Printf("Error sending get_tip_header: %s, to: %s\n", err, p.conn.RemoteAddr())
					p.conn.Close()
				}

			case <-tickerPing.C:
				p.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Printf("Write error: %s, to: %s\n", err, p.conn.RemoteAddr())
					p.conn.Close()
				}

			case <-tickerPeerStoreRefresh.C:
				if p.outbound == false {
					break
				}
				// periodically refresh our connection time
				if err := p.peerStore.OnConnectSuccess(p.conn.RemoteAddr().String()); err != nil {
					log.Printf("Error from peer store: %s\n", err)
				}

			case <-tickerGetPeerAddresses.C:
				// periodically send a get_peer_addresses
				log.Printf("Sending get_peer_addresses to: %s\n", p.conn.RemoteAddr())
				m := Message{Type: "get_peer_addresses"}
				p.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := p.conn.WriteJSON(m); err != nil {
					log.Printf("Error sending get_peer_addresses: %s, to: %s\n", err, p.conn.RemoteAddr())
					p.conn.Close()
				}
			}
		}
	}()

	// reader loop
	p.conn.SetReadLimit(blockReadLimit)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// new message from peer
		messageType, message, err := p.conn.ReadMessage()
		if err != nil {
			log.Printf("Read error: %s, from: %s\n", err, p.conn.RemoteAddr())
			break
		}

		switch messageType {
		case websocket.TextMessage:
			// sanitize inputs
			if !utf8.Valid(message) {
				log.Printf("Peer sent us non-utf8 clean message, from: %s\n", p.conn.RemoteAddr())
				return
			}

			var body json.RawMessage
			m := Message{Body: &body}
			if err := json.Unmarshal([]byte(message), &m); err != nil {
				log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
				return
			}

			// hangup if the peer is sending oversized messages
			if m.Type != "block" && len(message) > MAX_PROTOCOL_MESSAGE_LENGTH {
				log.Printf("Received too large (%d bytes) of a '%s' message, from: %s",
					len(message), m.Type, p.conn.RemoteAddr())
				return
			}

			switch m.Type {
			case "inv_block":
				var inv InvBlockMessage
				if err := json.Unmarshal(body, &inv); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					return
				}
				for _, id := range inv.BlockIDs {
					if err := p.onInvBlock(id, outChan); err != nil {
						log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
						break
					}
				}

			case "get_block":
				var gb GetBlockMessage
				if err := json.Unmarshal(body, &gb); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					return
				}
				if err := p.onGetBlock(gb.BlockID, outChan); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					break
				}

			case "get_block_by_height":
				var gbbh GetBlockByHeightMessage
				if err := json.Unmarshal(body, &gbbh); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					return
				}
				if err := p.onGetBlockByHeight(gbbh.Height, outChan); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					break
				}

			case "block":
				var b BlockMessage
				if err := json.Unmarshal(body, &b); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					return
				}
				if b.Block == nil {
					log.Printf("Error: block missing from message, from: %s\n", p.conn.RemoteAddr())
					break
				}
				if err := p.onBlock(b.Block, outChan); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					break
				}

			case "get_block_header":
				var gbh GetBlockHeaderMessage
				if err := json.Unmarshal(body, &gbh); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					return
				}
				if err := p.onGetBlockHeader(gbh.BlockID, outChan); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					break
				}

			case "get_tip_header":
				if err := p.onGetTipHeader(outChan); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					break
				}

			case "tip_header":
				var th TipHeaderMessage
				if err := json.Unmarshal(body, &th); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					return
				}
				if err := p.onTipHeader(th.BlockID, th.BlockHeader, th.TimeSeen, outChan); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					break
				}

			case "push_checkpoint":
				var pc PushCheckpointMessage
				if err := json.Unmarshal(body, &pc); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					return
				}
				if pc.Checkpoint == nil {
					log.Printf("Error: checkpoint missing from message, from: %s\n", p.conn.RemoteAddr())
					break
				}
				if err := p.onPushCheckpoint(pc.Checkpoint, outChan); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					break
				}

			case "get_checkpoint":
				if err := p.onGetCheckpoint(outChan); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					break
				}

			case "send_checkpoint":
				var sc SendCheckpointMessage
				if err := json.Unmarshal(body, &sc); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					return
				}
				if err := p.onSendCheckpoint(sc.BlockID, outChan); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					break
				}

			case "get_peer_addresses":
				if err := p.onGetPeerAddresses(outChan); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					break
				}

			case "peer_addresses":
				var pa PeerAddressesMessage
				if err := json.Unmarshal(body, &pa); err != nil {
					log.Printf("Error: %s, from: %s\n", err, p.conn.RemoteAddr())
					return
				}
				p.onPeerAddresses(pa.Addresses)

			default:
				log.Printf("Unknown message: %s, from: %s\n", m.Type, p.conn.RemoteAddr())
			}

		case websocket.CloseMessage:
			log.Printf("Received close message from: %s\n", p.conn.RemoteAddr())
			break
		}
	}
}

// Handle a message from a peer indicating block inventory available for download
func (p *Peer) onInvBlock(id BlockID, outChan chan<- Message) error {
	log.Printf("Received inv_block: %s, from: %s\n", id, p.conn.RemoteAddr())

	// have we processed it?
	header, _, err := p.chainStore.GetBlockHeader(id)
	if err != nil {
		return err
	}
	if header != nil {
		log.Printf("Already processed block %s", id)
		return nil
	}

	// did we ask for it already?
	if _, ok := p.requestedBlocks[id]; ok {
		log.Printf("Block %s is already inflight, from: %s\n", id, p.conn.RemoteAddr())
		return nil
	}

	p.requestedBlocks[id] = struct{}{}
	log.Printf("Sending get_block for %s, to: %s\n", id, p.conn.RemoteAddr())
	outChan <- Message{Type: "get_block", Body: GetBlockMessage{BlockID: id}}
	return nil
}

// Handle a request for a block from a peer
func (p *Peer) onGetBlock(id BlockID, outChan chan<- Message) error {
	log.Printf("Received get_block: %s, from: %s\n", id, p.conn.RemoteAddr())
	return p.getBlock(id, outChan)
}

// Handle a request for a block by height from a peer
func (p *Peer) onGetBlockByHeight(height int64, outChan chan<- Message) error {
	log.Printf("Received get_block_by_height: %d, from: %s\n", height, p.conn.RemoteAddr())
	id, err := p.chainStore.GetBlockIDForHeight(height)
	if err != nil {
		// not found
		outChan <- Message{Type: "block"}
		return err
	}
	if id == nil {
		// not found
		outChan <- Message{Type: "block"}
		return fmt.Errorf("No block found at height %d", height)
	}
	return p.getBlock(*id, outChan)
}

func (p *Peer) getBlock(id BlockID, outChan chan<- Message) error {
	// fetch the block
	blockJson, err := p.chainStore.GetBlockBytes(id)
	if err != nil {
		// not found
		outChan <- Message{Type: "block", Body: BlockMessage{BlockID: &id}}
		return err
	}
	if len(blockJson) == 0 {
		// not found
		outChan <- Message{Type: "block", Body: BlockMessage{BlockID: &id}}
		return fmt.Errorf("No block found with ID %s", id)
	}

	// send out the raw bytes
	body := []byte(`{"block_id":"`)
	body = append(body, []byte(id.String())...)
	body = append(body, []byte(`","block":`)...)
	body = append(body, blockJson...)
	body = append(body, []byte(`}`)...)
	outChan <- Message{Type: "block", Body: json.RawMessage(body)}
	return nil
}

// Handle receiving a block from a peer
func (p *Peer) onBlock(block *Block, outChan chan<- Message) error {
	// the message has the ID in it but we can't trust that.
	// it's provided as convenience for trusted peering relationships only
	id, err := block.ID()
	if err != nil {
		return err
	}

	log.Printf("Received block: %s, from: %s\n", id, p.conn.RemoteAddr())

	if _, ok := p.requestedBlocks[id]; ok {
		delete(p.requestedBlocks, id)
	} else if !p.syncing && !p.isPendingCheckpointBlock(id) {
		// disconnect misbehaving peer
		p.conn.Close()
		return fmt.Errorf("Received unrequested block")
	}

	// is it an orphan?
	header, _, err := p.chainStore.GetBlockHeader(block.Header.Previous)
	if err != nil {
		return err
	}
	if header == nil && id != p.genesisID {
		if !p.syncing {
			log.Printf("Block %s is an orphan, sending get_tip_header to: %s\n",
				id, p.conn.RemoteAddr())
			outChan <- Message{Type: "get_tip_header"}
			return nil
		}

		// walk the request height back until we find the fork point
		height := block.Header.Height - 1
		if height < 0 {
			return fmt.Errorf("Block %s has no connectable ancestry", id)
		}
		log.Printf("Block %s is an orphan, requesting height %d from: %s\n",
			id, height, p.conn.RemoteAddr())
		outChan <- Message{Type: "get_block_by_height", Body: GetBlockByHeightMessage{Height: height}}
		return nil
	}

	// process the block
	if err := p.processor.ProcessBlock(id, block, p.conn.RemoteAddr().String()); err != nil {
		// disconnect a peer that sends us a bad block
		p.conn.Close()
		return err
	}

	// continue the sequential download if there's more chain to fetch
	if p.syncing {
		if block.Header.Height < p.peerTipHeight {
			height := block.Header.Height + 1
			outChan <- Message{Type: "get_block_by_height", Body: GetBlockByHeightMessage{Height: height}}
		} else {
			log.Printf("Finished syncing with: %s\n", p.conn.RemoteAddr())
			p.syncing = false
		}
	}
	return nil
}

// Handle a request for a block header from a peer
func (p *Peer) onGetBlockHeader(id BlockID, outChan chan<- Message) error {
	log.Printf("Received get_block_header: %s, from: %s\n", id, p.conn.RemoteAddr())
	header, _, err := p.chainStore.GetBlockHeader(id)
	if err != nil {
		// not found
		outChan <- Message{Type: "block_header", Body: BlockHeaderMessage{BlockID: &id}}
		return err
	}
	if header == nil {
		// not found
		outChan <- Message{Type: "block_header", Body: BlockHeaderMessage{BlockID: &id}}
		return fmt.Errorf("Block header for %s not found", id)
	}
	outChan <- Message{Type: "block_header", Body: BlockHeaderMessage{BlockID: &id, BlockHeader: header}}
	return nil
}

// Handle a request for a block header of the tip of the main chain from a peer
func (p *Peer) onGetTipHeader(outChan chan<- Message) error {
	log.Printf("Received get_tip_header, from: %s\n", p.conn.RemoteAddr())
	tipID, tipHeader, tipWhen, err := getChainTipHeader(p.chainStore)
	if err != nil {
		// shouldn't be possible
		outChan <- Message{Type: "tip_header"}
		return err
	}
	outChan <- Message{
		Type: "tip_header",
		Body: TipHeaderMessage{
			BlockID:     tipID,
			BlockHeader: tipHeader,
			TimeSeen:    tipWhen,
		},
	}
	return nil
}

// Handle a peer's tip header. Kicks off a sequential download if their chain is better than ours.
func (p *Peer) onTipHeader(id *BlockID, header *BlockHeader, timeSeen int64, outChan chan<- Message) error {
	log.Printf("Received tip_header, from: %s\n", p.conn.RemoteAddr())
	if id == nil || header == nil {
		// peer has no chain yet
		return nil
	}
	p.peerTipHeight = header.Height

	tipID, tipHeader, tipWhen, err := getChainTipHeader(p.chainStore)
	if err != nil {
		return err
	}

	var startHeight int64
	if tipID != nil {
		if *tipID == *id {
			// same tip
			return nil
		}
		if !header.Compare(tipHeader, timeSeen, tipWhen) {
			// our chain is at least as good
			return nil
		}
		startHeight = tipHeader.Height + 1
	}

	log.Printf("Syncing from height %d, peer tip height %d, with: %s\n",
		startHeight, header.Height, p.conn.RemoteAddr())
	p.syncing = true
	outChan <- Message{Type: "get_block_by_height", Body: GetBlockByHeightMessage{Height: startHeight}}
	return nil
}

// Handle receiving a signed checkpoint message from a peer
func (p *Peer) onPushCheckpoint(cp *SyncCheckpoint, outChan chan<- Message) error {
	log.Printf("Received push_checkpoint: %s, from: %s\n", cp.CheckpointID, p.conn.RemoteAddr())

	status, err := p.processor.ProcessCheckpoint(cp, p.conn.RemoteAddr().String())
	if err != nil {
		return err
	}
	if status == CheckpointPending {
		// ask for the checkpoint's block so we can accept it
		log.Printf("Sending get_block for pending checkpoint %s, to: %s\n",
			cp.CheckpointID, p.conn.RemoteAddr())
		outChan <- Message{Type: "get_block", Body: GetBlockMessage{BlockID: cp.CheckpointID}}
	}
	return nil
}

// Handle a request for our synchronized checkpoint status
func (p *Peer) onGetCheckpoint(outChan chan<- Message) error {
	log.Printf("Received get_checkpoint, from: %s\n", p.conn.RemoteAddr())

	id, height, err := p.checkpoints.CheckpointInfo()
	if err != nil {
		outChan <- Message{Type: "checkpoint", Body: CheckpointMessage{Error: err.Error()}}
		return err
	}
	outChan <- Message{
		Type: "checkpoint",
		Body: CheckpointMessage{
			BlockID: id,
			Height:  height,
			Warning: p.checkpoints.Warning(),
		},
	}
	return nil
}

// Handle an instruction to issue a checkpoint. Only honored over loopback.
func (p *Peer) onSendCheckpoint(id BlockID, outChan chan<- Message) error {
	log.Printf("Received send_checkpoint: %s, from: %s\n", id, p.conn.RemoteAddr())

	if !p.isLoopback() {
		err := fmt.Errorf("send_checkpoint only honored over loopback")
		outChan <- Message{
			Type: "send_checkpoint_result",
			Body: SendCheckpointResultMessage{BlockID: id, Error: err.Error()},
		}
		return err
	}

	var errStr string
	if _, err := p.processor.SendCheckpoint(id); err != nil {
		errStr = err.Error()
	}
	outChan <- Message{
		Type: "send_checkpoint_result",
		Body: SendCheckpointResultMessage{BlockID: id, Error: errStr},
	}
	return nil
}

// Received a request for peer addresses
func (p *Peer) onGetPeerAddresses(outChan chan<- Message) error {
	log.Printf("Received get_peer_addresses message, from: %s\n", p.conn.RemoteAddr())

	// get up to 32 peers that have been connected to within the last 3 hours
	addresses, err := p.peerStore.GetSince(32, time.Now().Unix()-(60*60*3))
	if err != nil {
		return err
	}

	if len(addresses) != 0 {
		outChan <- Message{Type: "peer_addresses", Body: PeerAddressesMessage{Addresses: addresses}}
	}
	return nil
}

// Received a list of addresses
func (p *Peer) onPeerAddresses(addresses []string) {
	log.Printf("Received peer_addresses message with %d address(es), from: %s\n",
		len(addresses), p.conn.RemoteAddr())

	limit := 32
	for i, addr := range addresses {
		if i == limit {
			break
		}
		// notify the peer manager
		p.addrChan <- addr
	}
}

// Is the block the one a pending checkpoint is waiting on?
func (p *Peer) isPendingCheckpointBlock(id BlockID) bool {
	pendingID := p.checkpoints.PendingCheckpoint()
	return pendingID != nil && *pendingID == id
}

// Is the peer on the other end of this connection the local host?
func (p *Peer) isLoopback() bool {
	host, _, err := net.SplitHostPort(p.conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
