// Package addrsync is the sync controller: it subscribes to chain events,
// drives the ingest engine forward one block at a time, rewinds the index on
// reorg, and exposes the BlockUntilSyncedToCurrentChain barrier callers use
// to know when a query against the index can be trusted. It is grounded on
// lnd's chain-notifier consumers -- a dedicated goroutine draining a
// subscription and calling into a single-writer store -- and its height
// hint cache for the pattern of persisting chain-position state in its own
// kvdb bucket.
package addrsync

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/marcinja/bitcoin/addrhash"
	"github.com/marcinja/bitcoin/addrkey"
	"github.com/marcinja/bitcoin/chainevents"
	"github.com/marcinja/bitcoin/indexdb"
	"github.com/marcinja/bitcoin/ingest"
)

// undoCacheDepth bounds how many trailing blocks' undo data the controller
// keeps in memory so a disconnect can reconstruct its exact erasure set
// rather than falling back to a lossy position scan. 100 matches lnd's own
// reorgSafetyLimit (chainntnfs/bitcoindnotify/bitcoind.go): no chain reorg
// observed in practice goes anywhere near that deep.
const undoCacheDepth = 100

// State is the controller's lifecycle state.
type State int32

const (
	Stopped State = iota
	CatchingUp
	InSync
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case CatchingUp:
		return "catching-up"
	case InSync:
		return "in-sync"
	default:
		return "unknown"
	}
}

// ChainSource is what the controller asks its host for when it needs to
// walk the chain itself: rediscovering a fork point at startup, and
// replaying connects between that fork point and the current tip.
type ChainSource interface {
	// HashAtHeight returns the hash of the block currently at height on
	// the host's best chain.
	HashAtHeight(height int32) (chainhash.Hash, error)

	// BestHeight returns the height of the host's current best block.
	BestHeight() (int32, error)

	// ConnectEventAt reconstructs the BlockConnected event for the block
	// at height, the same event the host would have published live.
	ConnectEventAt(height int32) (chainevents.BlockConnected, error)
}

// Controller drives ingest from a chainevents.Source into an indexdb.DB.
type Controller struct {
	db     *indexdb.DB
	hasher *addrhash.Hasher
	source chainevents.Source
	chain  ChainSource

	state    int32 // atomic State
	stopping int32 // atomic bool, guards Stop's one-time teardown

	mu         sync.Mutex
	hasBest    bool
	bestHeight int32
	bestHash   chainhash.Hash
	lastErr    error
	syncedCond *sync.Cond

	// undoCache holds the BlockUndo for the last undoCacheDepth connected
	// blocks, keyed by height, so applyDisconnect can reconstruct its
	// erasure set exactly instead of falling back to a position scan
	// that cannot recover spent-output AddrIds. Only ever touched by the
	// single goroutine driving catchUp/eventLoop, so it needs no lock of
	// its own.
	undoCache map[int32]*ingest.BlockUndo

	client *chainevents.Client
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New returns a Controller that has not yet been started.
func New(db *indexdb.DB, hasher *addrhash.Hasher, source chainevents.Source, chain ChainSource) *Controller {
	c := &Controller{
		db:        db,
		hasher:    hasher,
		source:    source,
		chain:     chain,
		undoCache: make(map[int32]*ingest.BlockUndo),
	}
	c.syncedCond = sync.NewCond(&c.mu)
	return c
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// Start reads the persisted locator, rediscovers the fork point against the
// host's current chain, replays every block between that fork point and the
// host's tip, then subscribes for live events.
func (c *Controller) Start() error {
	if !atomic.CompareAndSwapInt32(&c.state, int32(Stopped), int32(CatchingUp)) {
		return nil
	}

	c.quit = make(chan struct{})

	if err := c.catchUp(); err != nil {
		atomic.StoreInt32(&c.state, int32(Stopped))
		return err
	}

	client, err := c.source.Subscribe()
	if err != nil {
		atomic.StoreInt32(&c.state, int32(Stopped))
		return fmt.Errorf("addrsync: subscribing to chain events: %w", err)
	}
	c.client = client

	c.wg.Add(1)
	go c.eventLoop()

	return nil
}

// Stop halts event processing. The database is left at the state of the
// last successfully committed batch.
func (c *Controller) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.stopping, 0, 1) {
		return nil
	}

	if c.client != nil {
		c.client.Cancel()
	}
	if c.quit != nil {
		close(c.quit)
	}
	c.wg.Wait()

	atomic.StoreInt32(&c.state, int32(Stopped))

	c.mu.Lock()
	c.syncedCond.Broadcast()
	c.mu.Unlock()

	return nil
}

// catchUp replays every BlockConnected event between the persisted best
// block's fork point and the host's current tip. A brand-new database (no
// persisted locator) replays from genesis.
func (c *Controller) catchUp() error {
	backend := c.db.Backend()

	locator, ok, err := loadBestBlock(backend)
	if err != nil {
		return err
	}

	forkHeight := int32(-1)
	if ok {
		forkHeight, err = FindForkPoint(locator, c.chain.HashAtHeight)
		if err != nil {
			return fmt.Errorf("addrsync: finding fork point: %w", err)
		}

		c.mu.Lock()
		c.hasBest = true
		c.bestHeight = forkHeight
		if forkHeight >= 0 {
			if h, err := c.chain.HashAtHeight(forkHeight); err == nil {
				c.bestHash = h
			}
		}
		c.mu.Unlock()
	}

	tip, err := c.chain.BestHeight()
	if err != nil {
		return fmt.Errorf("addrsync: reading best height: %w", err)
	}

	start := forkHeight + 1
	if start < 0 {
		start = 0
	}

	for h := start; h <= tip; h++ {
		ev, err := c.chain.ConnectEventAt(h)
		if err != nil {
			return fmt.Errorf(
				"addrsync: replaying block at height %d: %w", h, err,
			)
		}
		if err := c.applyConnect(ev); err != nil {
			return err
		}
	}

	c.mu.Lock()
	synced := tip < 0 || c.bestHeight == tip
	c.mu.Unlock()

	if synced {
		atomic.StoreInt32(&c.state, int32(InSync))
	}

	return nil
}

func (c *Controller) eventLoop() {
	defer c.wg.Done()

	for {
		select {
		case ev := <-c.client.Events():
			c.handleEvent(ev)

		case <-c.client.Quit():
			return

		case <-c.quit:
			return
		}
	}
}

func (c *Controller) handleEvent(ev interface{}) {
	// Once an error has halted ingest, later events are not applied.
	if c.State() == Stopped {
		return
	}

	var err error

	switch e := ev.(type) {
	case chainevents.BlockConnected:
		err = c.applyConnect(e)

	case chainevents.BlockDisconnected:
		err = c.applyDisconnect(e)

	case chainevents.ChainTipChanged:
		c.mu.Lock()
		synced := c.bestHeight == e.Height && c.bestHash == chainhash.Hash(e.Hash)
		c.mu.Unlock()
		if synced {
			atomic.StoreInt32(&c.state, int32(InSync))
			c.mu.Lock()
			c.syncedCond.Broadcast()
			c.mu.Unlock()
		}
		return
	}

	if err != nil {
		log.Errorf("halting ingest after error: %v", err)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		atomic.StoreInt32(&c.state, int32(Stopped))
	}
}

// applyConnect is a no-op for blocks already reflected in bestHeight, so
// that at-least-once delivery and restart-time catch-up replay are both
// safe to re-run against a block that was already ingested.
func (c *Controller) applyConnect(ev chainevents.BlockConnected) error {
	c.mu.Lock()
	alreadyIngested := c.hasBest && ev.IndexEntry.Height <= c.bestHeight
	c.mu.Unlock()
	if alreadyIngested {
		return nil
	}

	entries, err := ingest.BuildConnectEntries(
		ev.Block, ev.Undo, ev.IndexEntry.FileID, ev.IndexEntry.BlockOffset,
		c.hasher,
	)
	if err != nil {
		return fmt.Errorf("addrsync: building connect entries: %w", err)
	}

	if err := c.db.WriteBatch(entries, nil); err != nil {
		return fmt.Errorf("addrsync: writing connect batch: %w", err)
	}

	locator, err := ancestorHashesUpTo(c.chain, ev.IndexEntry.Height)
	if err != nil {
		return err
	}

	if err := commitBestBlock(c.db.Backend(), locator); err != nil {
		return fmt.Errorf("addrsync: persisting best block: %w", err)
	}

	c.undoCache[ev.IndexEntry.Height] = ev.Undo
	for h := range c.undoCache {
		if h <= ev.IndexEntry.Height-undoCacheDepth {
			delete(c.undoCache, h)
		}
	}

	c.mu.Lock()
	c.hasBest = true
	c.bestHeight = ev.IndexEntry.Height
	if len(locator.Hashes) > 0 {
		c.bestHash = locator.Hashes[0]
	}
	c.syncedCond.Broadcast()
	c.mu.Unlock()

	return nil
}

// applyDisconnect erases every record the disconnected block is responsible
// for. chainevents.BlockDisconnected itself carries no undo data, but if the
// block's undo is still in undoCache (it was connected within the last
// undoCacheDepth blocks, which covers every reorg this controller will ever
// see live) this reconstructs the exact key set BuildConnectEntries wrote,
// correctly recovering SPENT entries along with CREATED ones. Only when the
// cache holds no entry for that height -- the block is more than
// undoCacheDepth below the latest connect, or it was connected before this
// Controller started, since the cache lives only in memory -- does this fall
// back to ScanAndEraseByPosition,
// which cannot recover a SPENT entry's AddrId without undo and so only
// erases the block's CREATED entries.
func (c *Controller) applyDisconnect(ev chainevents.BlockDisconnected) error {
	c.mu.Lock()
	alreadyRewound := ev.IndexEntry.Height > c.bestHeight
	c.mu.Unlock()
	if alreadyRewound {
		return nil
	}

	var erasures []addrkey.Key
	if undo, ok := c.undoCache[ev.IndexEntry.Height]; ok {
		var err error
		erasures, err = ingest.BuildDisconnectErasures(
			ev.Block, undo, ev.IndexEntry.FileID, ev.IndexEntry.BlockOffset,
			c.hasher,
		)
		if err != nil {
			return fmt.Errorf("addrsync: computing disconnect erasures: %w", err)
		}
	} else {
		log.Warnf("no cached undo for disconnected block at height %d, "+
			"falling back to position scan: spent-output entries "+
			"for this block will not be erased", ev.IndexEntry.Height)

		addrIDs := ingest.AddrIDsForCreatedOutputs(ev.Block, c.hasher)
		var err error
		erasures, err = ingest.ScanAndEraseByPosition(
			c.db, addrIDs, ev.IndexEntry.FileID, ev.IndexEntry.BlockOffset,
		)
		if err != nil {
			return fmt.Errorf("addrsync: computing disconnect erasures: %w", err)
		}
	}
	delete(c.undoCache, ev.IndexEntry.Height)

	if err := c.db.WriteBatch(nil, erasures); err != nil {
		return fmt.Errorf("addrsync: writing disconnect batch: %w", err)
	}

	newHeight := ev.IndexEntry.Height - 1
	locator, err := ancestorHashesUpTo(c.chain, newHeight)
	if err != nil {
		return err
	}

	if err := commitBestBlock(c.db.Backend(), locator); err != nil {
		return fmt.Errorf("addrsync: persisting best block: %w", err)
	}

	c.mu.Lock()
	c.bestHeight = newHeight
	c.hasBest = newHeight >= 0
	if len(locator.Hashes) > 0 {
		c.bestHash = locator.Hashes[0]
	} else {
		c.bestHash = chainhash.Hash{}
	}
	c.mu.Unlock()

	atomic.CompareAndSwapInt32(&c.state, int32(InSync), int32(CatchingUp))

	return nil
}

func ancestorHashesUpTo(chain ChainSource, height int32) (Locator, error) {
	if height < 0 {
		return Locator{Height: -1}, nil
	}
	return BuildLocator(height, chain.HashAtHeight)
}

// BlockUntilSyncedToCurrentChain blocks until the controller observes that
// the last block it ingested descends from tip, then returns true. It
// returns false immediately if the controller is not running.
func (c *Controller) BlockUntilSyncedToCurrentChain(tip chainhash.Hash, tipHeight int32) bool {
	if c.State() == Stopped {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.bestHeight == tipHeight && c.bestHash == tip {
			return true
		}
		// Past tipHeight: the last ingested block descends from tip when
		// both sit on the host's current chain.
		if c.bestHeight > tipHeight {
			atTip, errTip := c.chain.HashAtHeight(tipHeight)
			atBest, errBest := c.chain.HashAtHeight(c.bestHeight)
			if errTip == nil && errBest == nil && atTip == tip && atBest == c.bestHash {
				return true
			}
		}
		if State(atomic.LoadInt32(&c.state)) == Stopped {
			return false
		}
		c.syncedCond.Wait()
	}
}

// LastError returns the error that halted the controller, if any.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
