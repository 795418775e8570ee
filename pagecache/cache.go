// Package pagecache mediates transactional access to a block store: many
// concurrent transactions read, write, create, and delete fixed-size
// blocks with per-block FIFO ordering, snapshot isolation for displaced
// readers, a bounded number of resident clean pages, and write-back through
// atomic index batches ordered by the transactions' preceder graph.
package pagecache

import (
	"sync"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/pagecache/serializer"
)

// Stats is a sink for the cache's counters; pass one in Config to collect
// them.
type Stats struct {
	BlocksEvicted uint64
}

// Config tunes one cache instance.
type Config struct {
	// MemoryLimit is the maximum number of evictable resident pages; zero
	// forces aggressive eviction. Pinned and dirty pages are exempt, so
	// transient overshoot is possible during heavy writes.
	MemoryLimit int

	// PageReplNumTries is the eviction sample size;
	// DefaultPageReplNumTries if zero.
	PageReplNumTries int

	Stats *Stats
}

// Cache mediates transactional access to the blocks of one serializer. A
// cache must not share its serializer with another live cache.
type Cache struct {
	mutex     sync.Mutex
	ser       serializer.Serializer
	slots     map[serializer.BlockID]*currentPage
	repl      *pageRepl
	freeList  *btree.BTree
	nextID    serializer.BlockID
	recency   uint64
	pending   map[*Transaction]struct{}
	flushCond *sync.Cond
}

type blockIDItem serializer.BlockID

func (bi blockIDItem) Less(item btree.Item) bool {
	return bi < item.(blockIDItem)
}

// New opens a cache over ser, reconstructing the free list of unused block
// ids from the serializer's index.
func New(ser serializer.Serializer, cfg Config) *Cache {
	c := &Cache{
		ser:      ser,
		slots:    map[serializer.BlockID]*currentPage{},
		repl:     makePageRepl(cfg.MemoryLimit, cfg.PageReplNumTries, cfg.Stats),
		freeList: btree.New(8),
		nextID:   ser.MaxBlockID(),
		pending:  map[*Transaction]struct{}{},
	}
	c.flushCond = sync.NewCond(&c.mutex)

	for id := serializer.BlockID(0); id < c.nextID; id += 1 {
		tok := ser.IndexRead(id)
		if tok == nil {
			c.freeList.ReplaceOrInsert(blockIDItem(id))
		} else {
			tok.Release()
			if rec := uint64(ser.Recency(id)); rec > c.recency {
				c.recency = rec
			}
		}
	}
	return c
}

// BlockSize is the size of every block's buffer.
func (c *Cache) BlockSize() int {
	return c.ser.BlockSize()
}

// ResidentClean returns how many evictable resident pages the cache holds.
func (c *Cache) ResidentClean() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.repl.size()
}

// Drain blocks until every committed transaction has flushed.
func (c *Cache) Drain() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for len(c.pending) > 0 {
		c.flushCond.Wait()
	}
}

// slot returns the current-page slot for id, creating it from the
// serializer's index on first use. Called with the cache locked.
func (c *Cache) slot(id serializer.BlockID) *currentPage {
	cp, ok := c.slots[id]
	if !ok {
		cp = &currentPage{
			blockID: id,
		}
		tok := c.ser.IndexRead(id)
		if tok != nil {
			cp.page = makeIndexedPage(cp, tok)
		}
		c.slots[id] = cp
	}
	return cp
}

// maybeReapSlot drops a slot that holds no page and no waiters, once its
// last writer has flushed. Called with the cache locked.
func (c *Cache) maybeReapSlot(cp *currentPage) {
	if cp.page != nil || len(cp.acqs) > 0 {
		return
	}
	if cp.lastWriter != nil && !cp.lastWriter.flushed {
		return
	}
	delete(c.slots, cp.blockID)
}

// allocBlockID returns the lowest free block id, extending the id space
// when none are free. Called with the cache locked.
func (c *Cache) allocBlockID() serializer.BlockID {
	if c.freeList.Len() > 0 {
		return serializer.BlockID(c.freeList.DeleteMin().(blockIDItem))
	}
	id := c.nextID
	c.nextID += 1
	return id
}

func (c *Cache) freeBlockID(id serializer.BlockID) {
	c.freeList.ReplaceOrInsert(blockIDItem(id))
}

// fatal reports an unrecoverable serializer failure; the cache cannot
// continue past one.
func (c *Cache) fatal(err error) {
	log.Fatalf("pagecache: serializer failure: %s", err)
}
