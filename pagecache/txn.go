package pagecache

import (
	"fmt"

	"github.com/leftmike/pagecache/serializer"
)

// Transaction groups acquisitions and carries the pages they dirtied until
// the flusher writes them back. Preceder edges order index batches: a
// preceder's changes commit in an earlier batch than its succeeders', or in
// the same batch when they flush as one group.
type Transaction struct {
	cache      *Cache
	preceders  map[*Transaction]struct{}
	succeeders []*Transaction
	liveAcqs   int
	dirtied    []dirtiedPage
	committed  bool
	flushing   bool
	flushed    bool
}

// dirtiedPage is one write or deletion accumulated for flush. The page
// pointer holds a snapshot reference: later writers fork rather than
// mutate the recorded content.
type dirtiedPage struct {
	blockID serializer.BlockID
	page    *page
	deleted bool
}

// Begin starts a transaction.
func (c *Cache) Begin() *Transaction {
	return c.BeginWithPreceder(nil)
}

// BeginWithPreceder starts a transaction that must flush after preceder.
func (c *Cache) BeginWithPreceder(preceder *Transaction) *Transaction {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	txn := &Transaction{
		cache: c,
	}
	if preceder != nil {
		if preceder.cache != c {
			panic("pagecache: preceder from a different cache")
		}
		txn.connectPreceder(preceder)
	}
	return txn
}

func (txn *Transaction) checkLive() {
	if txn.committed {
		panic("pagecache: acquisition on a committed transaction")
	}
}

// connectPreceder adds the edge preceder -> txn unless the preceder has
// already flushed. Called with the cache locked.
func (txn *Transaction) connectPreceder(preceder *Transaction) {
	if preceder.flushed || preceder == txn {
		return
	}
	if txn.preceders == nil {
		txn.preceders = map[*Transaction]struct{}{}
	}
	if _, ok := txn.preceders[preceder]; ok {
		return
	}
	txn.preceders[preceder] = struct{}{}
	preceder.succeeders = append(preceder.succeeders, txn)
}

// recordDirtied absorbs a released write: the transaction keeps the page,
// with a snapshot reference, until its flush completes.
func (txn *Transaction) recordDirtied(id serializer.BlockID, pg *page) {
	pg.snapRefs += 1
	txn.dirtied = append(txn.dirtied, dirtiedPage{
		blockID: id,
		page:    pg,
	})
}

func (txn *Transaction) recordDeleted(id serializer.BlockID) {
	txn.dirtied = append(txn.dirtied, dirtiedPage{
		blockID: id,
		deleted: true,
	})
}

// Commit marks the transaction ready to flush and hands it to the flusher.
// It never blocks on storage; use Cache.Drain to wait for durability.
func (txn *Transaction) Commit() {
	c := txn.cache
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if txn.committed {
		panic("pagecache: transaction committed twice")
	}
	if txn.liveAcqs > 0 {
		panic(fmt.Sprintf("pagecache: transaction committed with %d live acquisitions",
			txn.liveAcqs))
	}
	txn.committed = true
	c.pending[txn] = struct{}{}
	c.tryFlush(txn)
}
