package pagecache

import (
	"fmt"

	"github.com/leftmike/pagecache/serializer"
)

// AccessMode is how an acquisition intends to use a block.
type AccessMode int

const (
	Read AccessMode = iota
	Write
)

func (mode AccessMode) String() string {
	switch mode {
	case Read:
		return "read"
	case Write:
		return "write"
	}
	return fmt.Sprintf("AccessMode(%d)", int(mode))
}

// currentPage is the per-block-id slot: the latest observable page plus the
// FIFO of acquisitions waiting on it. lastWriter is the most recent
// transaction to write-acquire the slot; it becomes an implicit flush
// preceder of the next writer.
type currentPage struct {
	blockID    serializer.BlockID
	page       *page
	acqs       []*Acquisition
	lastWriter *Transaction
}

// Acquisition is one transaction's claim on a slot. It is created queued,
// becomes read-ready, then (for writers) write-ready, and ends with
// Release.
type Acquisition struct {
	txn  *Transaction
	cp   *currentPage
	mode AccessMode

	readReady  *Signal
	writeReady *Signal

	// page is the content granted to this acquisition: the slot's current
	// page, a fork of it, or the snapshot this acquisition detached onto.
	page *page

	snapshotted   bool
	detached      bool
	markedDeleted bool
	wrote         bool
	released      bool
}

// Acquire queues a claim on an existing block. The returned acquisition's
// signals report when the claim is granted; Acquire itself never blocks.
func (txn *Transaction) Acquire(id serializer.BlockID, mode AccessMode) *Acquisition {
	if mode != Read && mode != Write {
		panic(fmt.Sprintf("pagecache: bad access mode: %d", int(mode)))
	}

	c := txn.cache
	c.mutex.Lock()
	defer c.mutex.Unlock()

	txn.checkLive()
	cp := c.slot(id)
	if cp.page == nil && len(cp.acqs) == 0 {
		panic(fmt.Sprintf("pagecache: block %d does not exist", id))
	}

	acq := &Acquisition{
		txn:        txn,
		cp:         cp,
		mode:       mode,
		readReady:  newSignal(),
		writeReady: newSignal(),
	}
	if mode == Write {
		cp.noteWriter(txn)
	}
	cp.acqs = append(cp.acqs, acq)
	txn.liveAcqs += 1
	cp.pump(c)
	return acq
}

// Create allocates a fresh block id, installs an empty resident page in its
// slot, and returns an immediately write-ready acquisition.
func (txn *Transaction) Create() *Acquisition {
	c := txn.cache
	c.mutex.Lock()
	defer c.mutex.Unlock()

	txn.checkLive()
	id := c.allocBlockID()
	cp := c.slot(id)
	if cp.page != nil || len(cp.acqs) > 0 {
		panic(fmt.Sprintf("pagecache: created block %d is in use", id))
	}
	cp.page = makeEmptyPage(c, cp)

	acq := &Acquisition{
		txn:        txn,
		cp:         cp,
		mode:       Write,
		readReady:  newSignal(),
		writeReady: newSignal(),
	}
	cp.noteWriter(txn)
	cp.acqs = append(cp.acqs, acq)
	txn.liveAcqs += 1
	cp.pump(c)
	return acq
}

// noteWriter records txn as the slot's last write acquirer and connects the
// previous one as a flush preceder, so index batches for one block commit
// in write order.
func (cp *currentPage) noteWriter(txn *Transaction) {
	if cp.lastWriter != nil && cp.lastWriter != txn {
		txn.connectPreceder(cp.lastWriter)
	}
	cp.lastWriter = txn
}

// pump advances the slot's FIFO: the leading run of readers, and the first
// writer after it, are granted read access, snapshotted acquisitions detach
// from the queue, and a writer at the head of the queue is granted write
// access. A writer that has not detached blocks everything behind it.
func (cp *currentPage) pump(c *Cache) {
	i := 0
	for i < len(cp.acqs) {
		acq := cp.acqs[i]
		if !acq.readReady.IsPulsed() {
			cp.grantRead(c, acq)
		}
		if acq.snapshotted {
			cp.detach(acq)
			continue
		}
		if acq.mode == Write {
			if i == 0 && !acq.writeReady.IsPulsed() {
				acq.writeReady.pulse()
			}
			break
		}
		i += 1
	}
}

func (cp *currentPage) grantRead(c *Cache, acq *Acquisition) {
	if cp.page == nil {
		panic(fmt.Sprintf("pagecache: block %d deleted", cp.blockID))
	}
	acq.page = cp.page
	acq.page.pin(c)
	acq.readReady.pulse()
}

// detach removes a read-granted, snapshotted acquisition from the FIFO; it
// keeps its pin and takes a snapshot reference on the page it observed, so
// a later writer forks rather than mutating that content.
func (cp *currentPage) detach(acq *Acquisition) {
	for i, qacq := range cp.acqs {
		if qacq == acq {
			cp.acqs = append(cp.acqs[:i], cp.acqs[i+1:]...)
			acq.detached = true
			acq.page.snapRefs += 1
			return
		}
	}
	panic("pagecache: detaching acquisition not in queue")
}

// fork clones the slot's current page for the write-granted acquisition;
// snapshot holders and pending flushes keep the original content. The
// clone becomes the slot's current page.
func (cp *currentPage) fork(c *Cache, acq *Acquisition) *page {
	orig := cp.page
	c.repl.makeSpace(1)

	clone := &page{
		cp:        cp,
		dirty:     orig.dirty,
		replIndex: noReplIndex,
		priority:  defaultEvictionPriority,
	}
	if orig.buf != nil {
		clone.buf = append(make([]byte, 0, len(orig.buf)), orig.buf...)
	}
	if orig.token != nil {
		clone.token = orig.token.AddRef()
	}

	// The writer's pin moves from the original to the clone.
	clone.pinCount = 1
	orig.pinCount -= 1

	cp.page = clone
	acq.page = clone
	return clone
}

// BlockID returns the id of the acquired block.
func (acq *Acquisition) BlockID() serializer.BlockID {
	return acq.cp.blockID
}

// ReadSignal is pulsed when the acquisition may observe the block.
func (acq *Acquisition) ReadSignal() *Signal {
	return acq.readReady
}

// WriteSignal is pulsed when the acquisition may mutate the block.
func (acq *Acquisition) WriteSignal() *Signal {
	return acq.writeReady
}

// BufRead waits for read access and returns the block's buffer. The buffer
// must not be written through a read acquisition.
func (acq *Acquisition) BufRead() []byte {
	acq.readReady.Wait()

	c := acq.txn.cache
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if acq.released {
		panic("pagecache: buffer of released acquisition")
	}
	if acq.markedDeleted {
		panic(fmt.Sprintf("pagecache: block %d deleted by this transaction", acq.cp.blockID))
	}
	acq.page.ensureLoaded(c)
	return acq.page.buf
}

// BufWrite waits for write access and returns the block's mutable buffer,
// forking the page first if anything still observes its current content.
func (acq *Acquisition) BufWrite() []byte {
	if acq.mode != Write {
		panic("pagecache: write buffer of a read acquisition")
	}
	acq.writeReady.Wait()

	c := acq.txn.cache
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if acq.released {
		panic("pagecache: buffer of released acquisition")
	}
	if acq.markedDeleted {
		panic(fmt.Sprintf("pagecache: block %d deleted by this transaction", acq.cp.blockID))
	}

	pg := acq.page
	if !acq.wrote && pg.snapRefs > 0 {
		pg = acq.cp.fork(c, acq)
	}
	pg.ensureLoaded(c)
	if pg.replIndex != noReplIndex {
		panic("pagecache: dirtying page in page repl")
	}
	pg.dirty = true
	acq.wrote = true
	return pg.buf
}

// DeclareSnapshotted converts a read acquisition into one that permanently
// references the content it observed; it stops blocking later writers as
// soon as it is read-granted.
func (acq *Acquisition) DeclareSnapshotted() {
	if acq.mode != Read {
		panic("pagecache: only read acquisitions can be snapshotted")
	}

	c := acq.txn.cache
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if acq.released {
		panic("pagecache: snapshotting released acquisition")
	}
	if acq.snapshotted {
		panic("pagecache: acquisition snapshotted twice")
	}
	acq.snapshotted = true
	if !acq.detached {
		acq.cp.pump(c)
	}
}

// MarkDeleted schedules the block for removal when the owning transaction
// flushes. The block id becomes reusable as soon as the acquisition is
// released.
func (acq *Acquisition) MarkDeleted() {
	c := acq.txn.cache
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if acq.released {
		panic("pagecache: deleting through released acquisition")
	}
	if !acq.writeReady.IsPulsed() {
		panic("pagecache: deleting through acquisition without write access")
	}
	if acq.markedDeleted {
		panic(fmt.Sprintf("pagecache: block %d deleted twice", acq.cp.blockID))
	}
	acq.markedDeleted = true
}

// Release ends the acquisition: an unready claim dequeues, a granted one
// unpins its page, and a write-granted one records its write or deletion
// with the owning transaction.
func (acq *Acquisition) Release() {
	c := acq.txn.cache
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if acq.released {
		panic("pagecache: acquisition released twice")
	}
	acq.released = true
	txn := acq.txn
	cp := acq.cp

	if acq.detached {
		acq.page.snapRefs -= 1
		acq.page.unpin(c)
	} else {
		for i, qacq := range cp.acqs {
			if qacq == acq {
				cp.acqs = append(cp.acqs[:i], cp.acqs[i+1:]...)
				break
			}
		}

		if acq.readReady.IsPulsed() {
			if acq.writeReady.IsPulsed() && acq.markedDeleted {
				txn.recordDeleted(cp.blockID)
				cp.deletePage(c)
			} else if acq.wrote {
				txn.recordDirtied(cp.blockID, acq.page)
			}
			acq.page.unpin(c)
		}

		cp.pump(c)
		c.maybeReapSlot(cp)
	}

	txn.liveAcqs -= 1
}

// deletePage empties the slot and returns the block id to the free list;
// the delete bit itself is written when the transaction flushes. The page
// keeps its content while snapshot holders or pending flush records still
// reference it.
func (cp *currentPage) deletePage(c *Cache) {
	pg := cp.page
	pg.deleted = true
	cp.page = nil
	pg.maybeDiscard()
	c.freeBlockID(cp.blockID)
}
