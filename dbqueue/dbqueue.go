// Package dbqueue is a FIFO queue of byte records backed by an unlinked
// disk store: the queue survives memory pressure but not the process, and
// the OS reclaims the space when the queue closes or the process crashes.
package dbqueue

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/pagecache/pagecache"
	"github.com/leftmike/pagecache/serializer"
)

// Each queue block is a linked-list node of packed blob references:
// next block id (8) | data size (4) | live data offset (4) | bytes.
const queueBlockHeaderSize = 16

// DefaultMemoryLimit is the queue cache's eviction threshold, in blocks.
const DefaultMemoryLimit = 256

// Viewer observes one popped record. The bytes are only valid for the
// duration of the call.
type Viewer func(rec []byte)

type Queue struct {
	mutex sync.Mutex
	ser   *serializer.KVSerializer
	cache *pagecache.Cache
	head  serializer.BlockID
	tail  serializer.BlockID
	size  int64
}

// Open creates the queue's store at path and immediately unlinks it, so
// that the space is reclaimed no matter how the process ends.
func Open(path string, blockSize, memoryLimit int) (*Queue, error) {
	if blockSize < queueBlockHeaderSize+indirectBlobRefSize {
		panic(fmt.Sprintf("dbqueue: block size too small: %d", blockSize))
	}

	kv, err := serializer.MakeBBoltKV(path)
	if err != nil {
		return nil, fmt.Errorf("dbqueue: %s", err)
	}

	err = os.Remove(path)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("dbqueue: unlink %s: %s", path, err)
	}

	ser, err := serializer.NewKV(kv, blockSize)
	if err != nil {
		kv.Close()
		return nil, err
	}

	if memoryLimit <= 0 {
		memoryLimit = DefaultMemoryLimit
	}

	log.WithField("path", path).Debug("dbqueue: opened unlinked store")
	return &Queue{
		ser:   ser,
		cache: pagecache.New(ser, pagecache.Config{MemoryLimit: memoryLimit}),
		head:  serializer.NullBlockID,
		tail:  serializer.NullBlockID,
	}, nil
}

// Push appends rec to the queue.
func (q *Queue) Push(rec []byte) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	txn := q.cache.Begin()
	if q.head == serializer.NullBlockID {
		q.addBlockToHead(txn)
	}

	ref := writeBlob(txn, q.cache.BlockSize(), rec)

	acq := txn.Acquire(q.head, pagecache.Write)
	buf := acq.BufWrite()
	dataSize := binary.BigEndian.Uint32(buf[8:])

	if queueBlockHeaderSize+int(dataSize)+len(ref) > q.cache.BlockSize() {
		// The reference won't fit in the current head block; link in a new
		// one.
		acq.Release()
		q.addBlockToHead(txn)
		acq = txn.Acquire(q.head, pagecache.Write)
		buf = acq.BufWrite()
		dataSize = 0
	}

	copy(buf[queueBlockHeaderSize+int(dataSize):], ref)
	binary.BigEndian.PutUint32(buf[8:], dataSize+uint32(len(ref)))
	acq.Release()
	txn.Commit()

	q.size += 1
}

// Pop removes the oldest record and shows it to viewer. Popping an empty
// queue is a contract violation.
func (q *Queue) Pop(viewer Viewer) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.size == 0 {
		panic("dbqueue: pop from empty queue")
	}

	txn := q.cache.Begin()
	acq := txn.Acquire(q.tail, pagecache.Write)
	buf := acq.BufWrite()
	dataSize := binary.BigEndian.Uint32(buf[8:])
	liveOff := binary.BigEndian.Uint32(buf[12:])
	if liveOff >= dataSize {
		panic(fmt.Sprintf("dbqueue: tail block %d has offset %d past size %d", q.tail,
			liveOff, dataSize))
	}

	ref := buf[queueBlockHeaderSize+int(liveOff):]
	refSize := blobRefSize(ref)
	data, chain := readBlob(txn, q.cache.BlockSize(), ref[:refSize])
	viewer(data)
	freeBlobChain(txn, chain)

	liveOff += uint32(refSize)
	binary.BigEndian.PutUint32(buf[12:], liveOff)
	q.size -= 1

	if liveOff == dataSize {
		// The tail block is fully consumed; unlink it.
		next := serializer.BlockID(binary.BigEndian.Uint64(buf))
		acq.MarkDeleted()
		acq.Release()

		if next == serializer.NullBlockID {
			if q.head != q.tail {
				panic("dbqueue: consumed tail with no next is not the head")
			}
			q.head = serializer.NullBlockID
			q.tail = serializer.NullBlockID
		} else {
			q.tail = next
		}
	} else {
		acq.Release()
	}
	txn.Commit()
}

// Size returns the number of records in the queue.
func (q *Queue) Size() int64 {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.size
}

// Empty reports whether the queue has no records.
func (q *Queue) Empty() bool {
	return q.Size() == 0
}

// Close waits for pending flushes and closes the store.
func (q *Queue) Close() error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.cache.Drain()
	return q.ser.Close()
}

// addBlockToHead creates an empty queue block and links it in as the new
// head; the first block becomes both head and tail.
func (q *Queue) addBlockToHead(txn *pagecache.Transaction) {
	acq := txn.Create()
	buf := acq.BufWrite()
	binary.BigEndian.PutUint64(buf, uint64(serializer.NullBlockID))

	if q.head == serializer.NullBlockID {
		if q.tail != serializer.NullBlockID {
			panic("dbqueue: head is null but tail is not")
		}
		q.head = acq.BlockID()
		q.tail = acq.BlockID()
	} else {
		old := txn.Acquire(q.head, pagecache.Write)
		obuf := old.BufWrite()
		if serializer.BlockID(binary.BigEndian.Uint64(obuf)) != serializer.NullBlockID {
			panic("dbqueue: head block already has a next")
		}
		binary.BigEndian.PutUint64(obuf, uint64(acq.BlockID()))
		old.Release()
		q.head = acq.BlockID()
	}
	acq.Release()
}
