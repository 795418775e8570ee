package serializer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// KV is the small storage contract the serializer is built on. Get calls fn
// with the value of key, or returns io.EOF if the key is missing. Iterate
// calls fn for every key starting with prefix, in key order; fn returning
// io.EOF stops the iteration without error.
type KV interface {
	Get(key []byte, fn func(val []byte) error) error
	Iterate(prefix []byte, fn func(key, val []byte) error) error
	Updater() (Updater, error)
	Close() error
}

// Updater applies a batch of mutations atomically: either every Set and
// Delete becomes visible at Commit, or none of them do.
type Updater interface {
	Set(key, val []byte) error
	Delete(key []byte) error
	Commit(sync bool) error
	Rollback()
}

const (
	blockKeyPrefix = 'b'
	indexKeyPrefix = 'i'
	metaKeyPrefix  = 'm'
)

var (
	metaKey = []byte{metaKeyPrefix}
)

func blockKey(tid uint64) []byte {
	key := make([]byte, 9)
	key[0] = blockKeyPrefix
	binary.BigEndian.PutUint64(key[1:], tid)
	return key
}

func indexKey(id BlockID) []byte {
	key := make([]byte, 9)
	key[0] = indexKeyPrefix
	binary.BigEndian.PutUint64(key[1:], uint64(id))
	return key
}

// KVSerializer implements Serializer on top of a KV store. Extents are
// keyed by token id; the block index is keyed by block id and holds the
// token id and the recency. The index and recencies are mirrored in memory
// so that reads of the index never touch the store.
type KVSerializer struct {
	mutex     sync.Mutex
	kv        KV
	blockSize int
	maxID       BlockID
	nextToken   uint64
	indexed     map[BlockID]*BlockToken
	recencies   map[BlockID]Recency
	pendingFree []uint64
}

// NewKV opens a serializer over kv. A fresh store is initialized with
// blockSize; an existing store must have been created with the same size.
func NewKV(kv KV, blockSize int) (*KVSerializer, error) {
	if blockSize <= 16 {
		panic(fmt.Sprintf("serializer: block size too small: %d", blockSize))
	}

	ser := &KVSerializer{
		kv:        kv,
		blockSize: blockSize,
		indexed:   map[BlockID]*BlockToken{},
		recencies: map[BlockID]Recency{},
	}

	err := kv.Get(metaKey,
		func(val []byte) error {
			if len(val) != 16 {
				return fmt.Errorf("serializer: bad meta entry: %v", val)
			}
			ser.nextToken = binary.BigEndian.Uint64(val)
			size := int(binary.BigEndian.Uint64(val[8:]))
			if size != blockSize {
				return fmt.Errorf("serializer: store has block size %d; want %d", size,
					blockSize)
			}
			return nil
		})
	if err == io.EOF {
		upd, err := kv.Updater()
		if err != nil {
			return nil, err
		}
		err = upd.Set(metaKey, ser.encodeMeta())
		if err != nil {
			upd.Rollback()
			return nil, err
		}
		err = upd.Commit(true)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	err = ser.loadIndex()
	if err != nil {
		return nil, err
	}
	return ser, nil
}

// OpenKV opens a serializer over an existing store, taking the block size
// from the store's meta entry.
func OpenKV(kv KV) (*KVSerializer, error) {
	ser := &KVSerializer{
		kv:        kv,
		indexed:   map[BlockID]*BlockToken{},
		recencies: map[BlockID]Recency{},
	}

	err := kv.Get(metaKey,
		func(val []byte) error {
			if len(val) != 16 {
				return fmt.Errorf("serializer: bad meta entry: %v", val)
			}
			ser.nextToken = binary.BigEndian.Uint64(val)
			ser.blockSize = int(binary.BigEndian.Uint64(val[8:]))
			return nil
		})
	if err == io.EOF {
		return nil, errors.New("serializer: not a block store")
	} else if err != nil {
		return nil, err
	}

	err = ser.loadIndex()
	if err != nil {
		return nil, err
	}
	return ser, nil
}

func (ser *KVSerializer) loadIndex() error {
	return ser.kv.Iterate([]byte{indexKeyPrefix},
		func(key, val []byte) error {
			if len(key) != 9 || len(val) != 16 {
				return fmt.Errorf("serializer: bad index entry: %v: %v", key, val)
			}
			id := BlockID(binary.BigEndian.Uint64(key[1:]))
			tok := &BlockToken{
				ser:  ser,
				id:   binary.BigEndian.Uint64(val),
				refs: 1,
			}
			ser.indexed[id] = tok
			ser.recencies[id] = Recency(binary.BigEndian.Uint64(val[8:]))
			if id >= ser.maxID {
				ser.maxID = id + 1
			}
			return nil
		})
}

// ListBlocks calls fn for every indexed block, in block id order, until fn
// returns false.
func (ser *KVSerializer) ListBlocks(fn func(id BlockID, token uint64, rec Recency) bool) {
	ser.mutex.Lock()
	ids := make([]BlockID, 0, len(ser.indexed))
	for id := range ser.indexed {
		ids = append(ids, id)
	}
	sort.Slice(ids,
		func(i, j int) bool {
			return ids[i] < ids[j]
		})
	type entry struct {
		id  BlockID
		tok uint64
		rec Recency
	}
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, entry{id, ser.indexed[id].id, ser.recencies[id]})
	}
	ser.mutex.Unlock()

	for _, ent := range entries {
		if !fn(ent.id, ent.tok, ent.rec) {
			break
		}
	}
}

func (ser *KVSerializer) encodeMeta() []byte {
	val := make([]byte, 16)
	binary.BigEndian.PutUint64(val, ser.nextToken)
	binary.BigEndian.PutUint64(val[8:], uint64(ser.blockSize))
	return val
}

func (ser *KVSerializer) BlockSize() int {
	return ser.blockSize
}

func (ser *KVSerializer) AllocBuf() []byte {
	return make([]byte, ser.blockSize)
}

func (ser *KVSerializer) MaxBlockID() BlockID {
	ser.mutex.Lock()
	defer ser.mutex.Unlock()

	return ser.maxID
}

func (ser *KVSerializer) IndexRead(id BlockID) *BlockToken {
	ser.mutex.Lock()
	defer ser.mutex.Unlock()

	tok, ok := ser.indexed[id]
	if !ok {
		return nil
	}
	return tok.AddRef()
}

func (ser *KVSerializer) Recency(id BlockID) Recency {
	ser.mutex.Lock()
	defer ser.mutex.Unlock()

	return ser.recencies[id]
}

func (ser *KVSerializer) BlockRead(tok *BlockToken, buf []byte) error {
	if len(buf) != ser.blockSize {
		panic(fmt.Sprintf("serializer: block read with %d byte buffer; want %d", len(buf),
			ser.blockSize))
	}

	err := ser.kv.Get(blockKey(tok.id),
		func(val []byte) error {
			if len(val) != ser.blockSize {
				return fmt.Errorf("serializer: extent %d has %d bytes; want %d", tok.id,
					len(val), ser.blockSize)
			}
			copy(buf, val)
			return nil
		})
	if err == io.EOF {
		return fmt.Errorf("serializer: missing extent %d", tok.id)
	}
	return err
}

func (ser *KVSerializer) BlockWrites(infos []BufWriteInfo) ([]*BlockToken, error) {
	ser.mutex.Lock()
	defer ser.mutex.Unlock()

	upd, err := ser.kv.Updater()
	if err != nil {
		return nil, err
	}

	toks := make([]*BlockToken, 0, len(infos))
	tid := ser.nextToken
	for _, info := range infos {
		if len(info.Buf) != ser.blockSize {
			panic(fmt.Sprintf("serializer: block write with %d byte buffer; want %d",
				len(info.Buf), ser.blockSize))
		}
		err = upd.Set(blockKey(tid), append(make([]byte, 0, len(info.Buf)), info.Buf...))
		if err != nil {
			upd.Rollback()
			return nil, err
		}
		toks = append(toks, &BlockToken{ser: ser, id: tid, refs: 1})
		tid += 1
	}

	next := ser.nextToken
	ser.nextToken = tid
	err = upd.Set(metaKey, ser.encodeMeta())
	if err == nil {
		err = ser.flushPendingFree(upd)
	}
	if err == nil {
		err = upd.Commit(false)
	} else {
		upd.Rollback()
	}
	if err != nil {
		ser.nextToken = next
		return nil, err
	}
	return toks, nil
}

func (ser *KVSerializer) IndexWrite(ops []IndexWriteOp) error {
	ser.mutex.Lock()

	upd, err := ser.kv.Updater()
	if err != nil {
		ser.mutex.Unlock()
		return err
	}

	for _, op := range ops {
		if op.Delete {
			err = upd.Delete(indexKey(op.BlockID))
		} else {
			tid := uint64(0)
			if op.Token != nil {
				tid = op.Token.id
			} else if old, ok := ser.indexed[op.BlockID]; ok {
				tid = old.id
			} else {
				err = fmt.Errorf("serializer: index write for unindexed block %d without token",
					op.BlockID)
			}
			if err == nil {
				rec := op.Recency
				if rec == InvalidRecency {
					rec = ser.recencies[op.BlockID]
				}
				val := make([]byte, 16)
				binary.BigEndian.PutUint64(val, tid)
				binary.BigEndian.PutUint64(val[8:], uint64(rec))
				err = upd.Set(indexKey(op.BlockID), val)
			}
		}
		if err != nil {
			upd.Rollback()
			ser.mutex.Unlock()
			return err
		}
	}

	err = ser.flushPendingFree(upd)
	if err == nil {
		err = upd.Commit(false)
	} else {
		upd.Rollback()
	}
	if err != nil {
		ser.mutex.Unlock()
		return err
	}

	var release []*BlockToken
	for _, op := range ops {
		old := ser.indexed[op.BlockID]
		if op.Delete {
			if old != nil {
				release = append(release, old)
			}
			delete(ser.indexed, op.BlockID)
			delete(ser.recencies, op.BlockID)
		} else {
			if op.Token != nil {
				ser.indexed[op.BlockID] = op.Token.AddRef()
				if old != nil {
					release = append(release, old)
				}
			}
			if op.Recency != InvalidRecency {
				ser.recencies[op.BlockID] = op.Recency
			}
			if op.BlockID >= ser.maxID {
				ser.maxID = op.BlockID + 1
			}
		}
	}
	ser.mutex.Unlock()

	for _, tok := range release {
		tok.Release()
	}
	return nil
}

// freeExtent reclaims the extent of a token whose last reference was just
// released. Reclamation is deferred to the next batch so that releasing a
// token never blocks on storage.
func (ser *KVSerializer) freeExtent(tok *BlockToken) {
	ser.mutex.Lock()
	defer ser.mutex.Unlock()

	ser.pendingFree = append(ser.pendingFree, tok.id)
}

// flushPendingFree folds deferred extent deletions into upd. Called with
// the serializer locked.
func (ser *KVSerializer) flushPendingFree(upd Updater) error {
	for _, tid := range ser.pendingFree {
		err := upd.Delete(blockKey(tid))
		if err != nil {
			return err
		}
	}
	ser.pendingFree = nil
	return nil
}

func (ser *KVSerializer) Close() error {
	ser.mutex.Lock()
	if len(ser.pendingFree) > 0 {
		upd, err := ser.kv.Updater()
		if err == nil {
			err = ser.flushPendingFree(upd)
			if err == nil {
				upd.Commit(true)
			} else {
				upd.Rollback()
			}
		}
	}
	ser.mutex.Unlock()

	return ser.kv.Close()
}
