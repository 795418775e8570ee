package serializer

import (
	"bytes"
	"io"
	"sync"

	"github.com/google/btree"
)

type memoryItem struct {
	key []byte
	val []byte
}

func (mi memoryItem) Less(item btree.Item) bool {
	return bytes.Compare(mi.key, (item.(memoryItem)).key) < 0
}

// BatchOp is one mutation of a committed memory batch, in batch order.
type BatchOp struct {
	Key    []byte
	Val    []byte
	Delete bool
}

// CommitHook observes every committed batch. It runs after the batch is
// applied, with the store unlocked, so hooks of concurrent commits may run
// in either order; the batch must not be retained.
type CommitHook func(batch []BatchOp)

// MemoryKV is an in-memory KV used by tests. The commit hook lets tests
// observe the order and contents of committed batches, and Clone lets them
// cut the store at an arbitrary commit to simulate a crash.
type MemoryKV struct {
	mutex sync.Mutex
	tree  *btree.BTree
	hook  CommitHook
}

type memoryUpdater struct {
	kv    *MemoryKV
	batch []BatchOp
}

func MakeMemoryKV() *MemoryKV {
	return &MemoryKV{
		tree: btree.New(16),
	}
}

// SetCommitHook installs fn as the store's commit hook; nil removes it.
func (mkv *MemoryKV) SetCommitHook(fn CommitHook) {
	mkv.mutex.Lock()
	defer mkv.mutex.Unlock()

	mkv.hook = fn
}

// Clone returns an independent copy of the store's current contents.
func (mkv *MemoryKV) Clone() *MemoryKV {
	mkv.mutex.Lock()
	defer mkv.mutex.Unlock()

	return &MemoryKV{
		tree: mkv.tree.Clone(),
	}
}

func (mkv *MemoryKV) Get(key []byte, fn func(val []byte) error) error {
	mkv.mutex.Lock()
	item := mkv.tree.Get(memoryItem{key: key})
	mkv.mutex.Unlock()

	if item == nil {
		return io.EOF
	}
	return fn((item.(memoryItem)).val)
}

func (mkv *MemoryKV) Iterate(prefix []byte, fn func(key, val []byte) error) error {
	var items []memoryItem
	mkv.mutex.Lock()
	mkv.tree.AscendGreaterOrEqual(memoryItem{key: prefix},
		func(item btree.Item) bool {
			mi := item.(memoryItem)
			if !bytes.HasPrefix(mi.key, prefix) {
				return false
			}
			items = append(items, mi)
			return true
		})
	mkv.mutex.Unlock()

	for _, mi := range items {
		err := fn(mi.key, mi.val)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (mkv *MemoryKV) Updater() (Updater, error) {
	mkv.mutex.Lock()

	return &memoryUpdater{
		kv: mkv,
	}, nil
}

func (mu *memoryUpdater) Set(key, val []byte) error {
	mu.batch = append(mu.batch, BatchOp{
		Key: append(make([]byte, 0, len(key)), key...),
		Val: append(make([]byte, 0, len(val)), val...),
	})
	return nil
}

func (mu *memoryUpdater) Delete(key []byte) error {
	mu.batch = append(mu.batch, BatchOp{
		Key:    append(make([]byte, 0, len(key)), key...),
		Delete: true,
	})
	return nil
}

func (mu *memoryUpdater) Commit(sync bool) error {
	for _, op := range mu.batch {
		if op.Delete {
			mu.kv.tree.Delete(memoryItem{key: op.Key})
		} else {
			mu.kv.tree.ReplaceOrInsert(memoryItem{key: op.Key, val: op.Val})
		}
	}
	hook := mu.kv.hook
	mu.kv.mutex.Unlock()

	// The hook runs unlocked so that it may call back into the store, e.g.
	// to Clone it.
	if hook != nil {
		hook(mu.batch)
	}
	return nil
}

func (mu *memoryUpdater) Rollback() {
	mu.kv.mutex.Unlock()
}

func (mkv *MemoryKV) Close() error {
	return nil
}
