package pagecache

import (
	"testing"

	"github.com/leftmike/pagecache/serializer"
)

type testEvictable struct {
	idx      int
	safe     bool
	priority int
	unloaded bool
}

func makeTestEvictable(safe bool, priority int) *testEvictable {
	return &testEvictable{
		idx:      noReplIndex,
		safe:     safe,
		priority: priority,
	}
}

func (te *testEvictable) safeToUnload() bool {
	return te.safe
}

func (te *testEvictable) evictionPriority() int {
	return te.priority
}

func (te *testEvictable) unload() {
	te.unloaded = true
}

func (te *testEvictable) replIdx() int {
	return te.idx
}

func (te *testEvictable) setReplIdx(idx int) {
	te.idx = idx
}

func checkReplIndices(t *testing.T, pr *pageRepl) {
	t.Helper()

	for idx, e := range pr.array {
		if e.replIdx() != idx {
			t.Errorf("page repl entry %d has index %d", idx, e.replIdx())
		}
	}
}

func TestPageReplIndices(t *testing.T) {
	pr := makePageRepl(16, 0, nil)

	tes := make([]*testEvictable, 0, 8)
	for idx := 0; idx < 8; idx += 1 {
		te := makeTestEvictable(true, defaultEvictionPriority)
		tes = append(tes, te)
		pr.insert(te)
	}
	checkReplIndices(t, pr)

	pr.remove(tes[3])
	checkReplIndices(t, pr)
	if tes[3].idx != noReplIndex {
		t.Errorf("removed entry has index %d", tes[3].idx)
	}

	pr.remove(tes[7])
	pr.remove(tes[0])
	checkReplIndices(t, pr)
	if pr.size() != 5 {
		t.Errorf("page repl size is %d; want 5", pr.size())
	}

	pr.insert(tes[3])
	checkReplIndices(t, pr)
}

func TestMakeSpace(t *testing.T) {
	pr := makePageRepl(2, 0, nil)

	tes := make([]*testEvictable, 0, 5)
	for idx := 0; idx < 5; idx += 1 {
		te := makeTestEvictable(true, defaultEvictionPriority)
		tes = append(tes, te)
		pr.insert(te)
	}

	if !pr.isFull(0) {
		t.Error("over-threshold page repl is not full")
	}

	pr.makeSpace(0)
	if pr.size() != 2 {
		t.Errorf("page repl size is %d; want 2", pr.size())
	}
	if pr.isFull(0) {
		t.Error("at-threshold page repl is full")
	}
	if !pr.isFull(1) {
		t.Error("at-threshold page repl has space for another page")
	}
	unloaded := 0
	for _, te := range tes {
		if te.unloaded {
			if te.idx != noReplIndex {
				t.Error("unloaded entry still in page repl")
			}
			unloaded += 1
		}
	}
	if unloaded != 3 {
		t.Errorf("%d entries unloaded; want 3", unloaded)
	}

	pr.makeSpace(1)
	if pr.size() != 1 {
		t.Errorf("page repl size is %d; want 1", pr.size())
	}
}

func TestMakeSpaceUnsafe(t *testing.T) {
	stats := Stats{}
	pr := makePageRepl(1, 0, &stats)

	for idx := 0; idx < 4; idx += 1 {
		pr.insert(makeTestEvictable(false, defaultEvictionPriority))
	}

	// Nothing is safe to unload: the cache runs over budget rather than
	// failing.
	pr.makeSpace(1)
	if pr.size() != 4 {
		t.Errorf("page repl size is %d; want 4", pr.size())
	}
	if stats.BlocksEvicted != 0 {
		t.Errorf("%d blocks evicted; want 0", stats.BlocksEvicted)
	}
}

func TestMakeSpaceStats(t *testing.T) {
	stats := Stats{}
	pr := makePageRepl(0, 0, &stats)

	for idx := 0; idx < 6; idx += 1 {
		pr.insert(makeTestEvictable(true, defaultEvictionPriority))
	}
	pr.makeSpace(0)
	if pr.size() != 0 {
		t.Errorf("page repl size is %d; want 0", pr.size())
	}
	if stats.BlocksEvicted != 6 {
		t.Errorf("%d blocks evicted; want 6", stats.BlocksEvicted)
	}
}

// checkCacheInvariants asserts that pinned, dirty, or loading pages are
// never evictable and that every page repl entry is safe.
func checkCacheInvariants(t *testing.T, c *Cache) {
	t.Helper()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for id, cp := range c.slots {
		if cp.page == nil {
			continue
		}
		pg := cp.page
		if (pg.pinCount > 0 || pg.dirty) && pg.replIndex != noReplIndex {
			t.Errorf("block %d: pinned or dirty page is evictable", id)
		}
	}
	for idx, e := range c.repl.array {
		pg := e.(*page)
		if pg.pinCount != 0 || pg.dirty || pg.loading != nil {
			t.Errorf("page repl entry %d is not safe: pins %d dirty %v", idx, pg.pinCount,
				pg.dirty)
		}
		if e.replIdx() != idx {
			t.Errorf("page repl entry %d has index %d", idx, e.replIdx())
		}
	}
}

func TestCacheInvariants(t *testing.T) {
	kv := serializer.MakeMemoryKV()
	ser, err := serializer.NewKV(kv, 256)
	if err != nil {
		t.Fatalf("NewKV() failed with %s", err)
	}
	c := New(ser, Config{MemoryLimit: 4})

	ids := make([]serializer.BlockID, 0, 8)
	for idx := 0; idx < 8; idx += 1 {
		txn := c.Begin()
		acq := txn.Create()
		ids = append(ids, acq.BlockID())
		buf := acq.BufWrite()
		buf[0] = byte(idx + 1)
		checkCacheInvariants(t, c)
		acq.Release()
		txn.Commit()
	}
	c.Drain()
	checkCacheInvariants(t, c)

	for idx, id := range ids {
		txn := c.Begin()
		acq := txn.Acquire(id, Read)
		buf := acq.BufRead()
		if buf[0] != byte(idx+1) {
			t.Errorf("block %d: got %d want %d", id, buf[0], idx+1)
		}
		checkCacheInvariants(t, c)
		acq.Release()
		txn.Commit()
		checkCacheInvariants(t, c)
	}
	c.Drain()
	checkCacheInvariants(t, c)
}
