package pagecache

import (
	"fmt"

	"github.com/leftmike/pagecache/serializer"
)

// page is the in-memory state of one block: at most one of loading and buf
// is active at a time, the pin count tracks live acquisitions, and the
// snapshot count tracks holders of this exact content (detached snapshot
// acquisitions and pending flush records).
type page struct {
	cp       *currentPage
	buf      []byte
	loading  *Signal
	token    *serializer.BlockToken
	pinCount int
	snapRefs int
	dirty    bool
	deleted  bool

	replIndex int
	priority  int
}

func makeIndexedPage(cp *currentPage, tok *serializer.BlockToken) *page {
	return &page{
		cp:        cp,
		token:     tok,
		replIndex: noReplIndex,
		priority:  defaultEvictionPriority,
	}
}

// makeEmptyPage returns a freshly created block's page: resident, zeroed,
// and dirty.
func makeEmptyPage(c *Cache, cp *currentPage) *page {
	c.repl.makeSpace(1)
	return &page{
		cp:        cp,
		buf:       c.ser.AllocBuf(),
		dirty:     true,
		replIndex: noReplIndex,
		priority:  defaultEvictionPriority,
	}
}

func (pg *page) pin(c *Cache) {
	pg.pinCount += 1
	if pg.replIndex != noReplIndex {
		c.repl.remove(pg)
	}
}

func (pg *page) unpin(c *Cache) {
	if pg.pinCount == 0 {
		panic("pagecache: page unpinned with zero pin count")
	}
	pg.pinCount -= 1
	pg.maybeEnterRepl(c)
}

// maybeEnterRepl makes the page evictable once it is the resident, clean,
// unpinned current content of its slot; a page that is no longer current
// is discarded instead, once nothing observes it.
func (pg *page) maybeEnterRepl(c *Cache) {
	if pg.cp == nil || pg.cp.page != pg {
		pg.maybeDiscard()
		return
	}
	if pg.pinCount > 0 || pg.dirty || pg.deleted || pg.buf == nil || pg.loading != nil ||
		pg.token == nil || pg.replIndex != noReplIndex {
		return
	}
	c.repl.insert(pg)
	c.repl.makeSpace(0)
}

// maybeDiscard drops the buffer and token of a page that was forked away
// from its slot and has no remaining observers.
func (pg *page) maybeDiscard() {
	if pg.pinCount > 0 || pg.snapRefs > 0 {
		return
	}
	pg.buf = nil
	if pg.token != nil {
		pg.token.Release()
		pg.token = nil
	}
}

// ensureLoaded makes the page resident, starting at most one load and
// sharing it with every waiter. Called with the cache locked; may unlock
// while waiting or reading.
func (pg *page) ensureLoaded(c *Cache) {
	for {
		if pg.buf != nil {
			return
		}
		if pg.loading != nil {
			loading := pg.loading
			c.mutex.Unlock()
			loading.Wait()
			c.mutex.Lock()
			continue
		}
		if pg.token == nil {
			panic(fmt.Sprintf("pagecache: block %d has no backing token", pg.blockID()))
		}

		loading := newSignal()
		pg.loading = loading
		c.repl.makeSpace(1)
		tok := pg.token.AddRef()
		c.mutex.Unlock()

		buf := c.ser.AllocBuf()
		err := c.ser.BlockRead(tok, buf)
		tok.Release()

		c.mutex.Lock()
		if err != nil {
			c.fatal(err)
		}
		pg.buf = buf
		pg.loading = nil
		loading.pulse()
		return
	}
}

func (pg *page) blockID() serializer.BlockID {
	if pg.cp == nil {
		return serializer.NullBlockID
	}
	return pg.cp.blockID
}

func (pg *page) safeToUnload() bool {
	return pg.pinCount == 0 && !pg.dirty && pg.loading == nil && pg.buf != nil &&
		pg.token != nil
}

func (pg *page) evictionPriority() int {
	return pg.priority
}

// unload drops the buffer; the page reloads from its token on next use.
func (pg *page) unload() {
	pg.buf = nil
}

func (pg *page) replIdx() int {
	return pg.replIndex
}

func (pg *page) setReplIdx(idx int) {
	pg.replIndex = idx
}
