package pagecache

import (
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/pagecache/serializer"
)

// flushOp is one block's outcome within a flush group: the final content
// written for it, or its deletion.
type flushOp struct {
	blockID serializer.BlockID
	page    *page
	deleted bool
	recency serializer.Recency
}

// tryFlush forms and starts a flush group seeded by txn, if txn is
// eligible: committed, not already flushing, and every transitive unflushed
// preceder committed. Called with the cache locked.
func (c *Cache) tryFlush(txn *Transaction) {
	group := c.collectGroup(txn)
	if group == nil {
		return
	}
	c.startFlush(group)
}

func (c *Cache) collectGroup(txn *Transaction) []*Transaction {
	members := map[*Transaction]struct{}{}
	stack := []*Transaction{txn}
	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := members[t]; ok {
			continue
		}
		if !t.committed || t.flushing {
			return nil
		}
		members[t] = struct{}{}
		for p := range t.preceders {
			if !p.flushed {
				stack = append(stack, p)
			}
		}
	}

	// Pull in ready succeeders whose remaining preceders are all in the
	// group, so one batch covers as much of the DAG as is ready.
	for changed := true; changed; {
		changed = false
		for t := range members {
			for _, s := range t.succeeders {
				if _, ok := members[s]; ok || !s.committed || s.flushing || s.flushed {
					continue
				}
				ready := true
				for p := range s.preceders {
					if p.flushed {
						continue
					}
					if _, ok := members[p]; !ok {
						ready = false
						break
					}
				}
				if ready {
					members[s] = struct{}{}
					changed = true
				}
			}
		}
	}

	return topoSort(members)
}

// topoSort orders the group so that every preceder comes before its
// succeeders; within a group, the last write for a block id wins.
func topoSort(members map[*Transaction]struct{}) []*Transaction {
	indegree := map[*Transaction]int{}
	for t := range members {
		for p := range t.preceders {
			if _, ok := members[p]; ok {
				indegree[t] += 1
			}
		}
	}

	var queue []*Transaction
	for t := range members {
		if indegree[t] == 0 {
			queue = append(queue, t)
		}
	}

	group := make([]*Transaction, 0, len(members))
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		group = append(group, t)
		for _, s := range t.succeeders {
			if _, ok := members[s]; !ok {
				continue
			}
			indegree[s] -= 1
			if indegree[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	if len(group) != len(members) {
		panic("pagecache: cycle in transaction graph")
	}
	return group
}

func (c *Cache) startFlush(group []*Transaction) {
	for _, t := range group {
		t.flushing = true
	}

	seen := map[serializer.BlockID]int{}
	var ops []flushOp
	for _, t := range group {
		for _, d := range t.dirtied {
			if idx, ok := seen[d.blockID]; ok {
				ops[idx].page = d.page
				ops[idx].deleted = d.deleted
			} else {
				seen[d.blockID] = len(ops)
				ops = append(ops, flushOp{
					blockID: d.blockID,
					page:    d.page,
					deleted: d.deleted,
				})
			}
		}
	}

	var writes []serializer.BufWriteInfo
	for i := range ops {
		if ops[i].deleted {
			continue
		}
		c.recency += 1
		ops[i].recency = serializer.Recency(c.recency)
		if ops[i].page.buf == nil {
			panic("pagecache: flushing non-resident page")
		}
		writes = append(writes, serializer.BufWriteInfo{
			BlockID: ops[i].blockID,
			Buf:     ops[i].page.buf,
		})
	}

	log.WithFields(log.Fields{
		"transactions": len(group),
		"blocks":       len(ops),
	}).Debug("pagecache: flushing group")

	go c.flushGroup(group, ops, writes)
}

// flushGroup runs off the cache lock: one block write batch, then one
// atomic index write batch.
func (c *Cache) flushGroup(group []*Transaction, ops []flushOp, writes []serializer.BufWriteInfo) {
	var toks []*serializer.BlockToken
	var err error
	if len(writes) > 0 {
		toks, err = c.ser.BlockWrites(writes)
		if err != nil {
			c.fatal(err)
		}
	}

	iops := make([]serializer.IndexWriteOp, 0, len(ops))
	ti := 0
	for _, op := range ops {
		if op.deleted {
			iops = append(iops, serializer.IndexWriteOp{
				BlockID: op.blockID,
				Delete:  true,
			})
		} else {
			iops = append(iops, serializer.IndexWriteOp{
				BlockID: op.blockID,
				Token:   toks[ti],
				Recency: op.recency,
			})
			ti += 1
		}
	}
	if len(iops) > 0 {
		err = c.ser.IndexWrite(iops)
		if err != nil {
			c.fatal(err)
		}
	}

	c.mutex.Lock()
	c.finishFlush(group, ops, toks)
	c.mutex.Unlock()
}

// finishFlush installs the new tokens, releases the group's snapshot
// references, and wakes succeeders and drainers. Called with the cache
// locked.
func (c *Cache) finishFlush(group []*Transaction, ops []flushOp, toks []*serializer.BlockToken) {
	ti := 0
	for _, op := range ops {
		if op.deleted {
			continue
		}
		pg := op.page
		old := pg.token
		pg.token = toks[ti]
		ti += 1
		pg.dirty = false
		if old != nil {
			old.Release()
		}
	}

	for _, t := range group {
		for _, d := range t.dirtied {
			if d.deleted {
				continue
			}
			d.page.snapRefs -= 1
			d.page.maybeEnterRepl(c)
		}
		t.dirtied = nil
		t.flushing = false
		t.flushed = true
		delete(c.pending, t)
	}

	var retry []*Transaction
	for _, t := range group {
		for _, s := range t.succeeders {
			delete(s.preceders, t)
			if s.committed && !s.flushing && !s.flushed {
				retry = append(retry, s)
			}
		}
		t.succeeders = nil
	}

	for _, op := range ops {
		if op.deleted {
			if cp, ok := c.slots[op.blockID]; ok {
				c.maybeReapSlot(cp)
			}
		}
	}

	for _, s := range retry {
		if !s.flushing && !s.flushed {
			c.tryFlush(s)
		}
	}
	c.flushCond.Broadcast()
}
