package pagecache

import (
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	noReplIndex = -1

	// defaultEvictionPriority is the priority of demand-loaded and forked
	// pages; the original never set a distinct priority for snapshot pages.
	defaultEvictionPriority = 100

	// DefaultPageReplNumTries is how many pages one eviction round samples.
	DefaultPageReplNumTries = 10

	pressureLogInterval = time.Minute
)

// evictable is the capability the evictor needs from a page: whether it can
// be unloaded right now, how eager the evictor should be to pick it, and
// its self-stored index for O(1) removal from the sampling array.
type evictable interface {
	safeToUnload() bool
	evictionPriority() int
	unload()
	replIdx() int
	setReplIdx(idx int)
}

// pageRepl implements random replacement: a dense unordered array of
// evictable pages sampled uniformly under memory pressure.
type pageRepl struct {
	array           []evictable
	unloadThreshold int
	numTries        int
	rand            *rand.Rand
	stats           *Stats
	lastWarn        time.Time
}

func makePageRepl(unloadThreshold, numTries int, stats *Stats) *pageRepl {
	if numTries <= 0 {
		numTries = DefaultPageReplNumTries
	}
	return &pageRepl{
		unloadThreshold: unloadThreshold,
		numTries:        numTries,
		rand:            rand.New(rand.NewSource(time.Now().UnixNano())),
		stats:           stats,
	}
}

func (pr *pageRepl) size() int {
	return len(pr.array)
}

func (pr *pageRepl) insert(e evictable) {
	if e.replIdx() != noReplIndex {
		panic("pagecache: page already in page repl")
	}
	e.setReplIdx(len(pr.array))
	pr.array = append(pr.array, e)
}

func (pr *pageRepl) remove(e evictable) {
	idx := e.replIdx()
	if idx < 0 || idx >= len(pr.array) {
		panic("pagecache: page not in page repl")
	}
	last := pr.array[len(pr.array)-1]
	last.setReplIdx(idx)
	pr.array[idx] = last
	pr.array = pr.array[:len(pr.array)-1]
	e.setReplIdx(noReplIndex)
}

func (pr *pageRepl) isFull(spaceNeeded int) bool {
	return len(pr.array)+spaceNeeded > pr.unloadThreshold
}

// makeSpace unloads sampled pages until the number of evictable resident
// pages is at least spaceNeeded below the memory limit. If no sampled page
// is safe to unload, the cache runs over budget; that is a soft condition.
func (pr *pageRepl) makeSpace(spaceNeeded int) {
	target := 0
	if spaceNeeded <= pr.unloadThreshold {
		target = pr.unloadThreshold - spaceNeeded
	}

	for len(pr.array) > target {
		var victim evictable
		for tries := pr.numTries; tries > 0; tries -= 1 {
			e := pr.array[pr.rand.Intn(len(pr.array))]
			if !e.safeToUnload() {
				continue
			}
			if victim == nil || victim.evictionPriority() < e.evictionPriority() {
				victim = e
			}
		}

		if victim == nil {
			if time.Since(pr.lastWarn) > pressureLogInterval {
				pr.lastWarn = time.Now()
				log.WithFields(log.Fields{
					"resident": len(pr.array),
					"target":   target,
				}).Warn("pagecache: exceeding memory target")
			}
			break
		}

		pr.remove(victim)
		victim.unload()
		if pr.stats != nil {
			pr.stats.BlocksEvicted += 1
		}
	}
}
