// Package mapping — frontcache.go
//
// frontCache is a bounded in-memory S3-FIFO layer sitting in front of the
// sqlite store on the per-entity lookup path. Unlike a write-back cache,
// eviction here never touches sqlite: the database is the source of truth
// and the cache only bounds the hot in-memory footprint.
//
// S3-FIFO ("Simple, Scalable, FIFO-based cache eviction", Yang et al., 2023)
// keeps two FIFO queues plus a bounded ghost set:
//
//   - S (small, ~10% of capacity): probationary queue for new keys.
//   - M (main, ~90%): protected queue. Keys leaving S with at least one
//     access (freq > 0) are promoted here.
//   - G (ghost): circular buffer of keys recently evicted from S. A key
//     found in G on insert bypasses S, giving scan resistance without
//     LRU's per-access reordering.
//
// Per-entry state is a saturating freq counter (max 3), bumped on Get
// hits and reset on promotion.
package mapping

import (
	"container/list"
	"sync"
)

type frontEntry struct {
	value string
	freq  uint8
	elem  *list.Element
	inM   bool
}

type frontCache struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*frontEntry

	sQueue *list.List
	mQueue *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int
}

// newFrontCache builds an S3-FIFO cache holding at most capacity entries.
// Values below 2 are clamped to 2.
func newFrontCache(capacity int) *frontCache {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	return &frontCache{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*frontEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
	}
}

// frontKey joins entity type and original value into one cache key. The
// NUL separator cannot occur in either component's meaningful content.
func frontKey(entityType, original string) string {
	return entityType + "\x00" + original
}

// Get returns the cached fake for key, bumping its freq counter.
func (c *frontCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if e.freq < 3 {
		e.freq++
	}
	return e.value, true
}

// Set inserts or updates key. An existing entry keeps its queue position.
func (c *frontCache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		return
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &frontEntry{value: value, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

// Purge drops all in-memory state. Used after ClearMappings so the cache
// cannot resurrect deleted rows.
func (c *frontCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*frontEntry, c.capacity)
	c.sQueue.Init()
	c.mQueue.Init()
	c.ghostSet = make(map[string]struct{}, c.ghostCap)
	c.ghostHead = 0
	c.ghostCount = 0
}

// Len returns the number of resident entries.
func (c *frontCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *frontCache) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

func (c *frontCache) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.sQueue.Remove(front)

	e, ok := c.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		if c.mQueue.Len() > c.capacity-c.sTarget {
			c.evictFromM()
		}
		return
	}

	delete(c.entries, key)
	c.ghostAdd(key)
}

func (c *frontCache) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.mQueue.Remove(front)
	delete(c.entries, key)
}

func (c *frontCache) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

func (c *frontCache) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
