package compose

import "container/list"

// TemplateHandle is a reusable handle to a source page that has already
// been imported into the output document as a form object (gofpdi's
// template id). Cached by source page index so a page referenced more than
// once within a sheet build is only imported once.
type TemplateHandle struct {
	TemplateID int
	Width      float64
	Height     float64
}

type templateCacheEntry struct {
	pageIndex int
	handle    TemplateHandle
}

// TemplateCache is a bounded LRU cache of imported-page handles, capacity
// 1000 entries. Eviction drops the least-recently-used entry; release is a
// no-op hook invoked on eviction in case a future handle type holds
// resources that must be explicitly released (gofpdi's own template ids are
// owned by the output document and need no separate release today).
type TemplateCache struct {
	capacity int
	ll       *list.List
	index    map[int]*list.Element

	Hits      int
	Misses    int
	Evictions int
}

// NewTemplateCache constructs a TemplateCache with the given capacity.
func NewTemplateCache(capacity int) *TemplateCache {
	return &TemplateCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[int]*list.Element, capacity),
	}
}

// Get returns the cached handle for pageIndex and marks it most-recently-used.
func (c *TemplateCache) Get(pageIndex int) (TemplateHandle, bool) {
	el, ok := c.index[pageIndex]
	if !ok {
		c.Misses++
		return TemplateHandle{}, false
	}
	c.Hits++
	c.ll.MoveToFront(el)
	return el.Value.(*templateCacheEntry).handle, true
}

// Put inserts or updates the handle for pageIndex, evicting the
// least-recently-used entry if the cache is at capacity.
func (c *TemplateCache) Put(pageIndex int, handle TemplateHandle) {
	if el, ok := c.index[pageIndex]; ok {
		el.Value.(*templateCacheEntry).handle = handle
		c.ll.MoveToFront(el)
		return
	}

	entry := &templateCacheEntry{pageIndex: pageIndex, handle: handle}
	el := c.ll.PushFront(entry)
	c.index[pageIndex] = el

	if c.ll.Len() > c.capacity {
		c.evictOldest()
	}
}

func (c *TemplateCache) evictOldest() {
	oldest := c.ll.Back()
	if oldest == nil {
		return
	}
	c.ll.Remove(oldest)
	delete(c.index, oldest.Value.(*templateCacheEntry).pageIndex)
	c.Evictions++
}

// Len reports the number of entries currently cached.
func (c *TemplateCache) Len() int {
	return c.ll.Len()
}

// HitRatio reports Hits/(Hits+Misses), or 0 if nothing has been looked up yet.
func (c *TemplateCache) HitRatio() float64 {
	total := c.Hits + c.Misses
	if total == 0 {
		return 0
	}
	return float64(c.Hits) / float64(total)
}
