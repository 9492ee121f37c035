package ingestion

import (
	"container/list"
	"sync"
)

// Deduplicator remembers the most recently seen keys in a bounded LRU.
// JetStream redelivers after a missed ack, so the same feed message can
// arrive more than once.
type Deduplicator struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewDeduplicator(capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = 1
	}
	return &Deduplicator{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Seen reports whether key was recorded before and records it otherwise.
func (d *Deduplicator) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if elem, ok := d.cache[key]; ok {
		d.lruList.MoveToFront(elem)
		return true
	}
	d.cache[key] = d.lruList.PushFront(key)
	if d.lruList.Len() > d.capacity {
		d.evictOldest()
	}
	return false
}

// Warm loads keys without reporting duplicates, oldest first.
func (d *Deduplicator) Warm(keys []string) {
	for _, k := range keys {
		d.Seen(k)
	}
}

func (d *Deduplicator) evictOldest() {
	elem := d.lruList.Back()
	if elem == nil {
		return
	}
	d.lruList.Remove(elem)
	delete(d.cache, elem.Value.(string))
	d.evictions++
}

func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lruList.Len()
}

func (d *Deduplicator) Evictions() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evictions
}
