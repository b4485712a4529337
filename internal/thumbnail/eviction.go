package thumbnail

import (
	"container/list"
	"sync"
)

// EvictionPolicy decides which cached thumbnails to drop. Implementations
// must be safe for concurrent use.
type EvictionPolicy interface {
	// Added records a new entry and returns the keys that should be evicted.
	Added(k Key, size int) []Key
	Accessed(k Key)
}

// NoEviction keeps every entry for the life of the process.
type NoEviction struct{}

func (NoEviction) Added(Key, int) []Key { return nil }
func (NoEviction) Accessed(Key)         {}

type lruItem struct {
	key  Key
	size int
}

// LRU evicts least recently used entries once the total size exceeds
// maxBytes. The newest entry is kept even when it alone exceeds the budget.
type LRU struct {
	maxBytes int
	mu       sync.Mutex
	used     int
	order    *list.List
	items    map[Key]*list.Element
}

func NewLRU(maxBytes int) *LRU {
	return &LRU{
		maxBytes: maxBytes,
		order:    list.New(),
		items:    make(map[Key]*list.Element),
	}
}

func (l *LRU) Added(k Key, size int) []Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[k]; ok {
		l.used -= el.Value.(*lruItem).size
		l.order.Remove(el)
	}
	l.items[k] = l.order.PushFront(&lruItem{key: k, size: size})
	l.used += size

	var evicted []Key
	for l.used > l.maxBytes && l.order.Len() > 1 {
		el := l.order.Back()
		it := el.Value.(*lruItem)
		l.order.Remove(el)
		delete(l.items, it.key)
		l.used -= it.size
		evicted = append(evicted, it.key)
	}
	return evicted
}

func (l *LRU) Accessed(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[k]; ok {
		l.order.MoveToFront(el)
	}
}

// Used returns the bytes currently accounted for.
func (l *LRU) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}
