package utils

import (
	"container/list"
	"sync"
)

// An item in the LRU cache.
type LRUItem interface {
	Path() string
	Size() int64
}

// EvictFunc is called when an item is evicted from the cache.
type EvictFunc[E LRUItem] func(item E)

// LRU is a size-bounded LRU cache of files.
type LRU[E LRUItem] struct {
	mu sync.Mutex

	// The maximum size of the cache in bytes. Zero means unbounded.
	maxSize int64

	// Current size of the cache.
	currentSize int64

	// Doubly-linked list of items, most recently used in front.
	cacheList *list.List

	// Map to access any item in constant time.
	cacheMap map[string]*list.Element

	// Function to call when an item is evicted.
	onEvict EvictFunc[E]
}

// Creates a new LRU cache.
func NewLRU[E LRUItem](maxSize int64, onEvict EvictFunc[E]) *LRU[E] {
	return &LRU[E]{
		maxSize:   maxSize,
		cacheList: list.New(),
		cacheMap:  make(map[string]*list.Element),
		onEvict:   onEvict,
	}
}

// Add a new item to the cache.
func (lru *LRU[E]) Add(item E) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	// If the item is already in the cache, move it to the front.
	if ee, ok := lru.cacheMap[item.Path()]; ok {
		lru.currentSize += item.Size() - ee.Value.(E).Size()
		lru.cacheList.MoveToFront(ee)
		ee.Value = item
	} else {
		ele := lru.cacheList.PushFront(item)
		lru.cacheMap[item.Path()] = ele
		lru.currentSize += item.Size()
	}

	if lru.maxSize <= 0 {
		return
	}

	for lru.currentSize > lru.maxSize {
		lru.removeOldest()
	}
}

// Get an item from the cache.
func (lru *LRU[E]) Get(path string) (item E, ok bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if ele, hit := lru.cacheMap[path]; hit {
		lru.cacheList.MoveToFront(ele)
		return ele.Value.(E), true
	}
	return
}

// The current total size of the cache in bytes.
func (lru *LRU[E]) Size() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.currentSize
}

// The number of items in the cache.
func (lru *LRU[E]) Count() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.cacheList.Len()
}

func (lru *LRU[E]) removeOldest() {
	ele := lru.cacheList.Back()
	if ele == nil {
		return
	}

	lru.removeElement(ele)

	if lru.onEvict != nil {
		lru.onEvict(ele.Value.(E))
	}
}

func (lru *LRU[E]) removeElement(e *list.Element) {
	lru.cacheList.Remove(e)
	kv := e.Value.(E)
	delete(lru.cacheMap, kv.Path())
	lru.currentSize -= kv.Size()
}

func (lru *LRU[E]) Remove(path string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if ele, hit := lru.cacheMap[path]; hit {
		lru.removeElement(ele)
	}
}
