package cache

import (
	"container/list"
	"sync"
)

type LRUOpts struct {
	// Size bounds the number of entries; 128 when unset.
	Size int
	// OnEvict, if set, runs for every entry pushed out by capacity.
	OnEvict func(key string, val any)
}

type entry struct {
	key string
	val any
}

// LRU is an in-memory least-recently-used cache, safe for concurrent use.
type LRU struct {
	mu      sync.Mutex
	ll      *list.List
	index   map[string]*list.Element
	size    int
	onEvict func(key string, val any)
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}
	return &LRU{
		ll:      list.New(),
		index:   make(map[string]*list.Element),
		size:    opts.Size,
		onEvict: opts.OnEvict,
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ele, ok := l.index[key]
	if !ok {
		return nil, false
	}
	l.ll.MoveToFront(ele)
	return ele.Value.(*entry).val, true
}

func (l *LRU) Put(key string, val any) {
	l.mu.Lock()

	if ele, ok := l.index[key]; ok {
		l.ll.MoveToFront(ele)
		ele.Value.(*entry).val = val
		l.mu.Unlock()
		return
	}

	l.index[key] = l.ll.PushFront(&entry{key: key, val: val})

	var evicted *entry
	if l.ll.Len() > l.size {
		if last := l.ll.Back(); last != nil {
			l.ll.Remove(last)
			evicted = last.Value.(*entry)
			delete(l.index, evicted.key)
		}
	}
	l.mu.Unlock()

	// Callback outside the lock; it may touch the cache again.
	if evicted != nil && l.onEvict != nil {
		l.onEvict(evicted.key, evicted.val)
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ele, ok := l.index[key]; ok {
		l.ll.Remove(ele)
		delete(l.index, key)
	}
}

func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ll.Len()
}

var _ Cache = (*LRU)(nil)
