package cache

import (
	"container/list"
	"time"
)

type entry struct {
	key        string
	value      []byte
	compressed bool
	createdAt  time.Time
	expiresAt  time.Time
	size       int64
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// tier is one level of the cache hierarchy. Entries are kept in creation
// order so size enforcement can drop the oldest-created first. Not safe for
// concurrent use; the owning MultiLevelCache serializes access.
type tier struct {
	name     string
	maxBytes int64
	ttl      time.Duration

	order   *list.List // front = oldest created
	index   map[string]*list.Element
	bytes   int64
	evicted int64
}

func newTier(name string, maxBytes int64, ttl time.Duration) *tier {
	return &tier{
		name:     name,
		maxBytes: maxBytes,
		ttl:      ttl,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (t *tier) get(key string) (*entry, bool) {
	el, ok := t.index[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry), true
}

// insert adds or replaces an entry. Returns entries pushed out to keep the
// tier under its byte budget, oldest-created first.
func (t *tier) insert(e *entry) []*entry {
	t.remove(e.key)
	el := t.order.PushBack(e)
	t.index[e.key] = el
	t.bytes += e.size
	return t.enforceBudget()
}

func (t *tier) remove(key string) (*entry, bool) {
	el, ok := t.index[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	t.order.Remove(el)
	delete(t.index, key)
	t.bytes -= e.size
	return e, true
}

// enforceBudget removes oldest-created entries until bytes <= maxBytes.
func (t *tier) enforceBudget() []*entry {
	var out []*entry
	for t.bytes > t.maxBytes {
		front := t.order.Front()
		if front == nil {
			break
		}
		e := front.Value.(*entry)
		t.order.Remove(front)
		delete(t.index, e.key)
		t.bytes -= e.size
		t.evicted++
		out = append(out, e)
	}
	return out
}

// sweep drops all expired entries and reports how many were removed.
func (t *tier) sweep(now time.Time) int {
	removed := 0
	for el := t.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if e.expired(now) {
			t.order.Remove(el)
			delete(t.index, e.key)
			t.bytes -= e.size
			removed++
		}
		el = next
	}
	return removed
}

func (t *tier) len() int { return t.order.Len() }
