package resource

import (
	"container/list"

	"github.com/fortiblox/gfx-replay/internal/logging"
	"github.com/fortiblox/gfx-replay/internal/types"
)

// MemCache is a capacity-bounded in-memory LRU cache layered over a
// fallback provider. Its capacity is derived once from the unused tail of
// volatile memory and is not revisited mid-session.
type MemCache struct {
	capacity uint64
	used     uint64
	entries  map[types.ResourceID]*list.Element
	order    *list.List // front = most recently used
	fallback Provider
	log      *logging.Logger
}

type memEntry struct {
	id   types.ResourceID
	data []byte
}

// NewMemCache creates an LRU cache with the given byte capacity over the
// fallback provider.
func NewMemCache(capacity uint64, fallback Provider, log *logging.Logger) *MemCache {
	if log == nil {
		log = logging.Default()
	}
	return &MemCache{
		capacity: capacity,
		entries:  make(map[types.ResourceID]*list.Element),
		order:    list.New(),
		fallback: fallback,
		log:      log,
	}
}

// Capacity returns the configured byte capacity.
func (c *MemCache) Capacity() uint64 {
	return c.capacity
}

// Resize sets the byte capacity, evicting least-recently-used entries if
// the cache now holds too much. The replayer sizes the cache to the unused
// volatile tail once the session's memory layout is known.
func (c *MemCache) Resize(capacity uint64) {
	c.capacity = capacity
	for c.used > c.capacity {
		c.evictOldest()
	}
}

// Used returns the bytes currently held.
func (c *MemCache) Used() uint64 {
	return c.used
}

// Get implements Provider. Hits are served without touching the fallback;
// each miss goes to the fallback exactly once and the fetched bytes are
// inserted for later hits.
func (c *MemCache) Get(resources []Resource, conn Fetcher, dst []byte) error {
	if err := checkDestination(resources, dst); err != nil {
		return err
	}
	offset := 0
	for _, res := range resources {
		span := dst[offset : offset+int(res.Size)]
		if data, ok := c.lookup(res.ID); ok {
			copy(span, data)
		} else {
			if err := c.fallback.Get([]Resource{res}, conn, span); err != nil {
				return err
			}
			c.insert(res.ID, span)
		}
		offset += int(res.Size)
	}
	return nil
}

// Prefetch implements Provider. It warms the cache front-to-back until the
// byte budget is exhausted; a failed fetch abandons the warm-up.
func (c *MemCache) Prefetch(resources []Resource, conn Fetcher, budget uint64) {
	var spent uint64
	for _, res := range resources {
		size := uint64(res.Size)
		if spent+size > budget {
			break
		}
		spent += size
		if _, ok := c.lookup(res.ID); ok {
			continue
		}
		buf := make([]byte, res.Size)
		if err := c.fallback.Get([]Resource{res}, conn, buf); err != nil {
			c.log.Warningf("prefetch abandoned at %s: %v", res.ID, err)
			return
		}
		c.insert(res.ID, buf)
	}
}

func (c *MemCache) lookup(id types.ResourceID) ([]byte, bool) {
	el, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*memEntry).data, true
}

// insert stores a copy of data, evicting least-recently-used entries to
// stay within capacity. Payloads larger than the whole cache bypass it.
func (c *MemCache) insert(id types.ResourceID, data []byte) {
	size := uint64(len(data))
	if size > c.capacity {
		return
	}
	if el, ok := c.entries[id]; ok {
		c.order.MoveToFront(el)
		return
	}
	for c.used+size > c.capacity {
		c.evictOldest()
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	el := c.order.PushFront(&memEntry{id: id, data: stored})
	c.entries[id] = el
	c.used += size
}

func (c *MemCache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	entry := el.Value.(*memEntry)
	c.order.Remove(el)
	delete(c.entries, entry.id)
	c.used -= uint64(len(entry.data))
}
