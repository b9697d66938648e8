// Package cache holds decoded frames so short clips loop without re-reading
// and re-decoding PNGs from the SD card every pass.
package cache

import (
	"container/list"
	"image"
	"sync"
)

// FrameCache is a thread-safe LRU cache of decoded frames, bounded both by
// entry count and by an approximate pixel-byte budget.
type FrameCache struct {
	capacity int
	size     int64
	maxSize  int64 // budget in bytes
	items    map[string]*list.Element
	order    *list.List
	mu       sync.RWMutex
}

type frameEntry struct {
	key  string
	img  image.Image
	cost int64
}

// frameCost approximates the in-memory size of a decoded frame.
func frameCost(img image.Image) int64 {
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

func NewFrameCache(capacity int, maxSizeBytes int64) *FrameCache {
	return &FrameCache{
		capacity: capacity,
		maxSize:  maxSizeBytes,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *FrameCache) Get(key string) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*frameEntry).img, true
	}
	return nil, false
}

func (c *FrameCache) Set(key string, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cost := frameCost(img)
	if cost > c.maxSize {
		return
	}

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*frameEntry)
		c.size += cost - entry.cost
		entry.img = img
		entry.cost = cost
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.capacity || (c.size+cost > c.maxSize && c.order.Len() > 0) {
		c.evictOldest()
	}

	entry := &frameEntry{key: key, img: img, cost: cost}
	c.items[key] = c.order.PushFront(entry)
	c.size += cost
}

// InvalidatePrefix drops every entry whose key starts with prefix. Used when
// a video's store is deleted or replaced.
func (c *FrameCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.items {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.removeElement(elem)
		}
	}
}

func (c *FrameCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
}

func (c *FrameCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

func (c *FrameCache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

func (c *FrameCache) evictOldest() {
	if elem := c.order.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *FrameCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*frameEntry)
	c.order.Remove(elem)
	delete(c.items, entry.key)
	c.size -= entry.cost
}
