// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plan

import (
	"container/list"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// DefaultMaxCacheSize is the default number of plans kept per node.
const DefaultMaxCacheSize = 10

// Cache of plans keyed by signature, evicting the least recently used one when full.
// Evicted plans are finalized.
//
// It's owned by one node and is not safe for concurrent use.
type Cache struct {
	maxSize int
	entries map[string]*list.Element
	lru     *list.List // Of *Plan, most recently used first.
}

// NewCache returns a cache for at most maxSize plans. -1 means unlimited.
func NewCache(maxSize int) *Cache {
	c := &Cache{entries: make(map[string]*list.Element), lru: list.New()}
	c.SetMaxSize(maxSize)
	return c
}

// MaxSize returns the maximum number of plans kept, -1 if unlimited.
func (c *Cache) MaxSize() int { return c.maxSize }

// SetMaxSize changes the maximum number of plans kept, evicting plans if needed.
// It panics if maxSize is 0 or smaller than -1: the current plan of a node is always cached.
func (c *Cache) SetMaxSize(maxSize int) {
	if maxSize == 0 || maxSize < -1 {
		exceptions.Panicf("plan.Cache: invalid max size %d, it must be >= 1, or -1 for unlimited", maxSize)
	}
	c.maxSize = maxSize
	c.evict()
}

// Len returns the number of cached plans.
func (c *Cache) Len() int { return c.lru.Len() }

// Get returns the plan for the signature and marks it as most recently used.
func (c *Cache) Get(signature string) (*Plan, bool) {
	elem, found := c.entries[signature]
	if !found {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*Plan), true
}

// Put adds the plan as the most recently used, replacing (and finalizing) any plan with the same signature.
func (c *Cache) Put(p *Plan) {
	if elem, found := c.entries[p.Signature]; found {
		old := elem.Value.(*Plan)
		if old != p {
			old.Finalize()
		}
		elem.Value = p
		c.lru.MoveToFront(elem)
		return
	}
	c.entries[p.Signature] = c.lru.PushFront(p)
	c.evict()
}

func (c *Cache) evict() {
	if c.maxSize < 0 {
		return
	}
	for c.lru.Len() > c.maxSize {
		elem := c.lru.Back()
		p := elem.Value.(*Plan)
		c.lru.Remove(elem)
		delete(c.entries, p.Signature)
		if klog.V(2).Enabled() {
			klog.Infof("plan cache: evicting %s", p)
		}
		p.Finalize()
	}
}

// Purge finalizes and removes all plans.
func (c *Cache) Purge() {
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		elem.Value.(*Plan).Finalize()
	}
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Signatures returns the signatures of the cached plans, most recently used first.
func (c *Cache) Signatures() []string {
	signatures := make([]string, 0, c.lru.Len())
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		signatures = append(signatures, elem.Value.(*Plan).Signature)
	}
	return signatures
}
