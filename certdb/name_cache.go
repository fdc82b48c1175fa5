package certdb

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NameCache mirrors the set of names present in the store. Until the first
// full load it answers "might exist" for everything.
type NameCache struct {
	mu       sync.Mutex
	complete bool
	names    map[string]int // refcount over certificates
	byID     map[int64][]string
	latest   time.Time
}

func NewNameCache() *NameCache {
	return &NameCache{
		names: map[string]int{},
		byID:  map[int64][]string{},
	}
}

// MightExist is false only when the mirror is loaded and lacks name.
func (c *NameCache) MightExist(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.complete || c.names[name] > 0
}

func (c *NameCache) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

func (c *NameCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.names)
}

func (c *NameCache) removeLocked(id int64) {
	for _, name := range c.byID[id] {
		if c.names[name]--; c.names[name] <= 0 {
			delete(c.names, name)
		}
	}
	delete(c.byID, id)
}

// Apply replaces the names of each record, dropping deleted ones.
func (c *NameCache) Apply(recs []NameRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range recs {
		c.removeLocked(r.ID)
		if !r.Deleted {
			names := make([]string, 0, len(r.Names))
			for _, name := range r.Names {
				name = NormalizeName(name)
				c.names[name]++
				names = append(names, name)
			}
			c.byID[r.ID] = names
		}
		if r.Modified.After(c.latest) {
			c.latest = r.Modified
		}
	}
}

// Load performs the full load and marks the mirror complete.
func (c *NameCache) Load(ctx context.Context, store Store) error {
	recs, err := store.Names(ctx, time.Time{})
	if err != nil {
		return errors.Wrap(err, "load names")
	}

	c.mu.Lock()
	c.names = map[string]int{}
	c.byID = map[int64][]string{}
	c.latest = time.Time{}
	c.mu.Unlock()

	c.Apply(recs)

	c.mu.Lock()
	c.complete = true
	c.mu.Unlock()
	return nil
}

// CatchUp applies changes made since the newest modification seen. Before the
// first full load it performs one.
func (c *NameCache) CatchUp(ctx context.Context, store Store) error {
	c.mu.Lock()
	complete, since := c.complete, c.latest
	c.mu.Unlock()
	if !complete {
		return c.Load(ctx, store)
	}

	recs, err := store.Names(ctx, since)
	if err != nil {
		return errors.Wrap(err, "catch up names")
	}
	c.Apply(recs)
	return nil
}
