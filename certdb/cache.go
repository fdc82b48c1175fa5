// Package certdb resolves TLS server certificates by hostname from a
// certificate store. Lookups that miss the in-memory cache are coalesced per
// (name, selector) and answered asynchronously through a Completion.
package certdb

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/account-login/ctxlog"
	"github.com/account-login/tlsterm/event"
	"github.com/pkg/errors"
)

type Config struct {
	TTL           time.Duration // entry lifetime, refreshed on every hit
	Sweep         time.Duration
	NamesInterval time.Duration // mirror catch-up period
	QueryTimeout  time.Duration
	WrapKeys      WrapKeys
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
	if c.Sweep <= 0 {
		c.Sweep = time.Minute
	}
	if c.NamesInterval <= 0 {
		c.NamesInterval = 5 * time.Minute
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	return c
}

type entryKey struct {
	name     string
	selector string
}

type entry struct {
	cert    *tls.Certificate
	keys    []entryKey // primary first, then alternative name shadows
	expires time.Time
}

type request struct {
	handle     Handle
	completion *Completion
}

type query struct {
	key      entryKey
	requests map[Handle]*request
	started  bool
}

type handshake struct {
	status Status
	cert   *tls.Certificate
	q      *query // while in progress
}

type Cache struct {
	cfg     Config
	store   Store
	names   *NameCache
	loop    *event.Loop
	metrics *Metrics
	now     func() time.Time

	nextHandle atomic.Uint64
	wake       chan struct{}

	mu         sync.Mutex
	entries    map[entryKey]*entry
	handshakes map[Handle]*handshake
	queries    map[entryKey]*query
	pending    []entryKey
}

// NewCache creates a cache. Completions are invoked on loop; metrics may be
// nil.
func NewCache(cfg Config, store Store, names *NameCache, loop *event.Loop, metrics *Metrics) *Cache {
	return &Cache{
		cfg:        cfg.withDefaults(),
		store:      store,
		names:      names,
		loop:       loop,
		metrics:    metrics,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		entries:    map[entryKey]*entry{},
		handshakes: map[Handle]*handshake{},
		queries:    map[entryKey]*query{},
	}
}

func (c *Cache) Names() *NameCache {
	return c.names
}

func (c *Cache) NewHandle() Handle {
	return Handle(c.nextHandle.Add(1))
}

func (c *Cache) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Cache) lookupLocked(name, selector string) *entry {
	e := c.entries[entryKey{name, selector}]
	if e == nil {
		if wild := WildcardOf(name); wild != "" {
			e = c.entries[entryKey{wild, selector}]
		}
	}
	if e != nil {
		e.expires = c.now().Add(c.cfg.TTL)
	}
	return e
}

func (c *Cache) mightExist(name string) bool {
	if c.names == nil || c.names.MightExist(name) {
		return true
	}
	wild := WildcardOf(name)
	return wild != "" && c.names.MightExist(wild)
}

// Resolve answers the certificate for a handshake. On StatusInProgress the
// completion is invoked on the loop once the answer is known, after which
// Resolve with the same handle returns it.
func (c *Cache) Resolve(h Handle, name, selector string, completion *Completion) (Status, *tls.Certificate) {
	name = NormalizeName(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	hs := c.handshakes[h]
	if hs != nil && hs.status != StatusNone {
		return hs.status, hs.cert
	}
	if hs == nil {
		hs = &handshake{}
		c.handshakes[h] = hs
	}

	if e := c.lookupLocked(name, selector); e != nil {
		c.metrics.hit()
		hs.status, hs.cert = StatusComplete, e.cert
		return hs.status, hs.cert
	}
	c.metrics.miss()

	if name == "" || !c.mightExist(name) {
		c.metrics.absent()
		hs.status = StatusNotFound
		return hs.status, nil
	}

	key := entryKey{name, selector}
	q := c.queries[key]
	if q == nil {
		q = &query{key: key, requests: map[Handle]*request{}}
		c.queries[key] = q
		c.pending = append(c.pending, key)
		c.signal()
	}
	q.requests[h] = &request{handle: h, completion: completion}
	hs.status, hs.q = StatusInProgress, q
	return hs.status, nil
}

func (c *Cache) cancelLocked(h Handle) *handshake {
	hs := c.handshakes[h]
	if hs == nil || hs.q == nil {
		return hs
	}

	q := hs.q
	hs.q = nil
	hs.status = StatusNone
	if r := q.requests[h]; r != nil {
		if r.completion != nil {
			r.completion.Cancel()
		}
		delete(q.requests, h)
	}
	// abandoned before the round trip started
	if len(q.requests) == 0 && !q.started && c.queries[q.key] == q {
		delete(c.queries, q.key)
	}
	return hs
}

// Cancel withdraws an in-progress request; its completion is never invoked.
func (c *Cache) Cancel(h Handle) {
	c.mu.Lock()
	c.cancelLocked(h)
	c.mu.Unlock()
}

// Release cancels and forgets the handshake.
func (c *Cache) Release(h Handle) {
	c.mu.Lock()
	c.cancelLocked(h)
	delete(c.handshakes, h)
	c.mu.Unlock()
}

func (c *Cache) State(h Handle) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hs := c.handshakes[h]; hs != nil {
		return hs.status
	}
	return StatusNone
}

func (c *Cache) removeLocked(e *entry) {
	for _, k := range e.keys {
		if c.entries[k] == e {
			delete(c.entries, k)
		}
	}
}

// Put caches cert under every name, the first being the primary.
func (c *Cache) Put(names []string, selector string, cert *tls.Certificate) {
	c.mu.Lock()
	c.putLocked(names, selector, cert)
	c.metrics.setEntries(len(c.entries))
	c.mu.Unlock()
}

func (c *Cache) putLocked(names []string, selector string, cert *tls.Certificate) {
	e := &entry{cert: cert, expires: c.now().Add(c.cfg.TTL)}
	for _, name := range names {
		k := entryKey{NormalizeName(name), selector}
		if old := c.entries[k]; old != nil && old != e {
			c.removeLocked(old)
		}
		c.entries[k] = e
		e.keys = append(e.keys, k)
	}
}

// Invalidate drops every entry reachable from name, together with all
// alternative name shadows of the same certificates.
func (c *Cache) Invalidate(name string) int {
	name = NormalizeName(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*entry
	for k, e := range c.entries {
		if k.name == name {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		c.removeLocked(e)
	}
	c.metrics.setEntries(len(c.entries))
	return len(victims)
}

func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = map[entryKey]*entry{}
	c.metrics.setEntries(0)
	c.mu.Unlock()
}

// Expire sweeps entries not hit within their lifetime.
func (c *Cache) Expire() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*entry
	for _, e := range c.entries {
		if !e.expires.After(now) {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		c.removeLocked(e)
	}
	c.metrics.setEntries(len(c.entries))
	return len(victims)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PendingQueries counts queries not yet answered.
func (c *Cache) PendingQueries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

func (c *Cache) nextQuery() *query {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.pending) > 0 {
		key := c.pending[0]
		c.pending = c.pending[1:]

		q := c.queries[key]
		if q == nil || q.started {
			continue
		}
		if len(q.requests) == 0 {
			delete(c.queries, key)
			continue
		}
		q.started = true
		return q
	}
	c.pending = nil
	return nil
}

func (c *Cache) fetch(ctx context.Context, key entryKey) (*Record, error) {
	rec, err := c.store.Find(ctx, key.name, key.selector)
	if errors.Cause(err) == ErrNotFound {
		if wild := WildcardOf(key.name); wild != "" {
			rec, err = c.store.Find(ctx, wild, key.selector)
		}
	}
	return rec, err
}

func (c *Cache) runQuery(ctx context.Context, q *query) {
	qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	rec, err := c.fetch(qctx, q.key)
	cancel()

	var cert *tls.Certificate
	status := StatusComplete
	if err == nil {
		if cert, err = rec.Certificate(c.cfg.WrapKeys); err != nil {
			ctxlog.Errorf(ctx, "decode certificate for %s: %v", q.key.name, err)
			status = StatusError
		}
	} else if errors.Cause(err) == ErrNotFound {
		ctxlog.Debugf(ctx, "no certificate for %s [%s]", q.key.name, q.key.selector)
		status = StatusNotFound
	} else {
		ctxlog.Errorf(ctx, "query certificate for %s: %v", q.key.name, err)
		status = StatusError
	}
	c.metrics.query(status == StatusError)

	c.mu.Lock()
	if cert != nil {
		c.putLocked(rec.Names, q.key.selector, cert)
		c.metrics.setEntries(len(c.entries))
	}
	if c.queries[q.key] == q {
		delete(c.queries, q.key)
	}

	var fire []*Completion
	for h, r := range q.requests {
		if hs := c.handshakes[h]; hs != nil && hs.q == q {
			hs.status, hs.cert, hs.q = status, cert, nil
		}
		if r.completion != nil {
			fire = append(fire, r.completion)
		}
	}
	q.requests = nil
	c.mu.Unlock()

	if status == StatusNotFound {
		c.metrics.absent()
	}
	if len(fire) > 0 {
		c.loop.Post(func() {
			for _, comp := range fire {
				comp.Invoke()
			}
		})
	}
}

// Drain runs every pending query on the calling goroutine.
func (c *Cache) Drain(ctx context.Context) {
	for {
		q := c.nextQuery()
		if q == nil {
			return
		}
		c.runQuery(ctx, q)
	}
}

// Run is the cache actor: it answers queries one at a time, sweeps expired
// entries, keeps the name mirror current and applies change notifications.
// notes may be nil.
func (c *Cache) Run(ctx context.Context, notes <-chan Notification) error {
	sweep := time.NewTicker(c.cfg.Sweep)
	defer sweep.Stop()
	names := time.NewTicker(c.cfg.NamesInterval)
	defer names.Stop()

	c.catchUp(ctx)
	for {
		select {
		case <-ctx.Done():
			c.abort()
			return ctx.Err()
		case <-c.wake:
			c.Drain(ctx)
		case <-sweep.C:
			if n := c.Expire(); n > 0 {
				ctxlog.Debugf(ctx, "expired %v cache entries", n)
			}
		case <-names.C:
			c.catchUp(ctx)
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			c.apply(ctx, n)
		}
	}
}

func (c *Cache) catchUp(ctx context.Context) {
	if c.names == nil {
		return
	}
	qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()
	if err := c.names.CatchUp(qctx, c.store); err != nil {
		ctxlog.Errorf(ctx, "%v", err)
	}
}

func (c *Cache) apply(ctx context.Context, n Notification) {
	if n.Resync {
		ctxlog.Infof(ctx, "resync after notification gap")
		c.InvalidateAll()
	} else {
		ctxlog.Debugf(ctx, "%s: %s", n.Channel, n.Name)
		c.Invalidate(n.Name)
	}
	c.catchUp(ctx)
}

// abort fails every waiting request on shutdown.
func (c *Cache) abort() {
	c.mu.Lock()
	var fire []*Completion
	for key, q := range c.queries {
		for h, r := range q.requests {
			if hs := c.handshakes[h]; hs != nil && hs.q == q {
				hs.status, hs.q = StatusError, nil
			}
			if r.completion != nil {
				fire = append(fire, r.completion)
			}
		}
		delete(c.queries, key)
	}
	c.pending = nil
	c.mu.Unlock()

	if len(fire) > 0 {
		c.loop.Post(func() {
			for _, comp := range fire {
				comp.Invoke()
			}
		})
	}
}
