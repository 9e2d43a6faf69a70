// Package cache remembers, per page and instruction, the action list that
// worked last time so repeat runs skip the model.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/nlflow/internal/action"
	"github.com/polzovatel/nlflow/internal/metrics"
)

const (
	DefaultTTL                 = 7 * 24 * time.Hour
	DefaultMaxSize             = 1000
	DefaultMaxFailures         = 3
	DefaultSimilarityThreshold = 0.85

	evictFraction = 0.2
)

type Options struct {
	TTL                 time.Duration
	MaxSize             int
	MaxFailures         int
	SimilarityThreshold float64
	// Store persists the document. Nil keeps the cache in memory only.
	Store   Store
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = DefaultMaxFailures
	}
	if o.SimilarityThreshold <= 0 || o.SimilarityThreshold > 1 {
		o.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Metrics = metrics.OrNop(o.Metrics)
	return o
}

// Stats are lifetime counters since the cache was opened.
type Stats struct {
	Entries       int `json:"entries"`
	Hits          int `json:"hits"`
	FuzzyHits     int `json:"fuzzyHits"`
	Misses        int `json:"misses"`
	StaleHits     int `json:"staleHits"`
	Invalidations int `json:"invalidations"`
	Expired       int `json:"expired"`
	Evictions     int `json:"evictions"`
}

// Cache is safe for concurrent use by several flow workers.
type Cache struct {
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	entries   map[string]*Entry
	createdAt time.Time
	seq       uint64
	stats     Stats
}

// Open loads the persisted document, if any, and sweeps dead entries. Load
// errors are logged and the cache starts empty.
func Open(ctx context.Context, opts Options) *Cache {
	opts = opts.withDefaults()
	c := &Cache{
		opts:      opts,
		log:       opts.Logger.With().Str("comp", "cache").Logger(),
		metrics:   opts.Metrics,
		entries:   map[string]*Entry{},
		createdAt: opts.Now(),
	}
	c.load(ctx)
	if n := c.Cleanup(ctx); n > 0 {
		c.log.Info().Int("removed", n).Msg("dropped stale entries on load")
	}
	return c
}

func (c *Cache) load(ctx context.Context) {
	if c.opts.Store == nil {
		return
	}
	doc, err := c.opts.Store.Load(ctx)
	if err != nil {
		c.metrics.CacheIOErrors.WithLabelValues("load").Inc()
		c.log.Warn().Err(err).Str("store", c.opts.Store.String()).Msg("cache load failed, starting empty")
		return
	}
	if doc == nil {
		return
	}
	if doc.Version != Version {
		c.log.Warn().Str("found", doc.Version).Str("want", Version).Msg("cache version mismatch, discarding")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !doc.CreatedAt.IsZero() {
		c.createdAt = doc.CreatedAt
	}
	for _, e := range doc.Entries {
		if e == nil {
			continue
		}
		k := e.key()
		c.entries[k] = e
		if e.Seq > c.seq {
			c.seq = e.Seq
		}
	}
	c.metrics.CacheEntries.Set(float64(len(c.entries)))
	c.log.Debug().Int("entries", len(c.entries)).Str("store", c.opts.Store.String()).Msg("cache loaded")
}

// Find returns the entry for the exact key, else the best fuzzy match on the
// same page. The returned entry is a copy.
func (c *Cache) Find(ctx context.Context, pageURL, instruction string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	page := PagePattern(pageURL)
	key := page + keySep + Normalize(instruction)
	dirty := false

	if e, ok := c.entries[key]; ok {
		if c.dead(e, now) {
			c.dropDead(key, e, now)
			dirty = true
		} else {
			c.stats.Hits++
			c.metrics.CacheLookups.WithLabelValues("hit").Inc()
			c.log.Debug().Str("key", key).Msg("cache hit")
			return e.clone(), true
		}
	}

	var (
		best      *Entry
		bestScore float64
	)
	for k, e := range c.entries {
		if e.PagePattern != page {
			continue
		}
		if c.dead(e, now) {
			c.dropDead(k, e, now)
			dirty = true
			continue
		}
		score := Similarity(e.Instruction, instruction)
		if score < c.opts.SimilarityThreshold {
			continue
		}
		if best == nil || better(e, score, best, bestScore) {
			best, bestScore = e, score
		}
	}
	if dirty {
		c.persistLocked(ctx)
	}
	if best != nil {
		c.stats.FuzzyHits++
		c.metrics.CacheLookups.WithLabelValues("fuzzy").Inc()
		c.log.Debug().Str("key", key).Str("matched", best.Instruction).Float64("score", bestScore).Msg("cache fuzzy hit")
		return best.clone(), true
	}
	c.stats.Misses++
	c.metrics.CacheLookups.WithLabelValues("miss").Inc()
	c.log.Debug().Str("key", key).Msg("cache miss")
	return nil, false
}

// better orders fuzzy candidates: higher score, then most recent success,
// then earliest insertion.
func better(e *Entry, score float64, cur *Entry, curScore float64) bool {
	if score != curScore {
		return score > curScore
	}
	if !e.LastSuccessAt.Equal(cur.LastSuccessAt) {
		return e.LastSuccessAt.After(cur.LastSuccessAt)
	}
	return e.Seq < cur.Seq
}

// Set stores actions for the exact key with fresh counters, evicting the
// least recently successful entries first when the cache is full.
func (c *Cache) Set(ctx context.Context, pageURL, instruction string, actions []action.Action, reasoning string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	page := PagePattern(pageURL)
	key := page + keySep + Normalize(instruction)
	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.opts.MaxSize {
			c.evictLocked()
		}
	}
	c.seq++
	c.entries[key] = &Entry{
		PagePattern:   page,
		Instruction:   instruction,
		Actions:       append([]action.Action(nil), actions...),
		Reasoning:     reasoning,
		CreatedAt:     now,
		LastSuccessAt: now,
		Seq:           c.seq,
	}
	c.metrics.CacheEntries.Set(float64(len(c.entries)))
	c.log.Debug().Str("key", key).Int("actions", len(actions)).Msg("cache set")
	c.persistLocked(ctx)
}

func (c *Cache) evictLocked() {
	victims := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		if !victims[i].LastSuccessAt.Equal(victims[j].LastSuccessAt) {
			return victims[i].LastSuccessAt.Before(victims[j].LastSuccessAt)
		}
		return victims[i].Seq < victims[j].Seq
	})
	n := int(float64(len(victims)) * evictFraction)
	if n < 1 {
		n = 1
	}
	for _, e := range victims[:n] {
		delete(c.entries, e.key())
	}
	c.stats.Evictions += n
	c.metrics.CacheRemovals.WithLabelValues("evicted").Add(float64(n))
	c.log.Info().Int("evicted", n).Int("remaining", len(c.entries)).Msg("cache full, evicted oldest entries")
}

// MarkSuccess resets the failure streak of an existing entry.
func (c *Cache) MarkSuccess(ctx context.Context, pageURL, instruction string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[Key(pageURL, instruction)]
	if !ok {
		return
	}
	e.SuccessCount++
	e.ConsecutiveFailures = 0
	e.LastSuccessAt = c.opts.Now()
	c.persistLocked(ctx)
}

// MarkFailure extends the failure streak and deletes the entry once it
// reaches the threshold, reporting whether it did.
func (c *Cache) MarkFailure(ctx context.Context, pageURL, instruction string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := Key(pageURL, instruction)
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.ConsecutiveFailures++
	invalidated := e.ConsecutiveFailures >= c.opts.MaxFailures
	if invalidated {
		delete(c.entries, key)
		c.stats.Invalidations++
		c.metrics.CacheRemovals.WithLabelValues("failures").Inc()
		c.metrics.CacheEntries.Set(float64(len(c.entries)))
		c.log.Info().Str("key", key).Int("failures", e.ConsecutiveFailures).Msg("cache entry invalidated after repeated failures")
	}
	c.persistLocked(ctx)
	return invalidated
}

// Invalidate deletes the entry unconditionally.
func (c *Cache) Invalidate(ctx context.Context, pageURL, instruction string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := Key(pageURL, instruction)
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	c.stats.Invalidations++
	c.metrics.CacheRemovals.WithLabelValues("invalidated").Inc()
	c.metrics.CacheEntries.Set(float64(len(c.entries)))
	c.log.Debug().Str("key", key).Msg("cache entry invalidated")
	c.persistLocked(ctx)
}

// NoteStaleHit records a hit whose plan no longer worked.
func (c *Cache) NoteStaleHit() {
	c.mu.Lock()
	c.stats.StaleHits++
	c.mu.Unlock()
	c.metrics.CacheStaleHits.Inc()
}

// Cleanup deletes expired and over-threshold entries and returns how many
// it removed.
func (c *Cache) Cleanup(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	removed := 0
	for k, e := range c.entries {
		if c.dead(e, now) {
			c.dropDead(k, e, now)
			removed++
		}
	}
	if removed > 0 {
		c.persistLocked(ctx)
	}
	return removed
}

// StartCleanup sweeps every interval until ctx is done.
func (c *Cache) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.Cleanup(ctx); n > 0 {
					c.log.Debug().Int("removed", n).Msg("periodic cleanup")
				}
			}
		}
	}()
}

// Clear drops every entry and persists the empty document.
func (c *Cache) Clear(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = map[string]*Entry{}
	c.metrics.CacheRemovals.WithLabelValues("cleared").Add(float64(n))
	c.metrics.CacheEntries.Set(0)
	c.persistLocked(ctx)
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

func (c *Cache) dead(e *Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > c.opts.TTL || e.ConsecutiveFailures >= c.opts.MaxFailures
}

func (c *Cache) dropDead(key string, e *Entry, now time.Time) {
	delete(c.entries, key)
	reason := "failures"
	if now.Sub(e.CreatedAt) > c.opts.TTL {
		reason = "expired"
		c.stats.Expired++
	} else {
		c.stats.Invalidations++
	}
	c.metrics.CacheRemovals.WithLabelValues(reason).Inc()
	c.metrics.CacheEntries.Set(float64(len(c.entries)))
}

// persistLocked writes the full document. The caller holds c.mu so writes
// from this cache never reorder.
func (c *Cache) persistLocked(ctx context.Context) {
	if c.opts.Store == nil {
		return
	}
	doc := &Document{
		Version:      Version,
		CreatedAt:    c.createdAt,
		LastModified: c.opts.Now(),
		Entries:      make(map[string]*Entry, len(c.entries)),
	}
	for k, e := range c.entries {
		doc.Entries[k] = e.clone()
	}
	if err := c.opts.Store.Save(context.WithoutCancel(ctx), doc); err != nil {
		c.metrics.CacheIOErrors.WithLabelValues("save").Inc()
		c.log.Warn().Err(err).Msg("cache save failed, continuing in memory")
	}
}

func (e *Entry) key() string {
	return e.PagePattern + keySep + Normalize(e.Instruction)
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Actions = append([]action.Action(nil), e.Actions...)
	return &cp
}
