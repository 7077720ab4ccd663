// Package deduplication provides an in-process LRU/TTL guard against
// reprocessing the same (conversation_id, event_id) pair — a cheap
// first line of defense on top of derivedstore's unique-constraint
// idempotence, meant to absorb a redelivery storm without round-
// tripping to sqlite for every repeat. It does not replace the store's
// own idempotence: a cold cache (after a restart) still derives
// correctly, just slower, because the store-level compare-and-set
// still holds.
package deduplication

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// Config configures the tracker's capacity and entry lifetime.
type Config struct {
	MaxEntries      int           `yaml:"max_entries"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 100000
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	return c
}

type entry struct {
	key        uint64
	createdAt  time.Time
	prev, next *entry
}

// Stats is a snapshot of tracker counters.
type Stats struct {
	Size    int
	Hits    int64
	Misses  int64
	Evicted int64
}

// Tracker is a fixed-capacity LRU cache with TTL eviction, keyed by an
// xxhash digest of "conversationID:eventID".
type Tracker struct {
	config Config
	logger *logrus.Logger

	mu      sync.Mutex
	entries map[uint64]*entry
	head    *entry // most recently used
	tail    *entry // least recently used

	hits, misses, evicted int64

	stopCh chan struct{}
	once   sync.Once
}

// New creates a Tracker and starts its background cleanup loop.
func New(config Config, logger *logrus.Logger) *Tracker {
	config = config.withDefaults()
	t := &Tracker{
		config:  config,
		logger:  logger,
		entries: make(map[uint64]*entry),
		head:    &entry{},
		tail:    &entry{},
		stopCh:  make(chan struct{}),
	}
	t.head.next = t.tail
	t.tail.prev = t.head
	go t.cleanupLoop()
	return t
}

func digest(conversationID, eventID string) uint64 {
	h := xxhash.New()
	h.Write([]byte(conversationID))
	h.Write([]byte(":"))
	h.Write([]byte(eventID))
	return h.Sum64()
}

// Seen reports whether (conversationID, eventID) was already marked
// within the TTL window, and marks it as seen either way. A false
// result means the caller should proceed with derivation; true means
// the caller may skip straight to acknowledging.
func (t *Tracker) Seen(conversationID, eventID string) bool {
	key := digest(conversationID, eventID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		if time.Since(e.createdAt) > t.config.TTL {
			t.removeLocked(e)
		} else {
			t.moveToFrontLocked(e)
			t.hits++
			return true
		}
	}

	t.misses++
	if len(t.entries) >= t.config.MaxEntries {
		t.evictLRULocked()
	}
	t.addLocked(key)
	return false
}

func (t *Tracker) addLocked(key uint64) {
	e := &entry{key: key, createdAt: time.Now()}
	t.entries[key] = e
	t.addToFrontLocked(e)
}

func (t *Tracker) addToFrontLocked(e *entry) {
	e.prev = t.head
	e.next = t.head.next
	t.head.next.prev = e
	t.head.next = e
}

func (t *Tracker) removeFromListLocked(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (t *Tracker) moveToFrontLocked(e *entry) {
	t.removeFromListLocked(e)
	t.addToFrontLocked(e)
}

func (t *Tracker) removeLocked(e *entry) {
	delete(t.entries, e.key)
	t.removeFromListLocked(e)
	t.evicted++
}

func (t *Tracker) evictLRULocked() {
	if t.tail.prev != t.head {
		t.removeLocked(t.tail.prev)
	}
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.cleanupExpired()
		}
	}
}

func (t *Tracker) cleanupExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*entry
	now := time.Now()
	for _, e := range t.entries {
		if now.Sub(e.createdAt) > t.config.TTL {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		t.removeLocked(e)
	}
	if len(expired) > 0 && t.logger != nil {
		t.logger.WithField("expired", len(expired)).Debug("deduplication tracker cleanup")
	}
}

// Stats returns a snapshot of tracker counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Size: len(t.entries), Hits: t.hits, Misses: t.misses, Evicted: t.evicted}
}

// Stop halts the background cleanup loop.
func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.stopCh) })
}

// DebugKey exposes the digest as a string for logging without revealing
// the raw event id, matching the privacy-preserving posture the rest of
// the pipeline uses for content hashing.
func DebugKey(conversationID, eventID string) string {
	return strconv.FormatUint(digest(conversationID, eventID), 16)
}
