package artifact

import (
	"log/slog"
	"sync"
)

// Entry is one cached report artifact for an encounter. Release, when set,
// frees the transient client-side resource backing the reference (a locally
// created blob handle, a temp file) and is invoked exactly once, when the
// entry is overwritten or deleted.
type Entry struct {
	ReportRef       string
	SummaryMarkdown string
	Release         func()
}

// Cache holds the newest finalized artifact per encounter and a version
// counter that bumps on every mutation. Consumers poll or subscribe on the
// version to learn that the report list changed; the bump and the write are
// atomic under one lock so no observer can see a new version with stale
// entries.
type Cache struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]Entry
	version uint64
}

func NewCache(logger *slog.Logger) *Cache {
	return &Cache{
		logger:  logger.With(slog.String("component", "artifact-cache")),
		entries: make(map[string]Entry),
	}
}

// Set stores the artifact for an encounter, overwriting any prior entry. The
// prior entry's release hook runs before the overwrite so transient resources
// cannot accumulate across repeated generate/finalize cycles in one session.
func (c *Cache) Set(encounterID string, entry Entry) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[encounterID]; ok {
		c.release(encounterID, prev)
	}
	c.entries[encounterID] = entry
	c.version++
	return c.version
}

// Get returns the current artifact for an encounter.
func (c *Cache) Get(encounterID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[encounterID]
	return entry, ok
}

// Delete removes an encounter's artifact, releasing it. Deleting a missing
// entry is a no-op.
func (c *Cache) Delete(encounterID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[encounterID]
	if !ok {
		return c.version
	}
	c.release(encounterID, entry)
	delete(c.entries, encounterID)
	c.version++
	return c.version
}

// Version returns the monotone mutation counter.
func (c *Cache) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Len returns the number of cached artifacts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) release(encounterID string, entry Entry) {
	if entry.Release == nil {
		return
	}
	c.logger.Debug("releasing replaced artifact",
		slog.String("encounter_id", encounterID),
		slog.String("report_ref", entry.ReportRef))
	entry.Release()
}
