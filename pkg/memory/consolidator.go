package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/engramdb/engram/config"
	"github.com/engramdb/engram/pkg/logger"
)

// Consolidator periodically compacts the store: near-duplicate entries
// are merged into their strongest representative, and when the corpus
// exceeds its capacity the weakest entries are evicted. Removed entries
// go to the archive before deletion. Every pass ends with a snapshot of
// pending mutations, access-time touches included.
type Consolidator struct {
	store   *Store
	sim     *SimilarityEngine
	archive Archiver
	log     logger.Logger

	interval     time.Duration
	dupThreshold float64
	maxEntries   int

	// passMu makes passes single-flight: a scheduled tick and a manual
	// RunOnce never overlap.
	passMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// PassStats summarizes one consolidation pass.
type PassStats struct {
	Merged  int
	Evicted int
}

// NewConsolidator creates a consolidator. archive may be nil, in which
// case removed entries are dropped without a cold copy.
func NewConsolidator(store *Store, sim *SimilarityEngine, archive Archiver, cfg config.ConsolidationConfig, log logger.Logger) *Consolidator {
	if log == nil {
		log = logger.Global()
	}
	return &Consolidator{
		store:        store,
		sim:          sim,
		archive:      archive,
		log:          log.With("component", "consolidator"),
		interval:     cfg.Interval,
		dupThreshold: cfg.DuplicateThreshold,
		maxEntries:   cfg.MaxEntries,
	}
}

// Start launches the background loop. A pass that fails is logged and
// retried at the next tick; the loop never stops on error.
func (c *Consolidator) Start(ctx context.Context) {
	if c.done != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := c.RunOnce(ctx)
				if err != nil {
					c.log.Error("consolidation pass failed", "error", err)
					continue
				}
				if stats.Merged > 0 || stats.Evicted > 0 {
					c.log.Info("consolidation pass complete",
						"merged", stats.Merged, "evicted", stats.Evicted)
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (c *Consolidator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
		c.done = nil
		c.cancel = nil
	}
}

// RunOnce executes a single consolidation pass. If a pass is already
// running it returns ErrPassInProgress immediately instead of queueing.
func (c *Consolidator) RunOnce(ctx context.Context) (PassStats, error) {
	if !c.passMu.TryLock() {
		return PassStats{}, ErrPassInProgress
	}
	defer c.passMu.Unlock()

	var stats PassStats

	merged, err := c.mergeDuplicates(ctx)
	if err != nil {
		return stats, err
	}
	stats.Merged = merged

	evicted, err := c.evictOverCapacity(ctx)
	if err != nil {
		return stats, err
	}
	stats.Evicted = evicted

	// Every pass ends with a snapshot of whatever is pending, including
	// access-time touches accumulated since the last save.
	if err := c.store.Flush(); err != nil {
		return stats, fmt.Errorf("post-consolidation snapshot: %w", err)
	}
	return stats, nil
}

// mergePlan records one near-duplicate pair decision: victim is archived
// and removed, survivor absorbs the higher importance.
type mergePlan struct {
	survivor           string
	victim             string
	survivorImportance float64
}

// mergeDuplicates finds entry pairs whose similarity meets the duplicate
// threshold and removes the weaker of each pair. Detection runs entirely
// under one read hold so no vector view escapes it; mutations follow as
// separate short write acquisitions.
func (c *Consolidator) mergeDuplicates(ctx context.Context) (int, error) {
	var plans []mergePlan

	c.store.Scan(func(entries []*MemoryEntry, _ *KeywordIndex) {
		removed := make(map[string]bool, len(entries))
		for i := 0; i < len(entries); i++ {
			if removed[entries[i].ID] {
				continue
			}
			for j := i + 1; j < len(entries); j++ {
				if removed[entries[j].ID] {
					continue
				}
				a, b := entries[i], entries[j]
				if a.Scope != b.Scope {
					continue
				}
				if c.sim.Similarity(a.Vector, b.Vector) < c.dupThreshold {
					continue
				}

				survivor, victim := a, b
				if pickSurvivor(b, a) {
					survivor, victim = b, a
				}
				removed[victim.ID] = true
				plans = append(plans, mergePlan{
					survivor:           survivor.ID,
					victim:             victim.ID,
					survivorImportance: maxImportance(a, b),
				})
				if removed[entries[i].ID] {
					break
				}
			}
		}
	})

	merged := 0
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		if err := c.archiveEntry(ctx, plan.victim); err != nil {
			return merged, err
		}
		if err := c.store.UpdateImportance(plan.survivor, plan.survivorImportance); err != nil {
			// The survivor itself may have been removed by an earlier
			// plan in a chain of duplicates. The merge still counts.
			c.log.Debug("merge survivor gone", "id", plan.survivor, "error", err)
		}
		if _, err := c.store.Remove(plan.victim); err != nil {
			return merged, err
		}
		merged++
	}
	return merged, nil
}

// pickSurvivor reports whether b should outlive a: higher importance
// wins, a more recent access breaks the tie, and as a last resort the
// earlier insertion survives.
func pickSurvivor(b, a *MemoryEntry) bool {
	if b.Importance != a.Importance {
		return b.Importance > a.Importance
	}
	if !b.accessedAt().Equal(a.accessedAt()) {
		return b.accessedAt().After(a.accessedAt())
	}
	return b.seq < a.seq
}

func maxImportance(a, b *MemoryEntry) float64 {
	if a.Importance > b.Importance {
		return a.Importance
	}
	return b.Importance
}

// evictOverCapacity removes the weakest entries until the store is at or
// below capacity. Weakness orders by importance ascending, then least
// recently accessed.
func (c *Consolidator) evictOverCapacity(ctx context.Context) (int, error) {
	if c.maxEntries <= 0 {
		return 0, nil
	}
	over := c.store.Len() - c.maxEntries
	if over <= 0 {
		return 0, nil
	}

	type victim struct {
		id         string
		importance float64
		accessed   time.Time
		seq        uint64
	}

	var victims []victim
	c.store.Scan(func(entries []*MemoryEntry, _ *KeywordIndex) {
		victims = make([]victim, 0, len(entries))
		for _, e := range entries {
			victims = append(victims, victim{
				id:         e.ID,
				importance: e.Importance,
				accessed:   e.accessedAt(),
				seq:        e.seq,
			})
		}
	})

	sort.Slice(victims, func(i, j int) bool {
		if victims[i].importance != victims[j].importance {
			return victims[i].importance < victims[j].importance
		}
		if !victims[i].accessed.Equal(victims[j].accessed) {
			return victims[i].accessed.Before(victims[j].accessed)
		}
		return victims[i].seq < victims[j].seq
	})

	if over > len(victims) {
		over = len(victims)
	}
	evicted := 0
	for _, v := range victims[:over] {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		if err := c.archiveEntry(ctx, v.id); err != nil {
			return evicted, err
		}
		if _, err := c.store.Remove(v.id); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// archiveEntry copies an entry to the cold archive before removal. A
// missing entry is fine: a concurrent Forget won the race.
func (c *Consolidator) archiveEntry(ctx context.Context, id string) error {
	if c.archive == nil {
		return nil
	}
	entry, err := c.store.Get(id)
	if err != nil {
		return nil
	}
	if err := c.archive.Archive(ctx, entry); err != nil {
		return fmt.Errorf("archive %s: %w", id, err)
	}
	return nil
}
