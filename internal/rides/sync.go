package rides

import (
	"context"
	"log"
	"time"
)

// Upserter is the slice of the store the syncer needs.
type Upserter interface {
	UpsertRide(ctx context.Context, r RideRequest) error
}

// Syncer reconciles the cache into the persistent store on a fixed
// interval, bounding the durability gap of live rides to one tick.
type Syncer struct {
	cache    *Cache
	store    Upserter
	interval time.Duration
}

// NewSyncer creates a syncer. A non-positive interval falls back to 10s.
func NewSyncer(cache *Cache, store Upserter, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Syncer{cache: cache, store: store, interval: interval}
}

// Start runs the sync loop in a background goroutine until ctx is
// cancelled.
func (s *Syncer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				synced, failed := s.SyncOnce(ctx)
				if synced > 0 || failed > 0 {
					log.Printf("[sync] flushed %d rides (%d failed)", synced, failed)
				}
			}
		}
	}()
}

// SyncOnce upserts every cache entry. A failed upsert is logged and
// skipped; the entry stays cached and is retried on the next tick.
func (s *Syncer) SyncOnce(ctx context.Context) (synced, failed int) {
	for _, ride := range s.cache.All() {
		if err := s.store.UpsertRide(ctx, ride); err != nil {
			log.Printf("[sync] upsert %s: %v", ride.BookingID, err)
			failed++
			continue
		}
		synced++
	}
	return synced, failed
}
