package rides

import "sync"

// Cache is the in-memory authoritative snapshot of in-flight rides.
// While a ride is pending or accepted the cache owns the live copy;
// Postgres holds a possibly-stale replica reconciled by the Syncer.
// It is safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	rides map[string]RideRequest
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{rides: make(map[string]RideRequest)}
}

// Put inserts or overwrites the snapshot for its booking id.
func (c *Cache) Put(r RideRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rides[r.BookingID] = r
}

// Get returns the snapshot for a booking id.
func (c *Cache) Get(bookingID string) (RideRequest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rides[bookingID]
	return r, ok
}

// Delete removes a booking id. Deleting an absent id is a no-op.
func (c *Cache) Delete(bookingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rides, bookingID)
}

// All returns a copy of every cached snapshot.
func (c *Cache) All() []RideRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RideRequest, 0, len(c.rides))
	for _, r := range c.rides {
		out = append(out, r)
	}
	return out
}

// Pending returns the snapshots still awaiting a driver, used to replay
// open requests to a newly-registered driver.
func (c *Cache) Pending() []RideRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []RideRequest
	for _, r := range c.rides {
		if r.Status == StatusPending {
			out = append(out, r)
		}
	}
	return out
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rides)
}
