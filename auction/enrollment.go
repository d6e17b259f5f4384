package auction

import (
	"context"
	"log"
	"time"

	"go.uber.org/atomic"
)

type enrollmentSet map[string]struct{}

// EnrollmentCache holds the adtech enrollment allow-list consulted before any
// debug URL is accepted. It is shared across requests and read-mostly: a
// background refresher builds a fresh set and swaps it in atomically, so
// readers never take a lock.
type EnrollmentCache struct {
	sites atomic.Pointer[enrollmentSet]
}

// NewEnrollmentCache creates a cache seeded with the given eTLD+1 sites.
func NewEnrollmentCache(sites ...string) *EnrollmentCache {
	c := &EnrollmentCache{}
	c.Swap(sites)
	return c
}

// Query reports whether the site is enrolled.
func (c *EnrollmentCache) Query(site string) bool {
	set := c.sites.Load()
	if set == nil {
		return false
	}
	_, ok := (*set)[site]
	return ok
}

// Swap replaces the allow-list with a freshly-built set.
func (c *EnrollmentCache) Swap(sites []string) {
	set := make(enrollmentSet, len(sites))
	for _, s := range sites {
		set[s] = struct{}{}
	}
	c.sites.Store(&set)
}

// Len returns the current number of enrolled sites.
func (c *EnrollmentCache) Len() int {
	set := c.sites.Load()
	if set == nil {
		return 0
	}
	return len(*set)
}

// StartRefresher runs fetch on the given interval until ctx is cancelled,
// swapping in each successful result. Fetch failures keep the previous set.
func (c *EnrollmentCache) StartRefresher(ctx context.Context, interval time.Duration, fetch func(context.Context) ([]string, error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sites, err := fetch(ctx)
				if err != nil {
					log.Printf("WARNING: Enrollment refresh failed, keeping previous set: %v", err)
					continue
				}
				c.Swap(sites)
				log.Printf("INFO: Enrollment allow-list refreshed with %d sites", len(sites))
			}
		}
	}()
}
