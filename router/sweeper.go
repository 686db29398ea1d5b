package router

import (
	"context"
	"time"
)

// Sweep expires every queued or delivering entry whose TTL has elapsed and
// returns how many were removed.
func (r *Router) Sweep(ctx context.Context) int {
	expired := r.store.Expire(r.now())
	if len(expired) == 0 {
		return 0
	}
	n := r.expired(ctx, expired)
	r.publishDepth()
	return n
}

func (r *Router) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
