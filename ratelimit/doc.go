// Package ratelimit caps how many messages each agent type may submit per
// rolling minute.
//
// Two implementations share the Limiter interface: MemoryLimiter keeps
// a per-process sliding log of admissions, RedisLimiter keeps a sorted-set sliding window so
// several processes can share one budget. Urgent priorities never reach the
// limiter; that decision belongs to the router.
package ratelimit
