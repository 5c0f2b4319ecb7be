// Package residentpool provides the mutex-and-map pool.Pool implementation:
// one long-lived session table for the whole process, guarded by a single
// mutex that is never held across a dial. Suitable for single-process relays
// and as the reference against which actorpool is checked.
//
// Characteristics
//
//	Serialization  : shared mutex around check-then-act and bookkeeping
//	Dial dedup     : singleflight per (tenant, server)
//	Eviction       : none (sessions live until Disconnect or Close)
//	Concurrency    : safe
package residentpool
