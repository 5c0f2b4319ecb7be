// Package actorpool provides the actor-based pool.Pool implementation: one
// goroutine per tenant, lazily spawned and deterministically addressed by
// tenant id, owning that tenant's session table outright. A mailbox
// serializes every operation, so no lock protects the table and concurrent
// connects for one pair trivially collapse to a single dial.
//
// Characteristics
//
//	Serialization  : per-tenant mailbox, one operation at a time
//	Dial dedup     : implied by serialization
//	Eviction       : periodic sweep closes sessions idle past a threshold
//	Actor lifetime : retires after its table empties and a sweep passes idle
//	Concurrency    : safe
package actorpool
