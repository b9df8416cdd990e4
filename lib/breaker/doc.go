// Package breaker implements the circuit breaker that wraps every
// synchronization operation of the sync core.
//
// Each SyncTarget owns one Breaker (see Registry), so a misbehaving target
// (e.g. an unreachable remote) cannot starve or cascade into unrelated targets.
// All retry and backoff behaviour of the core lives here: callers never loop
// on their own, the next scheduled sync pass is the retry.
//
// State machine:
//
//	Closed   --failures >= threshold or health < floor-->  Open
//	Open     --cooldown elapsed-->                          HalfOpen
//	HalfOpen --probe succeeded-->                           Closed (cooldown halved toward base)
//	HalfOpen --probe failed-->                              Open   (cooldown doubled, capped)
//
// Health is an exponential moving average of outcomes in [0,1]. Only one
// probe may be in flight while HalfOpen; concurrent callers are refused with
// an *OpenError. Every operation runs under a timeout, and a timeout counts
// as a failure.
//
// Snapshot is side-effect free (an Open breaker whose cooldown elapsed reports
// HalfOpen without transitioning) and, together with Restore, lets the owner
// persist breaker state across restarts.
package breaker
