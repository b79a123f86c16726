// Package coord provides small blocking coordination primitives and a worker
// driver to exercise them.
//
//   - Counter: an integer mutated only inside a mutex-protected critical section.
//   - Gate: a one-shot flag goroutines wait on until it is signaled.
//   - Rendezvous: a reusable barrier releasing a fixed number of participants
//     together, round after round.
//   - Group and Driver: spawn workers with an explicit argument record, join
//     them, and run phases strictly one after the other.
//
// All waits block on a sync.Cond or a channel; nothing spins. Gate and
// Rendezvous have context-bearing variants that give up on deadline or
// cancellation and leave the primitive in a consistent state.
package coord
