// Package engine implements the queued scheduler.
//
// Every request task row is the unit of work. A privacy request moves
// through its steps (access, erasure, consent) one task set at a time:
//
//  1. CreateRequest persists the request and all its task sets, then queues
//     the access ROOT task.
//  2. A worker admits a task only when its request is runnable, the task
//     belongs to the current step, it is not terminal, no live lease holds
//     it and every upstream task is complete (or skipped).
//  3. The worker claims the task under a lease, runs the body, and commits
//     the status and result in one conditional update.
//  4. A completed task queues the downstream tasks it unblocked. A failed
//     task fails its descendants.
//  5. The TERMINATOR of a step advances the request to the next step with
//     rules, or completes it.
//
// Admission refusals are not errors: the delivery is dropped and the task is
// queued again by whatever unblocks it. Duplicate deliveries are harmless.
//
// The in-process queue only moves work; the store holds all state. A process
// that restarts finds its work again with ResumeAll, and a task whose worker
// died is reclaimed once its lease expires. A task body caches its result
// before the row commit, so a reclaimed task whose body already finished is
// committed from the cache without calling the connector again.
package engine
