// Package scheduler provides the single-goroutine execution context that
// drives every pipeline state handler.
//
// Work reaches the loop three ways: Do posts a function immediately,
// Deferred posts one after a delay measured on the injected Clock, and Spawn
// runs a blocking operation (a copy or an external tool) on its own goroutine
// and posts its completion callback back to the loop. Handlers therefore never
// race with one another and may mutate pipeline state without locks.
//
// Cancelling the context passed to Run stops the loop, withdraws pending timers,
// and cancels every in-flight spawned operation.
package scheduler
