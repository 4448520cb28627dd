// Package schedule paces periodic report publication.
//
// The Scheduler is passive: it never arms timers or spawns goroutines.
// The owning process loop samples Due with the current time, publishes
// when it returns true, then calls Advance to move the next-due instant
// forward. Catch-up after a stall skips missed slots instead of
// emitting a burst.
package schedule
