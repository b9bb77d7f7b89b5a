// Package feedmachine polls external content feeds (YouTube channels,
// Twitter handles via an RSS proxy, and generic RSS/Atom/JSON feeds) and
// hands new entries to a message sink.
//
// Each feed class gets one [Handle], which owns a rotating queue of
// [FeedID] values and at most one worker goroutine. The worker wakes up
// on an adaptive delay, polls the feed at the front of the queue, and
// dispatches entries newer than the feed's persisted high-water mark.
// The worker exits on its own once the queue drains, and is respawned
// by the next queue mutation.
//
// [Manager] is the public entry point. It keeps the persistent [Store]
// and the handle queues consistent, and implements [Context] for the
// handles it owns.
package feedmachine
