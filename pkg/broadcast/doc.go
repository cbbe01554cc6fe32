// Package broadcast fans typed messages out to in-process subscribers.
//
// The auth store publishes every state transition through a
// MemoryBroadcaster so UI code and the coordinator's persistence sync can
// observe changes without polling. Delivery never blocks the publisher; when
// a subscriber falls behind, its oldest buffered message is discarded so the
// latest snapshot always gets through.
package broadcast
