// Package cache provides a generic, capacity-bounded LRU cache.
//
// The deep link processor keeps its per-URL processing records here: the
// capacity is the hard ceiling on tracked callbacks, while time-based expiry
// is layered on top with RemoveIf during maintenance sweeps.
package cache
