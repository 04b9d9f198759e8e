package asyncio

// WriteStats is the aggregate, monotonically non-decreasing write counter
// set spec.md §3 assigns to a facade's lifetime.
type WriteStats struct {
	NewChunks uint64
	NewBytes  uint64
}

// StatsHandle is the cheap handle asyncio.AsyncIO.Stats returns: a
// reference to the shared counters, sampled atomically under the shared
// mutex on every GetStats call.
type StatsHandle struct {
	shared *sharedState
}

// GetStats returns an atomic snapshot of the write counters.
func (h StatsHandle) GetStats() WriteStats {
	return h.shared.snapshot()
}
