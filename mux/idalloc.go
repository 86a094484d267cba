package mux

// idAllocator hands out local channel IDs monotonically, wrapping
// arithmetically on overflow, per spec.md §3. It never remembers which
// IDs are live itself — the caller supplies a predicate so a freshly
// allocated ID never collides with a channel that's either active or
// still sitting in the grace set.
type idAllocator struct {
	next uint32
}

// allocate returns the next ID for which taken reports false, advancing
// past any collision. A full wraparound with every ID taken would spin
// forever; that can't happen in practice since 2^32 IDs vastly exceed any
// realistic number of concurrent channels.
func (a *idAllocator) allocate(taken func(id uint32) bool) uint32 {
	for {
		id := a.next
		a.next++

		if !taken(id) {
			return id
		}
	}
}
