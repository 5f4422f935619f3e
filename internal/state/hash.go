package state

// Sum32 computes the fixed-width key for a container id string by summing
// its code points.
//
// The sum is weak and collides for anagrams, so the uniqueness contract
// only holds for realistic numbers of live containers. It is kept because
// the enforcement side was built against this exact key layout; replacing
// it with a well-distributed 32-bit hash is a change to this one function,
// done in lockstep with the kernel programs.
func Sum32(id string) uint32 {
	var h uint32
	for _, r := range id {
		h += uint32(r)
	}
	return h
}
