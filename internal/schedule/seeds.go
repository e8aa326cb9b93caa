package schedule

import "fmt"

// Seeds maps frame index to its 64-bit seed.
type Seeds []uint64

// NewSeeds draws count seeds in order from a generator seeded once with
// master. The same master and count always yield the same sequence, and a
// longer schedule extends a shorter one.
func NewSeeds(master uint64, count int) Seeds {
	g := NewGenerator(master)
	seeds := make(Seeds, count)
	for i := range seeds {
		seeds[i] = g.Uint64()
	}
	return seeds
}

// At returns the seed for frame.
func (s Seeds) At(frame int) (uint64, error) {
	if frame < 0 || frame >= len(s) {
		return 0, fmt.Errorf("frame %d outside seed schedule of %d frames", frame, len(s))
	}
	return s[frame], nil
}
