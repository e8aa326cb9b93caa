// Package schedule turns keyframe anchors into dense per-frame schedules:
// deterministic seeds and the interpolation fractions between adjacent keyframes.
package schedule

import (
	"encoding/json"
	"math/rand/v2"
)

// pcgStream is the fixed PCG stream selector. Changing it changes every
// seed, latent and generator draw for a given master seed.
const pcgStream = 0xda3e39cb94b95bdb

// Generator is a seedable random source. Draws after ManualSeed(s) are a pure
// function of s, so callers re-seed immediately before every draw that must
// be reproducible.
type Generator struct {
	seed uint64
	rng  *rand.Rand
}

// NewGenerator returns a generator seeded with seed.
func NewGenerator(seed uint64) *Generator {
	g := &Generator{}
	return g.ManualSeed(seed)
}

// ManualSeed resets the generator state and returns g for chaining.
func (g *Generator) ManualSeed(seed uint64) *Generator {
	g.seed = seed
	g.rng = rand.New(rand.NewPCG(seed, pcgStream))
	return g
}

// Seed returns the seed of the last ManualSeed call.
func (g *Generator) Seed() uint64 { return g.seed }

// NormFloat64 draws a standard normal value.
func (g *Generator) NormFloat64() float64 { return g.rng.NormFloat64() }

// Uint64 draws a uniformly distributed value.
func (g *Generator) Uint64() uint64 { return g.rng.Uint64() }

// MarshalJSON encodes the generator as its seed: remote models rebuild their
// own generator from it.
func (g *Generator) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.seed)
}
