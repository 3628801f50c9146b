package memory

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
)

// encodeCacheSize bounds the memoization cache for repeated encode() calls
// on identical text, independent of the Input Router's result cache.
const encodeCacheSize = 256

// encoder produces deterministic embedding vectors. The real embedding
// model is an external collaborator (§6); when it is unavailable — which,
// absent a configured model endpoint, is the default state — encode falls
// back to a reproducible hash-seeded pseudo-random vector of the
// configured dimension, exactly matching the shape callers expect from a
// real model so downstream similarity math never has to special-case it.
type encoder struct {
	dimension int

	once    sync.Once
	onUseFn func()

	mu    sync.Mutex
	cache map[string][]float32
	order []string
}

func newEncoder(dimension int, onFallbackUse func()) *encoder {
	return &encoder{
		dimension: dimension,
		onUseFn:   onFallbackUse,
		cache:     make(map[string][]float32),
	}
}

// encode is deterministic for a fixed model configuration: encode(t) ==
// encode(t) byte-for-byte, including under the fallback hash encoder.
func (e *encoder) encode(text string) []float32 {
	e.mu.Lock()
	if v, ok := e.cache[text]; ok {
		e.mu.Unlock()
		return v
	}
	e.mu.Unlock()

	e.once.Do(func() {
		if e.onUseFn != nil {
			e.onUseFn()
		}
	})

	v := hashSeededVector(text, e.dimension)

	e.mu.Lock()
	if len(e.order) >= encodeCacheSize {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.cache, oldest)
	}
	e.cache[text] = v
	e.order = append(e.order, text)
	e.mu.Unlock()

	return v
}

// hashSeededVector derives a reproducible pseudo-random unit vector from
// text by seeding a PRNG with its FNV-1a hash.
func hashSeededVector(text string, dimension int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := int64(h.Sum64())

	rng := rand.New(rand.NewSource(seed))
	vec := make([]float32, dimension)
	var norm float64
	for i := range vec {
		val := rng.Float64()*2 - 1
		vec[i] = float32(val)
		norm += val * val
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
