package memory

import (
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashSeededVector_Deterministic(t *testing.T) {
	a := hashSeededVector("low float breakout", 32)
	b := hashSeededVector("low float breakout", 32)
	assert.Equal(t, a, b)
}

func TestHashSeededVector_DiffersByInput(t *testing.T) {
	a := hashSeededVector("low float breakout", 32)
	b := hashSeededVector("index drifting sideways", 32)
	assert.NotEqual(t, a, b)
}

func TestHashSeededVector_IsUnitLength(t *testing.T) {
	v := hashSeededVector("normalize me", 64)
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSquares), 1e-6)
}

func TestHashSeededVector_RespectsDimension(t *testing.T) {
	v := hashSeededVector("dimension check", 12)
	assert.Len(t, v, 12)
}

func TestEncoder_CacheEvictsOldest(t *testing.T) {
	calls := 0
	e := newEncoder(8, func() { calls++ })

	for i := 0; i < encodeCacheSize+10; i++ {
		e.encode("text-" + strconv.Itoa(i))
	}
	e.mu.Lock()
	size := len(e.cache)
	e.mu.Unlock()
	assert.LessOrEqual(t, size, encodeCacheSize)
}

func TestEncoder_FallbackCallbackFiresOnce(t *testing.T) {
	calls := 0
	e := newEncoder(8, func() { calls++ })

	e.encode("first")
	e.encode("second")
	e.encode("third")

	assert.Equal(t, 1, calls)
}
