package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWindowUnprimed(t *testing.T) {
	w := New(5)
	assert.Equal(t, 5, w.Capacity())
	assert.False(t, w.Primed())
	assert.Equal(t, int32(0), w.Avg())
	assert.Equal(t, int32(0), w.Max())
}

func TestNewWindowMinimumCapacity(t *testing.T) {
	assert.Equal(t, 1, New(0).Capacity())
	assert.Equal(t, 1, New(-3).Capacity())
}

func TestSizeFor(t *testing.T) {
	tests := []struct {
		span, tick, want int
	}{
		{10, 2, 5},
		{20, 2, 10},
		{1, 2, 1},
		{10, 0, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SizeFor(tt.span, tt.tick), "SizeFor(%d, %d)", tt.span, tt.tick)
	}
}

func TestFirstPushPrimesEverySlot(t *testing.T) {
	w := New(5)
	w.Push(4800)

	assert.True(t, w.Primed())
	assert.Equal(t, int32(4800), w.Avg(), "a cold window must not average in zeros")
	assert.Equal(t, int32(4800), w.Max())
}

func TestAvgAndMax(t *testing.T) {
	w := New(5)
	for _, v := range []int32{3500, 3600, 3400, 3550, 3450} {
		w.Push(v)
	}
	// First push primed with 3500, the next four overwrote four slots.
	assert.Equal(t, int32(3600), w.Max())
	assert.Equal(t, int32((3500+3600+3400+3550+3450)/5), w.Avg())
}

func TestPushOverwritesOldest(t *testing.T) {
	w := New(3)
	w.Push(100) // primes [100 100 100]
	w.Push(900) // [900 100 100]
	w.Push(200)
	w.Push(300)
	w.Push(400) // 900 overwritten

	assert.Equal(t, int32(400), w.Max())
	assert.Equal(t, int32(300), w.Avg())
}

func TestAvgTruncates(t *testing.T) {
	w := New(3)
	w.Push(1)
	w.Push(1)
	w.Push(2)
	w.Push(2) // [2 1 2] or similar mix: sum 5
	assert.Equal(t, int32(5/3), w.Avg())
}

func TestResetReprimes(t *testing.T) {
	w := New(4)
	w.Push(5000)
	w.Push(7000)
	w.Reset()

	assert.False(t, w.Primed())
	assert.Equal(t, int32(0), w.Max())

	w.Push(1000)
	assert.Equal(t, int32(1000), w.Avg())
	assert.Equal(t, int32(1000), w.Max())
}
