package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingNew(t *testing.T) {
	q := NewRing[int](5)

	assert.Equal(t, uint(5), q.Size())
	assert.Equal(t, uint(0), q.Len())

	assert.Equal(t, uint(1), NewRing[int](0).Size())
}

func TestRingGrows(t *testing.T) {
	q := NewRing[int](2)

	q.Enqueue(1)
	q.Enqueue(2)
	q.Enqueue(3) // full, doubles.

	assert.Equal(t, uint(4), q.Size())
	assert.Equal(t, uint(3), q.Len())

	for _, expected := range []int{1, 2, 3} {
		v, err := q.Dequeue()
		assert.NoError(t, err)
		assert.Equal(t, expected, v)
	}
}

func TestRingEmpty(t *testing.T) {
	q := NewRing[[]byte](1)

	val, err := q.Dequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.Nil(t, val)

	val, err = q.Peek()
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.Nil(t, val)
}

func TestRingGrowsAfterWrapAround(t *testing.T) {
	q := NewRing[int](4)

	q.Enqueue(1)
	q.Enqueue(2)
	q.Dequeue() // head moves
	q.Enqueue(3)
	q.Enqueue(4)
	q.Enqueue(5) // tail wraps around
	q.Enqueue(6) // grows with a wrapped layout

	assert.Equal(t, uint(5), q.Len())

	for _, expected := range []int{2, 3, 4, 5, 6} {
		v, err := q.Dequeue()
		assert.NoError(t, err)
		assert.Equal(t, expected, v)
	}

	assert.Equal(t, uint(0), q.Len())
}
