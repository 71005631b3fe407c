package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryEvictsOldest(t *testing.T) {
	m := NewMemory[string](3)
	for _, s := range []string{"a", "b", "c", "d"} {
		m.Store(s)
	}
	assert.Equal(t, []string{"b", "c", "d"}, m.All())
	assert.Equal(t, []string{"c", "d"}, m.Last(2))
	assert.Equal(t, []string{"b", "c", "d"}, m.Last(10))
	assert.Equal(t, 3, m.Len())

	m.Reset()
	assert.Empty(t, m.All())
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory[int](2)
	m.Store(1)
	got := m.All()
	got[0] = 99
	assert.Equal(t, []int{1}, m.All())
}
