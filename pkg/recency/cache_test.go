package recency

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCache_SetAndGet(t *testing.T) {
	c := New[string, int](4)

	c.Set("a", 1)
	c.Set("b", 2)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New[string, int](3)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Set("d", 4)

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Has("a"), "earliest-inserted key should be evicted")
	assert.True(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))
}

func TestCache_ResetMovesKeyToNewest(t *testing.T) {
	c := New[string, int](3)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Refresh "a": it should now outlive "b" and "c".
	c.Set("a", 10)

	c.Set("d", 4)
	assert.True(t, c.Has("a"), "refreshed key must not be evicted")
	assert.False(t, c.Has("b"), "next-oldest key is evicted instead")

	c.Set("e", 5)
	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("c"))

	v, _ := c.Get("a")
	assert.Equal(t, 10, v)
	assert.Equal(t, 3, c.Len())
}

func TestCache_GetDoesNotRefreshRecency(t *testing.T) {
	c := New[string, int](2)

	c.Set("a", 1)
	c.Set("b", 2)

	// A read must not save "a" from eviction.
	_, _ = c.Get("a")
	c.Set("c", 3)

	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))
	assert.True(t, c.Has("c"))
}

func TestCache_Delete(t *testing.T) {
	c := New[string, int](2)

	c.Set("a", 1)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 0, c.Len())
}

func TestCache_Clear(t *testing.T) {
	c := New[string, int](4)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()

	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Has("a"))

	// Cache stays usable after Clear.
	c.Set("c", 3)
	assert.True(t, c.Has("c"))
}

func TestCache_KeysInInsertionOrder(t *testing.T) {
	c := New[string, int](4)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Set("a", 4) // moves to newest

	assert.Equal(t, []string{"b", "c", "a"}, c.Keys())
}

func TestCache_MinimumCapacity(t *testing.T) {
	c := New[string, int](0)
	assert.Equal(t, 1, c.Capacity())

	c.Set("a", 1)
	c.Set("b", 2)
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Has("b"))
}

func TestCache_ManyInsertionsStayBounded(t *testing.T) {
	c := New[string, int](8)

	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}

	assert.Equal(t, 8, c.Len())
	for i := 92; i < 100; i++ {
		assert.True(t, c.Has(fmt.Sprintf("k%d", i)))
	}
}
