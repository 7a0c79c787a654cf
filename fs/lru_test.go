package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageCacheGetCreatesOnMiss(t *testing.T) {
	t.Parallel()
	c := NewPageCache(1024)
	f := c.Get("f1", false)
	require.NotNil(t, f)
	assert.True(t, c.Contains("f1"))
}

func TestPageCacheGetReturnsSameFileOnHit(t *testing.T) {
	t.Parallel()
	c := NewPageCache(1024)
	f1 := c.Get("f1", false)
	f2 := c.Get("f1", false)
	assert.Same(t, f1, f2)
}

func TestPageCacheEvictsLRUTailWhenOverBudget(t *testing.T) {
	t.Parallel()
	c := NewPageCache(1 << 20) // 1 MiB

	f1 := c.Get("f1", false)
	c.AddBytes(f1.Put(make([]byte, 600*1024), 0, 600*1024-1))

	f2 := c.Get("f2", false)
	c.AddBytes(f2.Put(make([]byte, 600*1024), 0, 600*1024-1))

	assert.LessOrEqual(t, c.UsedBytes(), uint64(1<<20))
	assert.Empty(t, f1.Pages(), "LRU-tail file should have had its pages dropped")
	assert.True(t, c.Contains("f1"), "entry itself should remain in the index")
	assert.NotEmpty(t, f2.Pages())
}

func TestPageCacheTouchMovesEntryToFront(t *testing.T) {
	t.Parallel()
	c := NewPageCache(1 << 20)
	c.Get("f1", false)
	c.Get("f2", false)
	c.Touch("f1")

	assert.Equal(t, "f1", c.order.Front().Value.(*cacheEntry).fileID)
}

func TestPageCacheRemoveDropsEntryEntirely(t *testing.T) {
	t.Parallel()
	c := NewPageCache(1 << 20)
	f := c.Get("f1", false)
	c.AddBytes(f.Put([]byte("hello"), 0, 4))
	c.Remove("f1")

	assert.False(t, c.Contains("f1"))
	assert.EqualValues(t, 0, c.UsedBytes())
}

func TestPageCacheRekeyPreservesFile(t *testing.T) {
	t.Parallel()
	c := NewPageCache(1 << 20)
	f := c.Get("null-sentinel", false)
	c.Rekey("null-sentinel", "real-id")

	assert.False(t, c.Contains("null-sentinel"))
	assert.True(t, c.Contains("real-id"))
	assert.Same(t, f, c.Get("real-id", false))
}
