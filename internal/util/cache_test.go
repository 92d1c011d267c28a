package util_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/noetl/noetl/internal/util"
)

func TestCacheGetFillsMiss(t *testing.T) {
	cache := util.NewLRUCache[string](10)

	calls := 0
	create := func() (string, error) {
		calls++
		return "value", nil
	}

	v, err := cache.Get("k", create)
	assert.NoError(t, err)
	assert.Equal(t, "value", v)

	v, err = cache.Get("k", create)
	assert.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.Equal(t, 1, calls)
}

func TestCacheGetPropagatesError(t *testing.T) {
	cache := util.NewLRUCache[string](10)
	boom := errors.New("boom")

	_, err := cache.Get("k", func() (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, cache.Len())
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := util.NewLRUCache[int](2)
	cache.Put("a", 1)
	cache.Put("b", 2)

	// touch a so b becomes the eviction candidate
	_, ok := cache.Peek("a")
	assert.True(t, ok)

	cache.Put("c", 3)
	assert.Equal(t, 2, cache.Len())

	_, ok = cache.Peek("b")
	assert.False(t, ok)
	_, ok = cache.Peek("a")
	assert.True(t, ok)
}

func TestCachePutReplaces(t *testing.T) {
	cache := util.NewLRUCache[int](10)
	cache.Put("k", 1)
	cache.Put("k", 2)

	v, ok := cache.Peek("k")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, cache.Len())
}

func TestCacheRemove(t *testing.T) {
	cache := util.NewLRUCache[int](10)
	cache.Put("k", 1)
	cache.Remove("k")

	_, ok := cache.Peek("k")
	assert.False(t, ok)
	cache.Remove("missing")
}

func TestCacheTTLExpiry(t *testing.T) {
	cache := util.NewLRUCacheTTL[int](10, 10*time.Millisecond)
	cache.Put("k", 1)

	_, ok := cache.Peek("k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = cache.Peek("k")
	assert.False(t, ok)
}

func TestCacheTTLRefillsAfterExpiry(t *testing.T) {
	cache := util.NewLRUCacheTTL[int](10, 10*time.Millisecond)

	calls := 0
	create := func() (int, error) {
		calls++
		return calls, nil
	}

	v, err := cache.Get("k", create)
	assert.NoError(t, err)
	assert.Equal(t, 1, v)

	time.Sleep(20 * time.Millisecond)
	v, err = cache.Get("k", create)
	assert.NoError(t, err)
	assert.Equal(t, 2, v)
}
