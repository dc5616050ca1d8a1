package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSetGetRoundtrip(t *testing.T) {
	c := openTestCache(t)

	require.NoError(t, c.Set("k1", []byte("hello"), "demo", time.Hour))

	val, ok := c.Get("k1")
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), val)
}

func TestGetMissing(t *testing.T) {
	c := openTestCache(t)

	_, ok := c.Get("nope")
	assert.False(t, ok)
}

func TestGetExpired(t *testing.T) {
	c := openTestCache(t)

	require.NoError(t, c.Set("k1", []byte("hello"), "demo", -time.Second))

	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestSetJSONGetJSON(t *testing.T) {
	c := openTestCache(t)

	type payload struct {
		Name string
		N    int
	}
	in := payload{Name: "alice", N: 7}
	require.NoError(t, c.SetJSON("p1", in, "demo", time.Hour))

	var out payload
	ok, err := c.GetJSON("p1", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, in, out)
}

func TestEvictByTag(t *testing.T) {
	c := openTestCache(t)

	require.NoError(t, c.Set("k1", []byte("a"), "scheduler", time.Hour))
	require.NoError(t, c.Set("k2", []byte("b"), "scheduler", time.Hour))
	require.NoError(t, c.Set("k3", []byte("c"), "manifest", time.Hour))

	require.NoError(t, c.Evict("scheduler"))

	_, ok := c.Get("k1")
	assert.False(t, ok)
	_, ok = c.Get("k2")
	assert.False(t, ok)
	val, ok := c.Get("k3")
	assert.True(t, ok)
	assert.Equal(t, []byte("c"), val)
}

func TestKeysOfTag(t *testing.T) {
	c := openTestCache(t)

	require.NoError(t, c.Set("a", []byte("1"), "tagx", time.Hour))
	require.NoError(t, c.Set("b", []byte("2"), "tagx", time.Hour))

	keys, err := c.KeysOfTag("tagx")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestEnforceSizeCap(t *testing.T) {
	c, err := Open(t.TempDir(), 2)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set("a", []byte("1"), "", time.Hour))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Set("b", []byte("2"), "", time.Hour))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Set("c", []byte("3"), "", time.Hour))

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get("c")
	assert.True(t, ok)
}
