package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBasicCacheAddGetDelete(t *testing.T) {
	c := NewBasic[uint32, struct{}](t.Context())

	assert.True(t, c.Add(7, struct{}{}, 0))
	assert.True(t, c.Exists(7))

	_, ok := c.Get(7)
	assert.True(t, ok)

	assert.True(t, c.Delete(7))
	assert.False(t, c.Exists(7))
}

func TestBasicCacheExpiresEntries(t *testing.T) {
	c := NewBasic[uint32, struct{}](t.Context(), WithCleanUpInterval(5*time.Millisecond))

	c.Add(11, struct{}{}, 10*time.Millisecond)
	assert.True(t, c.Exists(11))

	assert.Eventually(t, func() bool {
		return !c.Exists(11)
	}, 200*time.Millisecond, 5*time.Millisecond)
}

func TestBasicCacheZeroExpirationNeverSwept(t *testing.T) {
	c := NewBasic[uint32, struct{}](t.Context(), WithCleanUpInterval(5*time.Millisecond))

	c.Add(3, struct{}{}, 0)
	time.Sleep(40 * time.Millisecond)

	assert.True(t, c.Exists(3))
}

func TestBasicCacheKeys(t *testing.T) {
	c := NewBasic[uint32, struct{}](t.Context())

	c.Add(1, struct{}{}, 0)
	c.Add(2, struct{}{}, 0)

	assert.ElementsMatch(t, []uint32{1, 2}, c.Keys())
}
