package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	k := newRateLimiter(1, 2)
	k.now = func() time.Time { return now }

	assert.True(t, k.allow("a"))
	assert.True(t, k.allow("a"))
	assert.False(t, k.allow("a"))
	assert.True(t, k.allow("b"), "keys have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, k.allow("a"))
	assert.False(t, k.allow("a"))

	now = now.Add(time.Hour)
	k.allow("b")
	assert.Equal(t, 1, k.forget(10*time.Minute))
	_, kept := k.clients["b"]
	assert.True(t, kept)
}
