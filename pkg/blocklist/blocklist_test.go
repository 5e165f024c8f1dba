package blocklist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockIdempotenceMaxReleaseTime(t *testing.T) {
	b := New()
	now := time.Now()

	b.Block("worker1.example", 10*time.Second, now)
	first := b.Get("worker1.example")
	require.NotNil(t, first)

	// A second, shorter block must not shrink the release time.
	b.Block("worker1.example", 2*time.Second, now)
	second := b.Get("worker1.example")
	require.NotNil(t, second)
	assert.Equal(t, first.ReleaseAt, second.ReleaseAt)

	// A longer block extends it.
	b.Block("worker1.example", 30*time.Second, now)
	third := b.Get("worker1.example")
	require.NotNil(t, third)
	assert.True(t, third.ReleaseAt.After(second.ReleaseAt))

	assert.Equal(t, 1, third.TimesBlocked)
}

func TestUnblockRemovesUnconditionally(t *testing.T) {
	b := New()
	now := time.Now()
	b.Block("h", 0, now)
	assert.True(t, b.IsBlocked("h"))
	b.Unblock("h")
	assert.False(t, b.IsBlocked("h"))
	assert.Nil(t, b.Get("h"))
}

func TestIndefiniteBlockDominatesFiniteExtension(t *testing.T) {
	b := New()
	now := time.Now()
	b.Block("h", -1, now) // indefinite
	b.Block("h", 5*time.Second, now)
	e := b.Get("h")
	require.NotNil(t, e)
	assert.True(t, e.Indefinite)
}

func TestUnblockExpired(t *testing.T) {
	b := New()
	now := time.Now()
	b.Block("past", 1*time.Second, now)
	b.Block("future", 100*time.Second, now)
	b.Block("forever", 0, now)

	released := b.UnblockExpired(now.Add(2 * time.Second))
	assert.ElementsMatch(t, []string{"past"}, released)
	assert.False(t, b.IsBlocked("past"))
	assert.True(t, b.IsBlocked("future"))
	assert.True(t, b.IsBlocked("forever"))
}

func TestTimesBlockedOnlyIncrementsOnTransition(t *testing.T) {
	b := New()
	now := time.Now()
	b.Block("h", 5*time.Second, now)
	b.Block("h", 6*time.Second, now)
	assert.Equal(t, 1, b.Get("h").TimesBlocked)

	b.Unblock("h")
	b.Block("h", 5*time.Second, now)
	assert.Equal(t, 1, b.Get("h").TimesBlocked)
}
