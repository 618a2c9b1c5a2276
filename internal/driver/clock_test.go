package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVirtualClock(t *testing.T) {
	start := time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)
	c := NewVirtualClock(start)
	assert.True(t, c.Now().Equal(start))

	next := c.Advance(time.Minute)
	assert.True(t, next.Equal(start.Add(time.Minute)))
	assert.True(t, c.Now().Equal(next))

	c.Set(start)
	assert.True(t, c.Now().Equal(start), "Set may move the clock backwards")
}

func TestWallClockTracksTime(t *testing.T) {
	before := time.Now()
	got := WallClock{}.Now()
	after := time.Now()
	assert.False(t, got.Before(before))
	assert.False(t, got.After(after))
}
