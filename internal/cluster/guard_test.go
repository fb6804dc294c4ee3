package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCrashLoopGuard(t *testing.T) {
	g := NewCrashLoopGuard(time.Second)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, g.ShouldRestart(t0), "first restart is always allowed")
	assert.Equal(t, t0, g.Last())

	assert.False(t, g.ShouldRestart(t0.Add(200*time.Millisecond)))
	assert.Equal(t, t0, g.Last(), "a refused restart does not move the window")

	assert.False(t, g.ShouldRestart(t0.Add(999*time.Millisecond)))
	assert.True(t, g.ShouldRestart(t0.Add(time.Second)))
	assert.True(t, g.ShouldRestart(t0.Add(3*time.Second)))
	assert.Equal(t, t0.Add(3*time.Second), g.Last())
}
