package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualFiresTimersInDeadlineOrder(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewManual(start)

	var fired []string
	c.AfterFunc(30*time.Millisecond, func() { fired = append(fired, "c") })
	c.AfterFunc(10*time.Millisecond, func() { fired = append(fired, "a") })
	c.AfterFunc(20*time.Millisecond, func() { fired = append(fired, "b") })

	c.Advance(15 * time.Millisecond)
	assert.Equal(t, []string{"a"}, fired)

	c.Advance(15 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, start.Add(30*time.Millisecond), c.Now())
	assert.Equal(t, 0, c.Pending())
}

func TestManualStop(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())

	c.Advance(2 * time.Second)
	assert.False(t, called)
}

func TestManualCallbackSeesDeadlineAndCanReschedule(t *testing.T) {
	start := time.Unix(0, 0)
	c := NewManual(start)

	var seen []time.Time
	var tick func()
	tick = func() {
		seen = append(seen, c.Now())
		if len(seen) < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	require.Len(t, seen, 3)
	assert.Equal(t, start.Add(1*time.Second), seen[0])
	assert.Equal(t, start.Add(2*time.Second), seen[1])
	assert.Equal(t, start.Add(3*time.Second), seen[2])
	assert.Equal(t, start.Add(10*time.Second), c.Now())
}
