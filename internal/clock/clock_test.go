package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var got []string
	c.AfterFunc(2*time.Second, func() { got = append(got, "b") })
	c.AfterFunc(time.Second, func() { got = append(got, "a") })
	c.AfterFunc(5*time.Second, func() { got = append(got, "c") })

	c.Advance(3 * time.Second)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, time.Unix(3, 0), c.Now())
}

func TestFakeStopAndReschedule(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := 0
	var tick func()
	tick = func() {
		fired++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)
	stopped := c.AfterFunc(500*time.Millisecond, func() { fired += 100 })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	c.Advance(3 * time.Second)
	assert.Equal(t, 3, fired)
}
