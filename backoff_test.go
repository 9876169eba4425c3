package dnssd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := NewBackoff(8*time.Second, time.Second)
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Duration())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}, got)
}

func TestBackoffHoldRepeatsInterval(t *testing.T) {
	b := NewBackoff(time.Minute, time.Second)
	b.Duration()
	assert.Equal(t, 2*time.Second, b.Duration())

	b.Hold()
	assert.Equal(t, 2*time.Second, b.Duration())
	assert.Equal(t, 4*time.Second, b.Duration(), "hold lasts for one call")
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Minute, time.Second)
	b.Duration()
	b.Duration()
	b.Reset()
	assert.Equal(t, time.Second, b.Duration())
}

func TestBackoffDecay(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBackoff(time.Minute, time.Second)
	b.now = func() time.Time { return now }
	b.SetDecay(10 * time.Second)

	b.Duration()
	assert.Equal(t, 2*time.Second, b.Duration())

	now = now.Add(11 * time.Second)
	assert.Equal(t, time.Second, b.Duration())
}

func TestNewBackoffNormalizesArguments(t *testing.T) {
	b := NewBackoff(0, 0)
	assert.Equal(t, time.Second, b.Duration())
	assert.Equal(t, time.Second, b.Duration())
}
