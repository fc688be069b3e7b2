package rate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLimiterBurstThenBlocks(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewKeyed(30*time.Second, 2, time.Hour)
	l.now = func() time.Time { return now }

	ok, _ := l.Allow("submit:1.2.3.4")
	assert.True(t, ok)
	ok, _ = l.Allow("submit:1.2.3.4")
	assert.True(t, ok)
	ok, retry := l.Allow("submit:1.2.3.4")
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))

	ok, _ = l.Allow("submit:5.6.7.8")
	assert.True(t, ok, "other keys have their own bucket")

	now = now.Add(31 * time.Second)
	ok, _ = l.Allow("submit:1.2.3.4")
	assert.True(t, ok, "bucket refills over time")
}

func TestKeyedLimiterPrune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewKeyed(time.Second, 1, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(2 * time.Minute)
	l.Allow("b")
	assert.Equal(t, 1, l.Prune())
}

func TestPerMinuteZeroDisables(t *testing.T) {
	l := PerMinute(0)
	for i := 0; i < 100; i++ {
		ok, _ := l.Allow("x")
		assert.True(t, ok)
	}
}
