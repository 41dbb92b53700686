package helpers

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 100 * time.Millisecond, Max: 3 * time.Second, K: 2}
	cases := []struct {
		attempt int
		expect  time.Duration
	}{
		{-1, 0},
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, 1600 * time.Millisecond},
		{6, 3 * time.Second},
		{100, 3 * time.Second},
	}
	for _, c := range cases {
		c := c
		t.Run(fmt.Sprintf("attempt=%d", c.attempt), func(t *testing.T) {
			assert.Equal(t, c.expect, b.Delay(c.attempt))
		})
	}
}

func TestBackoffMonotonic(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 7 * time.Millisecond, Max: time.Second, K: 1.5}
	prev := time.Duration(0)
	for i := 0; i < 50; i++ {
		d := b.Delay(i)
		assert.True(t, d >= prev, "attempt=%d delay=%s prev=%s", i, d, prev)
		assert.True(t, d <= b.Max)
		prev = d
	}
}
