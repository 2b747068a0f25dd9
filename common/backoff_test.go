package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)
	first := b.Next()
	assert.InDelta(t, float64(time.Second), float64(first), float64(200*time.Millisecond))

	second := b.Next()
	assert.InDelta(t, float64(2*time.Second), float64(second), float64(400*time.Millisecond))

	for range 10 {
		assert.LessOrEqual(t, b.Next(), 6*time.Second)
	}
	assert.Equal(t, 12, b.Failures())

	b.Reset()
	assert.Zero(t, b.Failures())
}

func TestBackoffWaitHonorsContext(t *testing.T) {
	b := NewBackoff(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, b.Wait(ctx), context.Canceled)

	b = NewBackoff(time.Millisecond, 5*time.Millisecond)
	require.NoError(t, b.Wait(context.Background()))
}
