package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacer_DisabledWhenDelayNonPositive(t *testing.T) {
	p := NewPacer(0)
	start := time.Now()
	for i := 0; i < 5; i++ {
		assert.NoError(t, p.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPacer_SpacesCallsByDelay(t *testing.T) {
	p := NewPacer(20)
	ctx := context.Background()
	assert.NoError(t, p.Wait(ctx))
	start := time.Now()
	assert.NoError(t, p.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestPacer_RespectsContextCancellation(t *testing.T) {
	p := NewPacer(1000)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, p.Wait(context.Background()))
	err := p.Wait(ctx)
	assert.Error(t, err)
}
