package locker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/grocer/internal/domain/failure"
)

func TestLocal_SerializesKey(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(time.Second)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "checkout:c-1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, l.held(), "released keys are forgotten")
}

func TestLocal_HeldKeyTimesOut(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(20 * time.Millisecond)

	unlock, err := l.Lock(ctx, "checkout:c-1")
	require.NoError(t, err)

	_, err = l.Lock(ctx, "checkout:c-1")
	assert.ErrorIs(t, err, failure.ErrConflict)

	other, err := l.Lock(ctx, "checkout:c-2")
	require.NoError(t, err)
	other(ctx)

	unlock(ctx)
	unlock(ctx)

	again, err := l.Lock(ctx, "checkout:c-1")
	require.NoError(t, err)
	again(ctx)
	assert.Zero(t, l.held())
}
