package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/common/apperr"
)

func TestLockRegistryMutualExclusion(t *testing.T) {
	reg := NewLockRegistry()
	ctx := context.Background()

	const workers = 8
	const iterations = 50

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				release, err := reg.Acquire(ctx, "s1")
				require.NoError(t, err)
				counter++
				release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*iterations, counter)
	assert.Equal(t, 0, reg.Len())
}

func TestLockRegistryIndependentSessions(t *testing.T) {
	reg := NewLockRegistry()
	ctx := context.Background()

	release1, err := reg.Acquire(ctx, "s1")
	require.NoError(t, err)
	defer release1()

	// A different session is not blocked.
	done := make(chan struct{})
	go func() {
		release2, err := reg.Acquire(ctx, "s2")
		assert.NoError(t, err)
		release2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second session blocked behind the first")
	}
}

func TestLockRegistryCancellation(t *testing.T) {
	reg := NewLockRegistry()

	release, err := reg.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = reg.Acquire(ctx, "s1")
	assert.True(t, apperr.IsKind(err, apperr.KindCancelled))

	release()
	assert.Equal(t, 0, reg.Len())
}

func TestLockRegistryDoubleRelease(t *testing.T) {
	reg := NewLockRegistry()

	release, err := reg.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	release()
	release() // second call is a no-op

	assert.Equal(t, 0, reg.Len())
}
