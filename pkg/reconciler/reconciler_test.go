package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCleaner struct {
	calls int
	err   error
}

func (f *fakeCleaner) CleanupOrphans(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeRetrier struct {
	calls   int
	minAge  time.Duration
	window  time.Duration
	retried int
	err     error
}

func (f *fakeRetrier) RetryFailed(ctx context.Context, minAge, window time.Duration) (int, error) {
	f.calls++
	f.minAge = minAge
	f.window = window
	return f.retried, f.err
}

func TestTickRunsBothSweeps(t *testing.T) {
	cleaner := &fakeCleaner{}
	retrier := &fakeRetrier{retried: 2}
	r := New(cleaner, retrier, Config{})

	require.NoError(t, r.Tick(context.Background()))

	assert.Equal(t, 1, cleaner.calls)
	assert.Equal(t, 1, retrier.calls)
	assert.Equal(t, DefaultRetryMinAge, retrier.minAge)
	assert.Equal(t, DefaultRetryWindow, retrier.window)
}

func TestTickContinuesPastCleanupFailure(t *testing.T) {
	cleaner := &fakeCleaner{err: errors.New("host unreachable")}
	retrier := &fakeRetrier{}
	r := New(cleaner, retrier, Config{})

	require.NoError(t, r.Tick(context.Background()))

	assert.Equal(t, 1, cleaner.calls)
	assert.Equal(t, 1, retrier.calls)
}

func TestConfigOverridesRetryBounds(t *testing.T) {
	retrier := &fakeRetrier{}
	r := New(nil, retrier, Config{
		RetryMinAge: 5 * time.Minute,
		RetryWindow: time.Hour,
	})

	require.NoError(t, r.Tick(context.Background()))

	assert.Equal(t, 5*time.Minute, retrier.minAge)
	assert.Equal(t, time.Hour, retrier.window)
}

func TestNilSweepsAreSkipped(t *testing.T) {
	r := New(nil, nil, Config{})
	require.NoError(t, r.Tick(context.Background()))
}

func TestStartStopDrivesTicks(t *testing.T) {
	cleaner := &fakeCleaner{}
	r := New(cleaner, nil, Config{TickInterval: 10 * time.Millisecond})

	r.Start()
	time.Sleep(50 * time.Millisecond)
	r.Stop()

	assert.GreaterOrEqual(t, cleaner.calls, 1)
}
