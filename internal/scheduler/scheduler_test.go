package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renewal-mail-engine/internal/metrics"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func TestSchedulerRestart(t *testing.T) {
	sched := NewScheduler("poller", 60, func(ctx context.Context) error { return nil }, newTestMetrics())

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	assert.Error(t, sched.Start(), "starting twice must fail")

	require.NoError(t, sched.Stop())
	assert.False(t, sched.IsRunning())
	assert.True(t, sched.GetNextRun().IsZero())

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	// context should be active after restart
	require.NotNil(t, sched.ctx)
	assert.NoError(t, sched.ctx.Err())
	assert.False(t, sched.GetNextRun().IsZero())
	require.NoError(t, sched.Stop())
}

func TestSchedulerRejectsInvalidInterval(t *testing.T) {
	sched := NewScheduler("poller", 0, func(ctx context.Context) error { return nil }, newTestMetrics())
	assert.Error(t, sched.Start())
	assert.False(t, sched.IsRunning())
}

func TestRunOnceRecordsStatus(t *testing.T) {
	var calls int32
	boom := errors.New("boom")
	sched := NewScheduler("campaigns", 5, func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 2 {
			return boom
		}
		return nil
	}, newTestMetrics())

	require.NoError(t, sched.RunOnce(context.Background()))
	st := sched.Status()
	assert.Equal(t, "campaigns", st.Name)
	assert.False(t, st.Running)
	assert.Equal(t, 5, st.IntervalMinutes)
	assert.False(t, st.LastRun.IsZero())
	assert.Empty(t, st.LastError)

	assert.ErrorIs(t, sched.RunOnce(context.Background()), boom)
	assert.Equal(t, "boom", sched.Status().LastError)
}

func TestRunOnceDoesNotOverlap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	sched := NewScheduler("poller", 5, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, newTestMetrics())

	done := make(chan error, 1)
	go func() { done <- sched.RunOnce(context.Background()) }()
	<-started

	assert.ErrorIs(t, sched.RunOnce(context.Background()), ErrBusy)

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not finish")
	}
	sched.Wait()
}

func TestScheduleExpression(t *testing.T) {
	assert.Equal(t, "0 */5 * * * *", NewScheduler("a", 5, nil, nil).schedule())
	assert.Equal(t, "@every 90m", NewScheduler("a", 90, nil, nil).schedule())
}
