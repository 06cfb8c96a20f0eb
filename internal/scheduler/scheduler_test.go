package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type recordingTracker struct {
	jobs []string
	errs []error
}

func (r *recordingTracker) Track(ctx context.Context, job string, fn func(ctx context.Context) (map[string]any, error)) error {
	r.jobs = append(r.jobs, job)
	_, err := fn(ctx)
	r.errs = append(r.errs, err)
	return err
}

func noop(context.Context) (map[string]any, error) { return nil, nil }

func TestAdd(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(Job{Name: "import_tick", Spec: "*/10 * * * *", Run: noop}))
	require.NoError(t, s.Add(Job{Name: "audit", Spec: "", Run: noop}), "empty spec disables")
	assert.Equal(t, []string{"import_tick"}, s.Jobs())

	assert.Error(t, s.Add(Job{Name: "import_tick", Spec: "@hourly", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "broken", Spec: "every tuesday", Run: noop}))
	assert.Error(t, s.Add(Job{Spec: "@hourly", Run: noop}))
}

func TestTrigger_TracksRun(t *testing.T) {
	runs := &recordingTracker{}
	s := New(runs)
	ran := 0
	require.NoError(t, s.Add(Job{Name: "cache_sweep", Spec: "@daily", Run: func(context.Context) (map[string]any, error) {
		ran++
		return map[string]any{"deleted": 3}, nil
	}}))

	require.NoError(t, s.Trigger(context.Background(), "cache_sweep"))
	assert.Equal(t, 1, ran)
	assert.Equal(t, []string{"cache_sweep"}, runs.jobs)

	assert.Error(t, s.Trigger(context.Background(), "missing"))
}

func TestTrigger_RecoversPanic(t *testing.T) {
	runs := &recordingTracker{}
	s := New(runs)
	require.NoError(t, s.Add(Job{Name: "dedup_sweep", Spec: "@daily", Run: func(context.Context) (map[string]any, error) {
		panic("nil map")
	}}))

	err := s.Trigger(context.Background(), "dedup_sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")
	require.Len(t, runs.errs, 1)
	assert.Error(t, runs.errs[0], "the run log sees the panic as a failure")
}

func TestTrigger_ReturnsJobError(t *testing.T) {
	s := New(nil)
	boom := errors.New("lease store down")
	require.NoError(t, s.Add(Job{Name: "backfill", Spec: "@hourly", Run: func(context.Context) (map[string]any, error) {
		return nil, boom
	}}))
	assert.ErrorIs(t, s.Trigger(context.Background(), "backfill"), boom)
}

func TestTrigger_AppliesTimeout(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(Job{Name: "slow", Spec: "@hourly", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}))
	assert.ErrorIs(t, s.Trigger(context.Background(), "slow"), context.DeadlineExceeded)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(Job{Name: "import_tick", Spec: "@every 1h", Run: noop}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
