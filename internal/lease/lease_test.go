package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresManager_AcquireFreeLease(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	m := NewPostgresManager(mock)
	m.nowFunc = func() time.Time { return now }

	past := now.Add(-time.Minute)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO job_status").WithArgs(RegionRotation).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT lease_owner, lease_expires_at FROM job_status").WithArgs(RegionRotation).
		WillReturnRows(pgxmock.NewRows([]string{"lease_owner", "lease_expires_at"}).AddRow("old-run", &past))
	mock.ExpectExec("UPDATE job_status SET lease_owner").
		WithArgs(RegionRotation, "run-1", now.Add(540*time.Second)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := m.TryAcquire(context.Background(), RegionRotation, "run-1", 540*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.Equal(t, "run-1", res.HeldBy)
	assert.Equal(t, now.Add(540*time.Second), res.HeldUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresManager_HeldLeaseReportsHolder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	m := NewPostgresManager(mock)
	m.nowFunc = func() time.Time { return now }

	until := now.Add(5 * time.Minute)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO job_status").WithArgs(CityBackfill).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT lease_owner, lease_expires_at FROM job_status").WithArgs(CityBackfill).
		WillReturnRows(pgxmock.NewRows([]string{"lease_owner", "lease_expires_at"}).AddRow("run-1", &until))
	mock.ExpectCommit()

	res, err := m.TryAcquire(context.Background(), CityBackfill, "run-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, "run-1", res.HeldBy)
	assert.Equal(t, until, res.HeldUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresManager_Release(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE job_status SET lease_owner = ''").WithArgs(RegionRotation, "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, NewPostgresManager(mock).Release(context.Background(), RegionRotation, "run-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type stubManager struct{ res Result }

func (s stubManager) TryAcquire(context.Context, string, string, time.Duration) (Result, error) {
	return s.res, nil
}
func (s stubManager) Release(context.Context, string, string) error { return nil }

func TestAcquire_ContentionIsErrHeld(t *testing.T) {
	_, err := Acquire(context.Background(), stubManager{res: Result{HeldBy: "x"}}, RegionRotation, "y", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	res, err := Acquire(context.Background(), stubManager{res: Result{Acquired: true}}, RegionRotation, "y", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func newRedisManager(t *testing.T) (*RedisManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisManager(client), mr
}

func TestRedisManager_ExactlyOneConcurrentWinner(t *testing.T) {
	m, _ := newRedisManager(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		losers  = make(chan Result, 2)
	)
	for _, owner := range []string{"run-a", "run-b"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			res, err := m.TryAcquire(ctx, RegionRotation, owner, time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if res.Acquired {
				winners.Add(1)
			} else {
				losers <- res
			}
		}(owner)
	}
	wg.Wait()
	close(losers)

	assert.Equal(t, int32(1), winners.Load())
	loser, ok := <-losers
	require.True(t, ok)
	assert.False(t, loser.Acquired)
	assert.False(t, loser.HeldUntil.IsZero())
}

func TestRedisManager_ReleaseThenReacquire(t *testing.T) {
	m, mr := newRedisManager(t)
	ctx := context.Background()

	res, err := m.TryAcquire(ctx, CityBackfill, "run-a", time.Minute)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	res, err = m.TryAcquire(ctx, CityBackfill, "run-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, "run-a", res.HeldBy)

	require.NoError(t, m.Release(ctx, CityBackfill, "run-a"))
	assert.False(t, mr.Exists("lease:city_backfill"))

	res, err = m.TryAcquire(ctx, CityBackfill, "run-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestRedisManager_ExpiredLeaseIsFree(t *testing.T) {
	m, mr := newRedisManager(t)
	ctx := context.Background()

	res, err := m.TryAcquire(ctx, RegionRotation, "run-a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	mr.FastForward(11 * time.Second)

	res, err = m.TryAcquire(ctx, RegionRotation, "run-b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestBound(t *testing.T) {
	assert.Equal(t, 510*time.Second, Bound(540*time.Second))
	assert.Equal(t, 30*time.Second, Bound(time.Minute))
	assert.Equal(t, 10*time.Second, Bound(20*time.Second))
}
