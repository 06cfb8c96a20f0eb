package repair

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/facility"
	"github.com/courtatlas/geocurator/internal/lease"
	"github.com/courtatlas/geocurator/pkg/geocode"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type memRecords struct {
	recs    []facility.Record
	patches map[string]facility.Patch
	pages   int
}

func (m *memRecords) PageAfter(_ context.Context, afterID string, limit int) ([]facility.Record, error) {
	m.pages++
	sort.Slice(m.recs, func(i, j int) bool { return m.recs[i].ID < m.recs[j].ID })
	var out []facility.Record
	for _, r := range m.recs {
		if r.ID > afterID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRecords) ApplyPatch(_ context.Context, id string, p facility.Patch) error {
	if m.patches == nil {
		m.patches = map[string]facility.Patch{}
	}
	m.patches[id] = p
	return nil
}

type fakeReverser struct {
	result geocode.ReverseResult
	err    error
	calls  int
}

func (f *fakeReverser) Reverse(context.Context, float64, float64) (geocode.ReverseResult, error) {
	f.calls++
	return f.result, f.err
}

type memCursor struct {
	id    string
	saves []string
}

func (c *memCursor) Load(context.Context) (string, error) { return c.id, nil }

func (c *memCursor) Save(_ context.Context, id string) error {
	c.id = id
	c.saves = append(c.saves, id)
	return nil
}

type openLeases struct{ heldBy string }

func (o openLeases) TryAcquire(_ context.Context, _, owner string, _ time.Duration) (lease.Result, error) {
	if o.heldBy != "" {
		return lease.Result{HeldBy: o.heldBy}, nil
	}
	return lease.Result{Acquired: true, HeldBy: owner}, nil
}

func (openLeases) Release(context.Context, string, string) error { return nil }

func ptr(s string) *string { return &s }

func TestRun_ConservativeParsesAddress(t *testing.T) {
	recs := &memRecords{recs: []facility.Record{
		{ID: "a", Name: "Tennis Courts", Address: "120 N Main St, Dayton, Ohio 45402", Lat: 39.75, Lon: -84.19, Sports: []string{"tennis"}},
		{ID: "b", Name: "Riverside Courts", Address: "Dayton, OH", City: "Dayton", State: "OH", Lat: 39.76, Lon: -84.2},
		{ID: "c", Name: "Elm Park", City: "Columbus", State: "ohio", Lat: 39.96, Lon: -83},
	}}
	rev := &fakeReverser{result: geocode.ReverseResult{Address: "x", City: "y", State: "CA"}}
	cur := &memCursor{}
	r := New(recs, rev, cur, openLeases{})

	rep, err := r.Run(context.Background(), Options{Mode: Conservative})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Scanned)
	assert.Equal(t, 2, rep.Updated)
	assert.Zero(t, rev.calls, "conservative mode never calls out")
	assert.True(t, rep.Wrapped)
	assert.Equal(t, "", cur.id)

	assert.Equal(t, facility.Patch{
		Name:  ptr("N Main St Tennis Courts"),
		City:  ptr("Dayton"),
		State: ptr("OH"),
	}, recs.patches["a"])
	assert.NotContains(t, recs.patches, "b")
	assert.Equal(t, facility.Patch{State: ptr("OH")}, recs.patches["c"])
}

func TestRun_BalancedMemoizesPerCell(t *testing.T) {
	recs := &memRecords{recs: []facility.Record{
		{ID: "a", Name: "Lincoln Park Courts", Lat: 41.92101, Lon: -87.63401},
		{ID: "b", Name: "Court", Lat: 41.92102, Lon: -87.63402, Sports: []string{"basketball"}},
		{ID: "c", Name: "", Lat: 41.92103, Lon: -87.63403},
		{ID: "d", Name: "Far Away", Lat: 40.0, Lon: -88.0},
	}}
	rev := &fakeReverser{result: geocode.ReverseResult{Address: "2045 N Lincoln Park W", City: "Chicago", State: "Illinois"}}
	r := New(recs, rev, &memCursor{}, openLeases{})

	rep, err := r.Run(context.Background(), Options{Mode: Balanced, ClusterDecimals: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, rev.calls, "one call per unique cell")
	assert.Equal(t, 2, rep.MemoHits)
	assert.Equal(t, "Lincoln Park Courts", *recs.patches["b"].Name, "nearby good name reused")
	assert.Equal(t, "Lincoln Park Courts", *recs.patches["c"].Name)
	assert.Equal(t, "IL", *recs.patches["a"].State)
	assert.Nil(t, recs.patches["a"].Name)
}

func TestRun_FullRespectsCap(t *testing.T) {
	recs := &memRecords{}
	for _, id := range []string{"a", "b", "c", "d"} {
		recs.recs = append(recs.recs, facility.Record{ID: id, Name: "Center " + id, Lat: 41.9, Lon: -87.6})
	}
	rev := &fakeReverser{result: geocode.ReverseResult{Address: "1 Main St", City: "Chicago", State: "IL"}}
	r := New(recs, rev, &memCursor{}, openLeases{})

	rep, err := r.Run(context.Background(), Options{Mode: Full, CapPerRun: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, rev.calls, "full mode skips the cell memo but honors the cap")
	assert.Equal(t, 3, rep.ReverseCalls)
	assert.Equal(t, 3, rep.Updated)
}

func TestRun_ParseAddressOnlySkipsReverse(t *testing.T) {
	recs := &memRecords{recs: []facility.Record{{ID: "a", Name: "Gym", Lat: 41.9, Lon: -87.6}}}
	rev := &fakeReverser{}
	_, err := New(recs, rev, &memCursor{}, openLeases{}).Run(context.Background(), Options{Mode: Full, ParseAddressOnly: true})
	require.NoError(t, err)
	assert.Zero(t, rev.calls)
}

func TestRun_ReverseFailureSkipsRecord(t *testing.T) {
	recs := &memRecords{recs: []facility.Record{{ID: "a", Name: "Gym", Lat: 41.9, Lon: -87.6}}}
	rev := &fakeReverser{err: errors.New("provider down")}
	rep, err := New(recs, rev, &memCursor{}, openLeases{}).Run(context.Background(), Options{Mode: Full})
	require.NoError(t, err)
	assert.Zero(t, rep.Updated)
	assert.Empty(t, recs.patches)
}

func TestRun_TimeBudgetPersistsCursor(t *testing.T) {
	recs := &memRecords{}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		recs.recs = append(recs.recs, facility.Record{ID: id, Name: "Center " + id, City: "X", State: "TX"})
	}
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	cur := &memCursor{}
	r := New(recs, nil, cur, openLeases{}, WithClock(clock))

	rep, err := r.Run(context.Background(), Options{PageSize: 2, TimeBudget: 4 * time.Second})
	require.NoError(t, err)
	assert.True(t, rep.TimedOut)
	assert.False(t, rep.Wrapped)
	assert.NotEmpty(t, rep.Cursor)
	assert.Less(t, rep.Scanned, 5)
	assert.Equal(t, rep.Cursor, cur.id)

	// The next run resumes after the cursor.
	resumed := New(recs, nil, cur, openLeases{})
	rep2, err := resumed.Run(context.Background(), Options{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Scanned+rep2.Scanned)
	assert.True(t, rep2.Wrapped)
}

func TestRun_LeaseHeld(t *testing.T) {
	recs := &memRecords{}
	rep, err := New(recs, nil, &memCursor{}, openLeases{heldBy: "other"}).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, rep.LeaseHeld)
	assert.Zero(t, recs.pages)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Balanced ")
	require.NoError(t, err)
	assert.Equal(t, Balanced, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Conservative, m)

	_, err = ParseMode("aggressive")
	assert.Error(t, err)
}

func TestPostgresCursor(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT cursor FROM job_status").WithArgs("record_repair").WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("UPDATE job_status SET cursor").WithArgs("record_repair", "osm:node:9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	c := NewPostgresCursor(mock)
	id, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
	require.NoError(t, c.Save(context.Background(), "osm:node:9"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
