package geocode

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/billing"
	"github.com/courtatlas/geocurator/internal/geocache"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeProvider records calls and returns canned answers.
type fakeProvider struct {
	mu sync.Mutex

	name    string
	places  []StandardPlace
	pages   int
	reverse ReverseResult
	details *StandardPlace
	err     error
	handles func(string) bool

	searchCalls  int
	reverseCalls int
	detailsCalls int
	lastMaxPages int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Handles(id string) bool {
	if f.handles == nil {
		return true
	}
	return f.handles(id)
}

func (f *fakeProvider) Search(_ context.Context, _ string, _ *Bias, maxPages int) ([]StandardPlace, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	f.lastMaxPages = maxPages
	if f.err != nil {
		return nil, 0, f.err
	}
	calls := f.pages
	if calls == 0 {
		calls = 1
	}
	return f.places, min(calls, maxPages), nil
}

func (f *fakeProvider) Reverse(context.Context, float64, float64) (ReverseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverseCalls++
	return f.reverse, f.err
}

func (f *fakeProvider) Details(context.Context, string) (*StandardPlace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailsCalls++
	return f.details, f.err
}

// memLedger is an in-memory billing.Ledger.
type memLedger struct {
	mu    sync.Mutex
	calls int
	spent decimal.Decimal
}

func (l *memLedger) Spent(context.Context, string, string) (int, decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls, l.spent, nil
}

func (l *memLedger) Charge(_ context.Context, _, _ string, calls int, cost decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls += calls
	l.spent = l.spent.Add(cost)
	return nil
}

func newGovernor(capCents float64, enabled bool) (*billing.Governor, *memLedger) {
	ledger := &memLedger{}
	gov := billing.New(ledger, billing.Config{
		MonthlyCapCents:   capCents,
		CommercialEnabled: enabled,
		PerCallCents: map[string]float64{
			billing.OpTextSearch:     3.2,
			billing.OpPlaceDetails:   1.7,
			billing.OpReverseGeocode: 0.5,
		},
	})
	return gov, ledger
}

// memStore is an in-memory geocache.Store.
type memStore struct {
	mu      sync.Mutex
	entries map[string]geocache.Entry
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]geocache.Entry{}}
}

func (s *memStore) Get(_ context.Context, key string) (*geocache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *memStore) Put(_ context.Context, e geocache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Key] = e
	return nil
}

func (s *memStore) DeleteExpired(_ context.Context, now time.Time, _ int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
