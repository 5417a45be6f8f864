package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketlens/fillx/app/query/types"
	"github.com/marketlens/fillx/pkg/db"
	"github.com/marketlens/fillx/pkg/db/models/fills"
)

type fakeFills struct {
	db.FillStore
	committed  []time.Time
	maxVersion uint64
	partitions []fills.PartitionSummary
}

func (f *fakeFills) CommittedDates(_ context.Context, start, end time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, d := range f.committed {
		if !d.Before(start) && !d.After(end) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeFills) MaxPartitionVersion(context.Context) (uint64, error) {
	return f.maxVersion, nil
}

func (f *fakeFills) ListPartitions(context.Context) ([]fills.PartitionSummary, error) {
	return f.partitions, nil
}

type fakeReports struct {
	db.ReportStore
	generation *db.Generation

	activeUsers []db.ActiveUsersRow
	lastParams  db.QueryParams
	lastLimit   int
}

func (f *fakeReports) CurrentGeneration(context.Context) (*db.Generation, error) {
	return f.generation, nil
}

func (f *fakeReports) ActiveUsers(_ context.Context, p db.QueryParams) ([]db.ActiveUsersRow, error) {
	f.lastParams = p
	return f.activeUsers, nil
}

func (f *fakeReports) TopUsers(_ context.Context, p db.QueryParams, limit int) ([]db.TopUserRow, error) {
	f.lastParams = p
	f.lastLimit = limit
	return nil, nil
}

func (f *fakeReports) Summary(context.Context) (*db.SummaryRow, error) {
	return &db.SummaryRow{}, nil
}

func dates(days ...int) []time.Time {
	out := make([]time.Time, 0, len(days))
	for _, d := range days {
		out = append(out, time.Date(2025, 8, d, 0, 0, 0, 0, time.UTC))
	}
	return out
}

func newTestController(fillsDb *fakeFills, reportsDb *fakeReports) *Controller {
	return NewController(&types.App{
		FillsDB:   fillsDb,
		ReportsDB: reportsDb,
		Logger:    zap.NewNop(),
	})
}

func get(t *testing.T, c *Controller, url string) *httptest.ResponseRecorder {
	t.Helper()
	router, err := c.NewRouter()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	return rec
}

func TestActiveUsersHappyPath(t *testing.T) {
	fillsDb := &fakeFills{committed: dates(1, 2, 3), maxVersion: 3}
	reportsDb := &fakeReports{
		generation: &db.Generation{Generation: 4, MaxPartitionVersion: 3},
		activeUsers: []db.ActiveUsersRow{
			{Date: dates(1)[0], ActiveUsers: 42},
		},
	}
	c := newTestController(fillsDb, reportsDb)

	rec := get(t, c, "/metrics/active-users?start=2025-08-01&end=2025-08-03&coins=ETH,BTC")
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data       []db.ActiveUsersRow `json:"data"`
		Generation uint64              `json:"generation"`
		Stale      bool                `json:"stale"`
		Cached     bool                `json:"cached"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))

	assert.Equal(t, uint64(4), envelope.Generation)
	assert.False(t, envelope.Stale)
	assert.False(t, envelope.Cached)
	require.Len(t, envelope.Data, 1)
	assert.Equal(t, uint64(42), envelope.Data[0].ActiveUsers)

	// Coin filter is passed through sorted.
	assert.Equal(t, []string{"BTC", "ETH"}, reportsDb.lastParams.Coins)
}

func TestMissingDateIsReportedNotOmitted(t *testing.T) {
	fillsDb := &fakeFills{committed: dates(1, 3), maxVersion: 2}
	reportsDb := &fakeReports{generation: &db.Generation{Generation: 1, MaxPartitionVersion: 2}}
	c := newTestController(fillsDb, reportsDb)

	rec := get(t, c, "/metrics/active-users?start=2025-08-01&end=2025-08-03")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp coverageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"2025-08-02"}, resp.Missing)
}

func TestStaleFlagWhenGenerationLagsPartitions(t *testing.T) {
	fillsDb := &fakeFills{committed: dates(1), maxVersion: 9}
	reportsDb := &fakeReports{generation: &db.Generation{Generation: 2, MaxPartitionVersion: 5}}
	c := newTestController(fillsDb, reportsDb)

	rec := get(t, c, "/metrics/active-users?start=2025-08-01&end=2025-08-01")
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope metricEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.True(t, envelope.Stale)
}

func TestNoGenerationYet(t *testing.T) {
	fillsDb := &fakeFills{committed: dates(1)}
	reportsDb := &fakeReports{}
	c := newTestController(fillsDb, reportsDb)

	rec := get(t, c, "/metrics/active-users?start=2025-08-01&end=2025-08-01")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTopUsersLimitClamped(t *testing.T) {
	fillsDb := &fakeFills{committed: dates(1), maxVersion: 1}
	reportsDb := &fakeReports{generation: &db.Generation{Generation: 1, MaxPartitionVersion: 1}}
	c := newTestController(fillsDb, reportsDb)

	rec := get(t, c, "/metrics/top-users?start=2025-08-01&end=2025-08-01&limit=5000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxTopLimit, reportsDb.lastLimit)

	rec = get(t, c, "/metrics/top-users?start=2025-08-01&end=2025-08-01")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultTopLimit, reportsDb.lastLimit)
}

func TestBadParams(t *testing.T) {
	fillsDb := &fakeFills{}
	reportsDb := &fakeReports{}
	c := newTestController(fillsDb, reportsDb)

	cases := []string{
		"/metrics/active-users",                                                 // missing range
		"/metrics/active-users?start=2025-08-03&end=2025-08-01",                 // inverted
		"/metrics/active-users?start=bogus&end=2025-08-01",                      // bad date
		"/metrics/active-users?start=2025-08-01&end=2025-08-01&scope=sideways",  // bad scope
		"/metrics/top-users?start=2025-08-01&end=2025-08-01&limit=-2",           // bad limit
		"/metrics/volume-distribution?start=2025-08-01&end=2025-08-01&buckets=100,50", // not ascending
	}
	for _, url := range cases {
		rec := get(t, c, url)
		assert.Equal(t, http.StatusBadRequest, rec.Code, url)
	}
}

func TestGenerationEndpoint(t *testing.T) {
	fillsDb := &fakeFills{maxVersion: 5}
	reportsDb := &fakeReports{generation: &db.Generation{Generation: 3, MaxPartitionVersion: 5}}
	c := newTestController(fillsDb, reportsDb)

	rec := get(t, c, "/generation")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Generation db.Generation `json:"generation"`
		Stale      bool          `json:"stale"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(3), resp.Generation.Generation)
	assert.False(t, resp.Stale)
}

func TestPartitionsEndpoint(t *testing.T) {
	fillsDb := &fakeFills{partitions: []fills.PartitionSummary{
		{Date: dates(1)[0], RowCount: 100, Version: 1},
	}}
	c := newTestController(fillsDb, &fakeReports{})

	rec := get(t, c, "/partitions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"row_count":100`)
}
