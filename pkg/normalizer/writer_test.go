package normalizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketlens/fillx/pkg/db/models/fills"
	"github.com/marketlens/fillx/pkg/schema"
)

// fakeStore is an in-memory stand-in for the ClickHouse partition store.
type fakeStore struct {
	staging    map[string][]*fills.Fill
	production map[string][]fills.Fill
	manifests  map[string]*fills.PartitionSummary
	maxVersion uint64

	failInsertAfter int // fail the Nth insert batch, 0 disables
	inserts         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		staging:    make(map[string][]*fills.Fill),
		production: make(map[string][]fills.Fill),
		manifests:  make(map[string]*fills.PartitionSummary),
	}
}

func (s *fakeStore) DatabaseName() string { return "test_fills" }
func (s *fakeStore) Close() error         { return nil }

func (s *fakeStore) InsertStagingFills(_ context.Context, rows []*fills.Fill) error {
	s.inserts++
	if s.failInsertAfter > 0 && s.inserts >= s.failInsertAfter {
		return errors.New("connection reset")
	}
	key := rows[0].DateString()
	s.staging[key] = append(s.staging[key], rows...)
	return nil
}

func (s *fakeStore) ClearStagingPartition(_ context.Context, date time.Time) error {
	delete(s.staging, date.Format(time.DateOnly))
	return nil
}

func (s *fakeStore) PromotePartition(_ context.Context, date time.Time) error {
	key := date.Format(time.DateOnly)
	rows := make([]fills.Fill, 0, len(s.staging[key]))
	for _, f := range s.staging[key] {
		rows = append(rows, *f)
	}
	s.production[key] = rows
	return nil
}

func (s *fakeStore) RecordPartition(_ context.Context, p *fills.PartitionSummary) error {
	s.manifests[p.Date.Format(time.DateOnly)] = p
	if p.Version > s.maxVersion {
		s.maxVersion = p.Version
	}
	return nil
}

func (s *fakeStore) GetPartition(_ context.Context, date time.Time) (*fills.PartitionSummary, error) {
	return s.manifests[date.Format(time.DateOnly)], nil
}

func (s *fakeStore) ListPartitions(_ context.Context) ([]fills.PartitionSummary, error) {
	var out []fills.PartitionSummary
	for _, p := range s.manifests {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *fakeStore) CommittedDates(_ context.Context, start, end time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, p := range s.manifests {
		if !p.Date.Before(start) && !p.Date.After(end) {
			out = append(out, p.Date)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *fakeStore) MaxPartitionVersion(_ context.Context) (uint64, error) {
	return s.maxVersion, nil
}

func (s *fakeStore) PartitionRowCount(_ context.Context, date time.Time) (uint64, error) {
	return uint64(len(s.production[date.Format(time.DateOnly)])), nil
}

func (s *fakeStore) DistinctUsers(_ context.Context, date time.Time) (uint64, error) {
	users := make(map[string]struct{})
	for _, f := range s.production[date.Format(time.DateOnly)] {
		users[f.UserAddress] = struct{}{}
	}
	return uint64(len(users)), nil
}

func (s *fakeStore) ReadPartition(_ context.Context, date time.Time) ([]fills.Fill, error) {
	return s.production[date.Format(time.DateOnly)], nil
}

func writeRaw(t *testing.T, root string, src schema.Source, date time.Time, hour string, lines []string) {
	t.Helper()
	dir := filepath.Join(root, src.Dir, "hourly", date.Format("20060102"))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(filepath.Join(dir, hour+".lz4"))
	require.NoError(t, err)
	w := lz4.NewWriter(f)
	_, err = w.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func src(t *testing.T, reg schema.Registry, format schema.Format) schema.Source {
	t.Helper()
	s, err := reg.Lookup(format)
	require.NoError(t, err)
	return s
}

func newTestWriter(t *testing.T, store *fakeStore, root string) *Writer {
	t.Helper()
	return NewWriter(zap.NewNop(), store, schema.DefaultRegistry(), root, 0.01)
}

func msStr(ms int64) string {
	return strconv.FormatInt(ms, 10)
}

func TestBuildDatePublishesPartition(t *testing.T) {
	root := t.TempDir()
	reg := schema.DefaultRegistry()
	date := time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC)

	writeRaw(t, root, src(t, reg, schema.NodeFillsByBlock), date, "00", []string{
		`{"events":[` +
			`["0xaaa",{"coin":"BTC","px":"60000","sz":"1","side":"B","time":1754784000000,"hash":"0x01"}],` +
			`["0xbbb",{"coin":"BTC","px":"60000","sz":"1","side":"A","time":1754784000000,"hash":"0x01"}]]}`,
	})

	store := newFakeStore()
	w := newTestWriter(t, store, root)

	res, err := w.BuildDate(context.Background(), date, false)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	assert.Equal(t, uint64(2), res.Rows)
	assert.Equal(t, []string{string(schema.NodeFillsByBlock)}, res.Sources)
	assert.Equal(t, uint64(1), res.Version)

	key := date.Format(time.DateOnly)
	require.Len(t, store.production[key], 2)
	assert.Empty(t, store.staging[key], "staging should be cleaned after promotion")

	manifest := store.manifests[key]
	require.NotNil(t, manifest)
	assert.Equal(t, uint64(2), manifest.RowCount)
	assert.Equal(t, res.Checksum, manifest.Checksum)
	assert.Equal(t, reg.Version, manifest.RegistryVersion)

	require.NoError(t, w.VerifyPartition(context.Background(), date))
}

func TestBuildDateIsIdempotent(t *testing.T) {
	root := t.TempDir()
	reg := schema.DefaultRegistry()
	date := time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC)

	writeRaw(t, root, src(t, reg, schema.NodeFillsByBlock), date, "00", []string{
		`{"events":[["0xaaa",{"coin":"ETH","px":"2500","sz":"4","side":"A","time":1754784000000,"hash":"0x02"}]]}`,
	})

	store := newFakeStore()
	w := newTestWriter(t, store, root)

	first, err := w.BuildDate(context.Background(), date, false)
	require.NoError(t, err)

	second, err := w.BuildDate(context.Background(), date, true)
	require.NoError(t, err)

	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, first.Rows, second.Rows)
	assert.Greater(t, second.Version, first.Version)
}

func TestOverlappingDayResolvesToCurrentFormat(t *testing.T) {
	root := t.TempDir()
	reg := schema.DefaultRegistry()

	// Three current-format days plus one day also present in the legacy
	// format with a different fee.
	overlap := time.Date(2025, 7, 27, 0, 0, 0, 0, time.UTC)
	ms := overlap.UnixMilli()

	writeRaw(t, root, src(t, reg, schema.NodeFills), overlap, "00", []string{
		`["0xaaa",{"coin":"BTC","px":"60000","sz":"1","side":"B","time":` + msStr(ms) + `,"hash":"0x01","fee":"0.9"}]`,
		`["0xbbb",{"coin":"BTC","px":"60000","sz":"1","side":"A","time":` + msStr(ms) + `,"hash":"0x01","fee":"0.9"}]`,
	})
	writeRaw(t, root, src(t, reg, schema.NodeFillsByBlock), overlap, "00", []string{
		`{"events":[` +
			`["0xaaa",{"coin":"BTC","px":"60000","sz":"1","side":"B","time":` + msStr(ms) + `,"hash":"0x01","fee":"0.4"}],` +
			`["0xbbb",{"coin":"BTC","px":"60000","sz":"1","side":"A","time":` + msStr(ms) + `,"hash":"0x01","fee":"0.4"}]]}`,
	})

	store := newFakeStore()
	w := newTestWriter(t, store, root)

	res, err := w.BuildDate(context.Background(), overlap, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Rows)
	assert.ElementsMatch(t, []string{string(schema.NodeFills), string(schema.NodeFillsByBlock)}, res.Sources)

	for _, f := range store.production[overlap.Format(time.DateOnly)] {
		require.NotNil(t, f.Fee)
		assert.Equal(t, 0.4, *f.Fee, "current-format fee must win")
		assert.Equal(t, uint8(1), f.SourceRank)
	}
}

func TestConflictingOverlapFailsTheDate(t *testing.T) {
	root := t.TempDir()
	reg := schema.DefaultRegistry()
	overlap := time.Date(2025, 7, 27, 0, 0, 0, 0, time.UTC)
	ms := overlap.UnixMilli()

	writeRaw(t, root, src(t, reg, schema.NodeFills), overlap, "00", []string{
		`["0xaaa",{"coin":"BTC","px":"60000","sz":"1","side":"B","time":` + msStr(ms) + `,"hash":"0x01"}]`,
	})
	writeRaw(t, root, src(t, reg, schema.NodeFillsByBlock), overlap, "00", []string{
		`{"events":[["0xaaa",{"coin":"BTC","px":"61000","sz":"1","side":"B","time":` + msStr(ms) + `,"hash":"0x01"}]]}`,
	})

	store := newFakeStore()
	w := newTestWriter(t, store, root)

	_, err := w.BuildDate(context.Background(), overlap, false)
	require.Error(t, err)

	var overlapErr *OverlapError
	require.ErrorAs(t, err, &overlapErr)

	assert.Empty(t, store.production, "a failed date must not publish")
	assert.Empty(t, store.manifests)
}

func TestFailedInsertLeavesNothingVisible(t *testing.T) {
	root := t.TempDir()
	reg := schema.DefaultRegistry()
	date := time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC)

	writeRaw(t, root, src(t, reg, schema.NodeFillsByBlock), date, "00", []string{
		`{"events":[["0xaaa",{"coin":"BTC","px":"60000","sz":"1","side":"A","time":1754784000000,"hash":"0x01"}]]}`,
	})

	store := newFakeStore()
	store.failInsertAfter = 1
	w := newTestWriter(t, store, root)

	_, err := w.BuildDate(context.Background(), date, false)
	require.Error(t, err)

	key := date.Format(time.DateOnly)
	assert.Empty(t, store.production[key])
	assert.Empty(t, store.staging[key], "partial staging build must be discarded")
	assert.Nil(t, store.manifests[key])

	// The next run succeeds and publishes a complete partition.
	store.failInsertAfter = 0
	res, err := w.BuildDate(context.Background(), date, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Rows)
	assert.Len(t, store.production[key], 1)
}

func TestSkipRules(t *testing.T) {
	root := t.TempDir()
	reg := schema.DefaultRegistry()
	store := newFakeStore()
	w := newTestWriter(t, store, root)
	ctx := context.Background()

	singleSource := time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC) // node_trades only
	overlap := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)       // node_trades + node_fills

	// Uncommitted dates never skip.
	skip, _, err := w.ShouldSkip(ctx, singleSource)
	require.NoError(t, err)
	assert.False(t, skip)

	store.manifests[singleSource.Format(time.DateOnly)] = &fills.PartitionSummary{
		Date: singleSource, RegistryVersion: reg.Version, Version: 1,
	}
	store.manifests[overlap.Format(time.DateOnly)] = &fills.PartitionSummary{
		Date: overlap, RegistryVersion: reg.Version, Version: 2,
	}

	skip, reason, err := w.ShouldSkip(ctx, singleSource)
	require.NoError(t, err)
	assert.True(t, skip)
	assert.NotEmpty(t, reason)

	// Overlap-window dates are always recomputed.
	skip, _, err = w.ShouldSkip(ctx, overlap)
	require.NoError(t, err)
	assert.False(t, skip)

	// A registry change invalidates the old build.
	store.manifests[singleSource.Format(time.DateOnly)].RegistryVersion = reg.Version - 1
	skip, _, err = w.ShouldSkip(ctx, singleSource)
	require.NoError(t, err)
	assert.False(t, skip)
}

func TestBuildDateSkipsCommittedSingleSourceDate(t *testing.T) {
	root := t.TempDir()
	reg := schema.DefaultRegistry()
	date := time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC)

	store := newFakeStore()
	store.manifests[date.Format(time.DateOnly)] = &fills.PartitionSummary{
		Date: date, RegistryVersion: reg.Version, RowCount: 7, Version: 3,
	}
	w := newTestWriter(t, store, root)

	res, err := w.BuildDate(context.Background(), date, false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, uint64(0), res.Rows)
}
