package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/fillx/pkg/db"
)

// metricEnvelope wraps every metric payload with the generation it was read
// from. Stale marks answers computed from a generation older than the latest
// committed partitions; per the error design that is a flag, not a failure.
type metricEnvelope struct {
	Data       interface{} `json:"data"`
	Generation uint64      `json:"generation"`
	Stale      bool        `json:"stale"`
	Cached     bool        `json:"cached"`
}

// coverageResponse reports a range the partition set cannot fully answer.
type coverageResponse struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing"`
}

// missingDates returns the calendar dates in [start, end] that have no
// committed partition. A range is never partially answered.
func (c *Controller) missingDates(ctx context.Context, start, end time.Time) ([]string, error) {
	committed, err := c.App.FillsDB.CommittedDates(ctx, start, end)
	if err != nil {
		return nil, err
	}

	have := make(map[string]struct{}, len(committed))
	for _, d := range committed {
		have[d.Format(time.DateOnly)] = struct{}{}
	}

	var missing []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		key := d.Format(time.DateOnly)
		if _, ok := have[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

// generation loads the current aggregate generation and whether it lags the
// partition set.
func (c *Controller) generation(ctx context.Context) (*db.Generation, bool, error) {
	gen, err := c.App.ReportsDB.CurrentGeneration(ctx)
	if err != nil {
		return nil, false, err
	}
	if gen == nil {
		return nil, false, nil
	}

	maxVersion, err := c.App.FillsDB.MaxPartitionVersion(ctx)
	if err != nil {
		return nil, false, err
	}
	return gen, maxVersion > gen.MaxPartitionVersion, nil
}

// serveMetric runs the shared read path: coverage check, generation-keyed
// cache lookup, query, cache fill.
func (c *Controller) serveMetric(w http.ResponseWriter, r *http.Request, op, keyExtra string, p db.QueryParams, fetch func(ctx context.Context) (interface{}, error)) {
	ctx := r.Context()

	missing, err := c.missingDates(ctx, p.Start, p.End)
	if err != nil {
		c.App.Logger.Error("coverage check failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "coverage check failed")
		return
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, coverageResponse{
			Error:   "incomplete partition coverage",
			Missing: missing,
		})
		return
	}

	gen, stale, err := c.generation(ctx)
	if err != nil {
		c.App.Logger.Error("generation lookup failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "generation lookup failed")
		return
	}
	if gen == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregates not built yet")
		return
	}

	// (operation, parameters, generation) identifies the answer.
	cacheKey := fmt.Sprintf("fillx:query:%s:g%d:%s%s", op, gen.Generation, p.Signature(), keyExtra)

	if c.App.RedisClient != nil {
		var cached json.RawMessage
		if hit, _ := c.App.RedisClient.CacheGet(ctx, cacheKey, &cached); hit {
			writeJSON(w, http.StatusOK, metricEnvelope{
				Data:       cached,
				Generation: gen.Generation,
				Stale:      stale,
				Cached:     true,
			})
			return
		}
	}

	data, err := fetch(ctx)
	if err != nil {
		c.App.Logger.Error("metric query failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	if c.App.RedisClient != nil {
		c.App.RedisClient.CacheSet(ctx, cacheKey, data, 0)
	}

	writeJSON(w, http.StatusOK, metricEnvelope{
		Data:       data,
		Generation: gen.Generation,
		Stale:      stale,
	})
}

// HandleActiveUsers returns distinct active users per date.
// Endpoint: GET /metrics/active-users?start=&end=&coins=
func (c *Controller) HandleActiveUsers(w http.ResponseWriter, r *http.Request) {
	p, err := parseMetricParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c.serveMetric(w, r, "active_users", "", p, func(ctx context.Context) (interface{}, error) {
		return c.App.ReportsDB.ActiveUsers(ctx, p)
	})
}

// HandleNewUsers returns first-time traders per date.
// Endpoint: GET /metrics/new-users?start=&end=
func (c *Controller) HandleNewUsers(w http.ResponseWriter, r *http.Request) {
	p, err := parseMetricParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c.serveMetric(w, r, "new_users", "", p, func(ctx context.Context) (interface{}, error) {
		return c.App.ReportsDB.NewUsers(ctx, p)
	})
}

// HandleVolumeDistribution returns users bucketed by daily volume.
// Endpoint: GET /metrics/volume-distribution?start=&end=&coins=&scope=&buckets=
func (c *Controller) HandleVolumeDistribution(w http.ResponseWriter, r *http.Request) {
	p, err := parseMetricParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	buckets, err := parseBuckets(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	keyExtra := ""
	if len(buckets) > 0 {
		keyExtra = fmt.Sprintf("|buckets=%v", buckets)
	}

	c.serveMetric(w, r, "volume_distribution", keyExtra, p, func(ctx context.Context) (interface{}, error) {
		return c.App.ReportsDB.VolumeDistribution(ctx, p, buckets)
	})
}

// HandleCoinStats returns per-coin totals over the range.
// Endpoint: GET /metrics/coin-stats?start=&end=&coins=
func (c *Controller) HandleCoinStats(w http.ResponseWriter, r *http.Request) {
	p, err := parseMetricParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c.serveMetric(w, r, "coin_stats", "", p, func(ctx context.Context) (interface{}, error) {
		return c.App.ReportsDB.CoinStats(ctx, p)
	})
}

// HandleTopUsers returns the highest-volume users over the range.
// Endpoint: GET /metrics/top-users?start=&end=&coins=&limit=
func (c *Controller) HandleTopUsers(w http.ResponseWriter, r *http.Request) {
	p, err := parseMetricParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c.serveMetric(w, r, "top_users", fmt.Sprintf("|limit=%d", limit), p, func(ctx context.Context) (interface{}, error) {
		return c.App.ReportsDB.TopUsers(ctx, p, limit)
	})
}

// HandleSummary returns dataset-wide totals.
// Endpoint: GET /metrics/summary
func (c *Controller) HandleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	gen, stale, err := c.generation(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generation lookup failed")
		return
	}
	if gen == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregates not built yet")
		return
	}

	summary, err := c.App.ReportsDB.Summary(ctx)
	if err != nil {
		c.App.Logger.Error("summary query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, metricEnvelope{
		Data:       summary,
		Generation: gen.Generation,
		Stale:      stale,
	})
}
