package controller

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/marketlens/fillx/pkg/db"
)

const (
	defaultTopLimit = 100
	maxTopLimit     = 1000
)

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

var (
	errMissingRange   = &parseError{msg: "start and end are required (YYYY-MM-DD)"}
	errInvalidDate    = &parseError{msg: "invalid date, expected YYYY-MM-DD"}
	errInvertedRange  = &parseError{msg: "end before start"}
	errInvalidScope   = &parseError{msg: "invalid scope, must be 'primary' or 'all'"}
	errInvalidLimit   = &parseError{msg: "invalid limit"}
	errInvalidBuckets = &parseError{msg: "invalid buckets, expected ascending comma-separated numbers"}
)

// parseMetricParams reads the common metric options: start, end, coins, scope.
func parseMetricParams(r *http.Request) (db.QueryParams, error) {
	qs := r.URL.Query()

	startStr, endStr := qs.Get("start"), qs.Get("end")
	if startStr == "" || endStr == "" {
		return db.QueryParams{}, errMissingRange
	}

	start, err := time.Parse(time.DateOnly, startStr)
	if err != nil {
		return db.QueryParams{}, errInvalidDate
	}
	end, err := time.Parse(time.DateOnly, endStr)
	if err != nil {
		return db.QueryParams{}, errInvalidDate
	}
	if end.Before(start) {
		return db.QueryParams{}, errInvertedRange
	}

	p := db.QueryParams{Start: start, End: end, Scope: db.SideScopeAll}

	if coins := qs.Get("coins"); coins != "" {
		for _, coin := range strings.Split(coins, ",") {
			coin = strings.TrimSpace(coin)
			if coin != "" {
				p.Coins = append(p.Coins, coin)
			}
		}
		sort.Strings(p.Coins)
	}

	switch qs.Get("scope") {
	case "":
	case string(db.SideScopeAll):
	case string(db.SideScopePrimary):
		p.Scope = db.SideScopePrimary
	default:
		return db.QueryParams{}, errInvalidScope
	}

	return p, nil
}

// parseLimit reads the top-users limit with clamping.
func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultTopLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errInvalidLimit
	}
	if n > maxTopLimit {
		n = maxTopLimit
	}
	return n, nil
}

// parseBuckets reads an optional override of the volume distribution
// thresholds. Empty means the shipped defaults.
func parseBuckets(r *http.Request) ([]float64, error) {
	v := r.URL.Query().Get("buckets")
	if v == "" {
		return nil, nil
	}

	var out []float64
	for _, part := range strings.Split(v, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || f <= 0 {
			return nil, errInvalidBuckets
		}
		if len(out) > 0 && f <= out[len(out)-1] {
			return nil, errInvalidBuckets
		}
		out = append(out, f)
	}
	return out, nil
}
