package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/marketlens/fillx/pkg/db/models/fills"
	"github.com/marketlens/fillx/pkg/schema"
)

// DefaultMaxBadRatio is the malformed-record ratio above which a source file
// fails instead of dropping its bad records.
const DefaultMaxBadRatio = 0.01

// FileStats summarizes one parsed source file.
type FileStats struct {
	Path      string `json:"path"`
	Records   int    `json:"records"`
	Fills     int    `json:"fills"`
	Malformed int    `json:"malformed"`
}

// Stats accumulates adapter output over a run. Reported once per run, not per
// record.
type Stats struct {
	Files     int `json:"files"`
	Records   int `json:"records"`
	Fills     int `json:"fills"`
	Malformed int `json:"malformed"`
}

// Add folds one file's stats into the run total.
func (s *Stats) Add(fs FileStats) {
	s.Files++
	s.Records += fs.Records
	s.Fills += fs.Fills
	s.Malformed += fs.Malformed
}

// Adapter parses one source format into tagged canonical fills.
type Adapter struct {
	Source      schema.Source
	MaxBadRatio float64
}

// New returns an adapter for the source. maxBadRatio <= 0 selects the default.
func New(source schema.Source, maxBadRatio float64) *Adapter {
	if maxBadRatio <= 0 {
		maxBadRatio = DefaultMaxBadRatio
	}
	return &Adapter{Source: source, MaxBadRatio: maxBadRatio}
}

// EmitFunc receives each canonical fill as it is parsed. Returning an error
// aborts the file.
type EmitFunc func(*fills.Fill) error

// ParseFile streams one raw file into canonical fills tagged with the source's
// rank and a deterministic provenance sequence starting at seqBase. Malformed
// records are counted and dropped; the file fails only when their ratio
// exceeds MaxBadRatio.
func (a *Adapter) ParseFile(path string, date time.Time, seqBase uint64, emit EmitFunc) (FileStats, error) {
	stats := FileStats{Path: path}
	seq := seqBase

	err := scanFile(path, func(line int, data []byte) error {
		stats.Records++

		parsed, perr := a.decode(data)
		if perr != nil {
			stats.Malformed++
			return nil
		}

		for _, f := range parsed {
			f.Date = date
			f.SourceFormat = string(a.Source.Format)
			f.SourceRank = a.Source.Rank
			f.SourceFile = path
			f.ProvenanceSeq = seq
			seq++
			if err := emit(f); err != nil {
				return fmt.Errorf("emit fill from %s line %d: %w", path, line, err)
			}
			stats.Fills++
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	if stats.Records > 0 {
		ratio := float64(stats.Malformed) / float64(stats.Records)
		if ratio > a.MaxBadRatio {
			return stats, &ThresholdError{
				Path:      path,
				Malformed: stats.Malformed,
				Total:     stats.Records,
				Threshold: a.MaxBadRatio,
			}
		}
	}

	return stats, nil
}

func (a *Adapter) decode(data []byte) ([]*fills.Fill, error) {
	switch a.Source.Format {
	case schema.NodeTrades:
		return decodeTrade(data)
	case schema.NodeFills:
		f, err := decodeFillTuple(data)
		if err != nil {
			return nil, err
		}
		return []*fills.Fill{f}, nil
	case schema.NodeFillsByBlock:
		return decodeBlockEnvelope(data)
	default:
		return nil, badRecord("unknown source format %q", a.Source.Format)
	}
}

// rawFill is the per-fill payload shared by the node_fills tuple format and
// the events array of the block-envelope format.
type rawFill struct {
	Coin      string  `json:"coin"`
	Px        string  `json:"px"`
	Sz        string  `json:"sz"`
	Side      string  `json:"side"`
	Time      int64   `json:"time"`
	Hash      string  `json:"hash"`
	Oid       *int64  `json:"oid"`
	Tid       *int64  `json:"tid"`
	ClosedPnl *string `json:"closedPnl"`
	Fee       *string `json:"fee"`
}

// rawTrade is the oldest legacy format: one record per trade with both
// counterparties in side_info. It expands into two fills.
type rawTrade struct {
	Coin     string `json:"coin"`
	Px       string `json:"px"`
	Sz       string `json:"sz"`
	Side     string `json:"side"`
	Time     string `json:"time"`
	Hash     string `json:"hash"`
	SideInfo []struct {
		User string `json:"user"`
		Oid  *int64 `json:"oid"`
	} `json:"side_info"`
}

// rawBlock is the current format's envelope: fills grouped per block.
type rawBlock struct {
	Events []json.RawMessage `json:"events"`
}

func decodeTrade(data []byte) ([]*fills.Fill, error) {
	var rec rawTrade
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, badRecord("undecodable trade record: %v", err)
	}
	if len(rec.SideInfo) == 0 {
		return nil, badRecord("trade record without side_info")
	}

	timeMs, err := isoToUnixMs(rec.Time)
	if err != nil {
		return nil, err
	}

	out := make([]*fills.Fill, 0, len(rec.SideInfo))
	for _, party := range rec.SideInfo {
		f, err := canonicalFill(party.User, rec.Coin, rec.Px, rec.Sz, rec.Side, timeMs, rec.Hash)
		if err != nil {
			return nil, err
		}
		f.Oid = party.Oid
		out = append(out, f)
	}
	return out, nil
}

func decodeFillTuple(data []byte) (*fills.Fill, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil || len(tuple) != 2 {
		return nil, badRecord("fill record is not a [user, fill] tuple")
	}

	var user string
	if err := json.Unmarshal(tuple[0], &user); err != nil {
		return nil, badRecord("fill tuple user is not a string")
	}

	var raw rawFill
	if err := json.Unmarshal(tuple[1], &raw); err != nil {
		return nil, badRecord("undecodable fill payload: %v", err)
	}

	f, err := canonicalFill(user, raw.Coin, raw.Px, raw.Sz, raw.Side, raw.Time, raw.Hash)
	if err != nil {
		return nil, err
	}
	f.Oid = raw.Oid
	f.Tid = raw.Tid
	if f.ClosedPnl, err = optionalFloat("closedPnl", raw.ClosedPnl); err != nil {
		return nil, err
	}
	if f.Fee, err = optionalFloat("fee", raw.Fee); err != nil {
		return nil, err
	}
	return f, nil
}

func decodeBlockEnvelope(data []byte) ([]*fills.Fill, error) {
	var block rawBlock
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, badRecord("undecodable block envelope: %v", err)
	}

	out := make([]*fills.Fill, 0, len(block.Events))
	for _, event := range block.Events {
		f, err := decodeFillTuple(event)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// canonicalFill validates the required fields and coerces the numeric ones.
func canonicalFill(user, coin, px, sz, side string, timeMs int64, hash string) (*fills.Fill, error) {
	if user == "" {
		return nil, badRecord("missing user address")
	}
	if coin == "" {
		return nil, badRecord("missing coin")
	}
	if hash == "" {
		return nil, badRecord("missing trade hash")
	}
	if side != fills.SideAsk && side != fills.SideBid {
		return nil, badRecord("impossible side %q", side)
	}
	if timeMs <= 0 {
		return nil, badRecord("missing or invalid time")
	}

	pxF, err := strconv.ParseFloat(px, 64)
	if err != nil || pxF <= 0 {
		return nil, badRecord("non-positive or non-numeric px %q", px)
	}
	szF, err := strconv.ParseFloat(sz, 64)
	if err != nil || szF <= 0 {
		return nil, badRecord("non-positive or non-numeric sz %q", sz)
	}

	return &fills.Fill{
		TimeMs:      timeMs,
		UserAddress: user,
		Coin:        coin,
		Side:        side,
		Px:          pxF,
		Sz:          szF,
		TradeHash:   hash,
	}, nil
}

// optionalFloat parses an optional numeric string. Absent stays nil, it is
// never defaulted to zero.
func optionalFloat(field string, s *string) (*float64, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(*s, 64)
	if err != nil {
		return nil, badRecord("non-numeric %s %q", field, *s)
	}
	return &f, nil
}

// isoToUnixMs converts an ISO-8601 timestamp into Unix milliseconds.
func isoToUnixMs(s string) (int64, error) {
	if s == "" {
		return 0, badRecord("missing time")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Some historical trade records omit the zone suffix.
		t, err = time.Parse("2006-01-02T15:04:05", s)
		if err != nil {
			return 0, badRecord("unparseable time %q", s)
		}
		t = t.UTC()
	}
	return t.UnixMilli(), nil
}
