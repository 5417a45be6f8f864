package fills

import "time"

// Side values as they appear in the raw feeds. 'A' is the ask (sell) side,
// 'B' the bid (buy) side. Every trade produces exactly two fills, one per side.
const (
	SideAsk = "A"
	SideBid = "B"
)

// Fill is the canonical representation of one counterparty's side of a trade
// execution, unified across all source formats. Within a published partition
// the pair (TradeHash, UserAddress) is unique; the hash alone is not, since it
// recurs once per counterparty.
type Fill struct {
	Date        time.Time `json:"date" ch:"date"`
	TimeMs      int64     `json:"time" ch:"time"`
	UserAddress string    `json:"user_address" ch:"user_address"`
	Coin        string    `json:"coin" ch:"coin"`
	Side        string    `json:"side" ch:"side"`
	Px          float64   `json:"px" ch:"px"`
	Sz          float64   `json:"sz" ch:"sz"`
	TradeHash   string    `json:"trade_hash" ch:"trade_hash"`

	// Optional fields are nil when the source format does not carry them.
	// They are never defaulted to zero.
	Oid       *int64   `json:"oid,omitempty" ch:"oid"`
	Tid       *int64   `json:"tid,omitempty" ch:"tid"`
	ClosedPnl *float64 `json:"closed_pnl,omitempty" ch:"closed_pnl"`
	Fee       *float64 `json:"fee,omitempty" ch:"fee"`

	// Provenance. SourceRank is the format's overlap priority (1 = best).
	// ProvenanceSeq orders records of equal rank deterministically: it is
	// derived from the source file ordering and the record index inside the
	// file, never from wall-clock time, so reruns resolve identically.
	SourceFormat  string `json:"source_format" ch:"source_format"`
	SourceRank    uint8  `json:"source_rank" ch:"source_rank"`
	SourceFile    string `json:"source_file" ch:"source_file"`
	ProvenanceSeq uint64 `json:"provenance_seq" ch:"provenance_seq"`
}

// DateString returns the partition key in YYYY-MM-DD form.
func (f *Fill) DateString() string {
	return f.Date.Format("2006-01-02")
}

// Notional returns the fill's notional value in quote currency.
func (f *Fill) Notional() float64 {
	return f.Px * f.Sz
}

// PartitionSummary is one row of the partitions manifest. A row exists only
// for published partitions; Version increases on every republish.
type PartitionSummary struct {
	Date            time.Time `json:"date" ch:"date"`
	SourceFormat    string    `json:"source_format" ch:"source_format"`
	RowCount        uint64    `json:"row_count" ch:"row_count"`
	Checksum        uint64    `json:"checksum" ch:"checksum"`
	RegistryVersion uint32    `json:"registry_version" ch:"registry_version"`
	Version         uint64    `json:"version" ch:"version"`
}
