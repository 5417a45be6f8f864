package normalizer

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/marketlens/fillx/pkg/db/models/fills"
)

// Key is the unit of deduplication. The same trade hash recurs once per
// counterparty, so the hash alone is not unique.
type Key struct {
	TradeHash   string
	UserAddress string
}

// OverlapError reports duplicate fills for one key whose economic payload
// disagrees, leaving no deterministic winner. The date fails rather than
// resolving by arbitrary choice.
type OverlapError struct {
	Date        time.Time
	TradeHash   string
	UserAddress string
	Kept        *fills.Fill
	Conflict    *fills.Fill
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf(
		"overlap resolution failed for %s: trade %s user %s has conflicting payloads from %s and %s",
		e.Date.Format(time.DateOnly), e.TradeHash, e.UserAddress,
		e.Kept.SourceFormat, e.Conflict.SourceFormat,
	)
}

// Resolver folds the tagged fill stream for one date down to one fill per
// (trade hash, user address) key.
//
// Winner selection: lower source rank wins (the newer format is authoritative
// for optional fields like fee); at equal rank the higher provenance sequence
// wins, so reruns over identical inputs pick identical winners. Duplicates may
// disagree on optional fields, but a disagreement on coin, side, price or size
// is an OverlapError.
type Resolver struct {
	date time.Time
	seen map[Key]*fills.Fill
}

func NewResolver(date time.Time) *Resolver {
	return &Resolver{date: date, seen: make(map[Key]*fills.Fill)}
}

// Observe folds one fill into the resolved set.
func (r *Resolver) Observe(f *fills.Fill) error {
	key := Key{TradeHash: f.TradeHash, UserAddress: f.UserAddress}

	prev, ok := r.seen[key]
	if !ok {
		r.seen[key] = f
		return nil
	}

	if !sameEconomics(prev, f) {
		kept, conflict := prev, f
		if better(f, prev) {
			kept, conflict = f, prev
		}
		return &OverlapError{
			Date:        r.date,
			TradeHash:   f.TradeHash,
			UserAddress: f.UserAddress,
			Kept:        kept,
			Conflict:    conflict,
		}
	}

	if better(f, prev) {
		r.seen[key] = f
	}
	return nil
}

// better reports whether a should replace b as the surviving duplicate.
func better(a, b *fills.Fill) bool {
	if a.SourceRank != b.SourceRank {
		return a.SourceRank < b.SourceRank
	}
	return a.ProvenanceSeq > b.ProvenanceSeq
}

// sameEconomics reports whether two duplicates agree on the fields that
// define the trade. Optional fields (fee, closed P&L) and provenance are
// allowed to differ between formats.
func sameEconomics(a, b *fills.Fill) bool {
	return a.Coin == b.Coin && a.Side == b.Side && a.Px == b.Px && a.Sz == b.Sz
}

// Fills returns the resolved set in a deterministic order so identical raw
// inputs always produce identical partitions.
func (r *Resolver) Fills() []*fills.Fill {
	out := make([]*fills.Fill, 0, len(r.seen))
	for _, f := range r.seen {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TimeMs != b.TimeMs {
			return a.TimeMs < b.TimeMs
		}
		if a.TradeHash != b.TradeHash {
			return a.TradeHash < b.TradeHash
		}
		return a.UserAddress < b.UserAddress
	})
	return out
}

// Len returns the number of resolved fills.
func (r *Resolver) Len() int {
	return len(r.seen)
}

// Checksum hashes the resolved set in its deterministic order. Two runs over
// identical raw inputs produce identical checksums, which is how partition
// idempotence is verified.
func (r *Resolver) Checksum() uint64 {
	h := xxhash.New()
	for _, f := range r.Fills() {
		_, _ = fmt.Fprintf(h, "%d|%s|%s|%s|%s|%g|%g\n",
			f.TimeMs, f.TradeHash, f.UserAddress, f.Coin, f.Side, f.Px, f.Sz)
	}
	return h.Sum64()
}
