package types

import "time"

// NormalizeDateInput drives one date's partition build.
type NormalizeDateInput struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Force bool   `json:"force"`
}

type PrepareDateOutput struct {
	Skip       bool    `json:"skip"`
	Reason     string  `json:"reason,omitempty"`
	DurationMs float64 `json:"durationMs"`
}

type BuildPartitionOutput struct {
	Rows       uint64   `json:"rows"`
	Checksum   uint64   `json:"checksum"`
	Version    uint64   `json:"version"`
	Sources    []string `json:"sources"`
	Records    int      `json:"records"`
	Malformed  int      `json:"malformed"`
	Skipped    bool     `json:"skipped"`
	DurationMs float64  `json:"durationMs"`
}

// PartitionCommittedEvent is published to Redis after a partition becomes
// visible, so downstream consumers only ever see fully published dates.
type PartitionCommittedEvent struct {
	Event     string    `json:"event"` // always "partition.committed"
	Date      string    `json:"date"`
	Rows      uint64    `json:"rows"`
	Version   uint64    `json:"version"`
	Sources   []string  `json:"sources"`
	Timestamp time.Time `json:"timestamp"`
}

// PartitionCommittedChannel is the Pub/Sub channel for partition events.
const PartitionCommittedChannel = "fillx:partition.committed"
