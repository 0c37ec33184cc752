package store

import "time"

// StagingRow is one raw EHR record awaiting transform, keyed by its
// synthetic id plus every AQL-returned column as text (spec.md §3).
type StagingRow struct {
	ID      int64
	Columns map[string]string
}

// FetchState is the `(resource -> last_run_time, next_run_time)` row
// Fetcher mutates at the end of a successful window (spec.md §3).
type FetchState struct {
	Resource    string
	LastRunTime time.Time
	NextRunTime time.Time
}

// QueueRow is one pending upsert awaiting Publisher (spec.md §3).
type QueueRow struct {
	ID           int64
	ResourceType string
	Identifier   string
	ResourceData []byte // JSON
	Processed    bool
	// StagingID is the originating staging row's id, for non-Consent
	// resources (where one staging row maps to exactly one queue row).
	// Zero for Consent, whose staging rows are addressed by group key
	// instead (see Store.MarkAndDeleteQueue).
	StagingID int64
}
