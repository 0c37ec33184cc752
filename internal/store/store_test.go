package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), Config{Driver: "sqlite", DSN: dsn}, log.NewEntry(log.New()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureFetchStateTable(context.Background()))
	require.NoError(t, s.EnsureFHIRQueueTable(context.Background()))
	return s
}

func TestFetchStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	last, next, err := s.GetFetchState(ctx, "condition")
	require.NoError(t, err)
	require.True(t, last.IsZero())
	require.True(t, next.IsZero())

	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateFetchState(ctx, "condition", t1, t2))

	last, next, err = s.GetFetchState(ctx, "condition")
	require.NoError(t, err)
	require.True(t, last.Equal(t1))
	require.True(t, next.Equal(t2))

	// Upsert advances on a second call.
	t3 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateFetchState(ctx, "condition", t2, t3))
	last, next, err = s.GetFetchState(ctx, "condition")
	require.NoError(t, err)
	require.True(t, last.Equal(t2))
	require.True(t, next.Equal(t3))
}

func TestInsertStagingRowsEvolvesSchema(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rows := []RawRow{
		{"Composition_ID": "c-1", "code": "A"},
	}
	require.NoError(t, s.InsertStagingRows(ctx, "Condition", rows))

	unprocessed, err := s.ReadUnprocessed(ctx, "Condition", 0)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	require.Equal(t, "c-1", unprocessed[0].Columns["composition_id"])

	// A later batch introduces a brand new column; it must be added, not
	// rejected, and earlier columns must remain queryable.
	rows2 := []RawRow{
		{"Composition_ID": "c-2", "code": "B", "extra_field": "zz"},
	}
	require.NoError(t, s.InsertStagingRows(ctx, "Condition", rows2))

	unprocessed, err = s.ReadUnprocessed(ctx, "Condition", 0)
	require.NoError(t, err)
	require.Len(t, unprocessed, 2)
	require.Equal(t, "zz", unprocessed[1].Columns["extra_field"])
}

func TestInsertStagingRowsEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertStagingRows(context.Background(), "Condition", nil))
}

func TestEnqueueResourceConflictIgnore(t *testing.T) {
	// Scenario #1 from spec.md §8: two rows sharing the same identifier
	// must result in exactly one queue row; the second insert is a no-op.
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.EnqueueResource(ctx, "Condition", "c-1", []byte(`{"resourceType":"Condition"}`), 1))
	require.NoError(t, s.EnqueueResource(ctx, "Condition", "c-1", []byte(`{"resourceType":"Condition","changed":true}`), 1))

	rows, err := s.ReadUnprocessedQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "c-1", rows[0].Identifier)
	// The original insert wins; the conflicting retry is discarded entirely.
	require.JSONEq(t, `{"resourceType":"Condition"}`, string(rows[0].ResourceData))
}

func TestMarkAndDeleteQueueNonConsent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InsertStagingRows(ctx, "Condition", []RawRow{{"Composition_ID": "c-1"}}))

	staging, err := s.ReadUnprocessed(ctx, "Condition", 0)
	require.NoError(t, err)
	require.Len(t, staging, 1)

	require.NoError(t, s.EnqueueResource(ctx, "Condition", "c-1", []byte(`{}`), staging[0].ID))

	rows, err := s.ReadUnprocessedQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, staging[0].ID, rows[0].StagingID)

	require.NoError(t, s.MarkAndDeleteQueue(ctx, rows[0].ID, "Condition", rows[0].StagingID, "", ""))

	rows, err = s.ReadUnprocessedQueue(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, rows)

	staging, err = s.ReadUnprocessed(ctx, "Condition", 0)
	require.NoError(t, err)
	require.Empty(t, staging)
}

func TestMarkAndDeleteQueueConsentGroup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InsertStagingRows(ctx, "Consent", []RawRow{
		{"composition_id": "A", "code": "C1"},
		{"composition_id": "A", "code": "C2"},
	}))
	require.NoError(t, s.EnqueueResource(ctx, "Consent", "A", []byte(`{}`), 0))

	rows, err := s.ReadUnprocessedQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, s.MarkAndDeleteQueue(ctx, rows[0].ID, "Consent", 0, "composition_id", "A"))

	staging, err := s.ReadUnprocessed(ctx, "Consent", 0)
	require.NoError(t, err)
	require.Empty(t, staging, "both rows sharing the group key must be deleted")
}

func TestReadUnprocessedOrdersByCompositionIDWhenPresent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InsertStagingRows(ctx, "Consent", []RawRow{
		{"composition_id": "B", "code": "C3"},
		{"composition_id": "A", "code": "C1"},
		{"composition_id": "A", "code": "C2"},
	}))

	rows, err := s.ReadUnprocessed(ctx, "Consent", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	var order []string
	for _, r := range rows {
		order = append(order, fmt.Sprintf("%s:%s", r.Columns["composition_id"], r.Columns["code"]))
	}
	require.Equal(t, []string{"A:C1", "A:C2", "B:C3"}, order)
}
