package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowhealth/ehr-fhir-sync/internal/config"
	"github.com/flowhealth/ehr-fhir-sync/internal/httpclient"
	"github.com/flowhealth/ehr-fhir-sync/internal/pseudonymize"
	"github.com/flowhealth/ehr-fhir-sync/internal/store"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(context.Background(), store.Config{Driver: "sqlite", DSN: dsn}, log.NewEntry(log.New()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureFetchStateTable(context.Background()))
	require.NoError(t, s.EnsureFHIRQueueTable(context.Background()))
	return s
}

func noopTransformer(t *testing.T) *pseudonymize.Transformer {
	t.Helper()
	tr, err := pseudonymize.New(config.PseudonymizationConfig{Enabled: false}, nil, nil, log.NewEntry(log.New()))
	require.NoError(t, err)
	return tr
}

func TestFetchOneStagesRowsAndAdvancesWindowedState(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"resultSet": []map[string]interface{}{
				{"Composition_ID": "c-1"},
			},
		})
	}))
	defer srv.Close()

	st := newTestStore(t)
	ehr := httpclient.New(config.EndpointConfig{URL: srv.URL, AuthMethod: config.AuthBasic, Username: "u", Password: "p"})

	f := New(st, ehr, noopTransformer(t), nil, config.FetchByDateConfig{
		Enabled:            true,
		StartDate:          "2026-01-01T00:00:00",
		EndDate:            "2026-12-31T00:00:00",
		FetchIntervalHours: 6,
	}, config.PriorityFetchingConfig{}, 60, 4, log.NewEntry(log.New()))

	results := f.FetchAll(context.Background(), []config.ResourceDef{{
		Name:           "Condition",
		Priority:       1,
		QueryTemplate:  "SELECT c/uid/value as Composition_ID FROM EHR e WHERE c/context/start_time/value >= '{{last_run_time}}' AND c/context/start_time/value < '{{end_run_time}}' OFFSET {{offset}} LIMIT {{limit}}",
		RequiredFields: []string{"Composition_ID"},
	}})

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, 1, results[0].RowsFetched)
	require.Contains(t, gotBody["aql"], "2026-01-01T00:00:00")
	require.Contains(t, gotBody["aql"], "2026-01-01T06:00:00")

	unprocessed, err := st.ReadUnprocessed(context.Background(), "Condition", 0)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)

	last, next, err := st.GetFetchState(context.Background(), "condition")
	require.NoError(t, err)
	require.True(t, last.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.True(t, next.Equal(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)))
}

func TestFetchOneSkipsWhenWindowEmpty(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.UpdateFetchState(context.Background(), "condition",
		time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 12, 31, 6, 0, 0, 0, time.UTC)))

	ehr := httpclient.New(config.EndpointConfig{URL: "http://unused.invalid"})
	f := New(st, ehr, noopTransformer(t), nil, config.FetchByDateConfig{
		Enabled:            true,
		StartDate:          "2026-01-01T00:00:00",
		EndDate:            "2026-12-31T00:00:00",
		FetchIntervalHours: 6,
	}, config.PriorityFetchingConfig{}, 60, 4, log.NewEntry(log.New()))

	results := f.FetchAll(context.Background(), []config.ResourceDef{{Name: "Condition", QueryTemplate: "SELECT 1 LIMIT {{limit}} OFFSET {{offset}}"}})
	require.Len(t, results, 1)
	require.True(t, results[0].Skipped)
}

func TestFetchOneHandles204WithoutAdvancingState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	st := newTestStore(t)
	ehr := httpclient.New(config.EndpointConfig{URL: srv.URL})
	f := New(st, ehr, noopTransformer(t), nil, config.FetchByDateConfig{Enabled: false}, config.PriorityFetchingConfig{}, 60, 1, log.NewEntry(log.New()))

	results := f.FetchAll(context.Background(), []config.ResourceDef{{
		Name:          "Condition",
		StartDate:     "2026-01-01T00:00:00",
		QueryTemplate: "SELECT 1 LIMIT {{limit}} OFFSET {{offset}}",
	}})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, 0, results[0].RowsFetched)

	last, _, err := st.GetFetchState(context.Background(), "condition")
	require.NoError(t, err)
	require.True(t, last.IsZero())
}

func TestFetchOneGatedByPriority(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.UpdateFetchState(context.Background(), "condition", time.Now(), time.Now()))

	ehr := httpclient.New(config.EndpointConfig{URL: "http://unused.invalid"})
	f := New(st, ehr, noopTransformer(t), nil, config.FetchByDateConfig{Enabled: false},
		config.PriorityFetchingConfig{Enabled: true, PriorityLevels: map[int]int{1: 120}}, 60, 1, log.NewEntry(log.New()))

	results := f.FetchAll(context.Background(), []config.ResourceDef{{
		Name:          "Condition",
		Priority:      1,
		StartDate:     "2026-01-01T00:00:00",
		QueryTemplate: "SELECT 1",
	}})
	require.Len(t, results, 1)
	require.True(t, results[0].Skipped)
}
