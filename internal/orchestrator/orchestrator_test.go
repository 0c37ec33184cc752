package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowhealth/ehr-fhir-sync/internal/config"
	"github.com/flowhealth/ehr-fhir-sync/internal/enqueue"
	"github.com/flowhealth/ehr-fhir-sync/internal/fetch"
	"github.com/flowhealth/ehr-fhir-sync/internal/health"
	"github.com/flowhealth/ehr-fhir-sync/internal/httpclient"
	"github.com/flowhealth/ehr-fhir-sync/internal/publish"
	"github.com/flowhealth/ehr-fhir-sync/internal/pseudonymize"
	"github.com/flowhealth/ehr-fhir-sync/internal/store"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
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

func parseTemplate(t *testing.T, doc string) yaml.Node {
	t.Helper()
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(doc), &node))
	return node
}

func noopTransformer(t *testing.T) *pseudonymize.Transformer {
	t.Helper()
	tr, err := pseudonymize.New(config.PseudonymizationConfig{Enabled: false}, nil, nil, log.NewEntry(log.New()))
	require.NoError(t, err)
	return tr
}

// TestRunCycleSkipsEverythingWhenHealthCheckFails asserts the one hard
// short-circuit rule: a failing HealthCheck must prevent every later stage
// from running at all.
func TestRunCycleSkipsEverythingWhenHealthCheckFails(t *testing.T) {
	var ehrCalls int32
	ehrSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ehrCalls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ehrSrv.Close()

	fhirSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("fhir server must not be contacted when health check fails")
	}))
	defer fhirSrv.Close()

	st := newTestStore(t)
	ehrClient := httpclient.New(config.EndpointConfig{URL: ehrSrv.URL})
	fhirClient := httpclient.New(config.EndpointConfig{URL: fhirSrv.URL})

	checker := health.New(ehrClient, fhirClient, config.HealthCheckConfig{MaxRetries: 1}, log.NewEntry(log.New()))
	fetcher := fetch.New(st, ehrClient, noopTransformer(t), nil, config.FetchByDateConfig{Enabled: false}, config.PriorityFetchingConfig{}, 60, 1, log.NewEntry(log.New()))
	enqueuer := enqueue.New(st, log.NewEntry(log.New()))
	publisher := publish.New(st, fhirClient, config.QueryRetriesConfig{}, 10, true, "composition_id", log.NewEntry(log.New()))

	orch := New(checker, fetcher, enqueuer, publisher, st,
		[]config.ResourceDef{{Name: "Condition", QueryTemplate: "SELECT 1", StartDate: "2026-01-01T00:00:00"}},
		false, 0, time.Second, log.NewEntry(log.New()))

	orch.RunCycle(context.Background())
	require.Equal(t, int32(1), atomic.LoadInt32(&ehrCalls))
}

// TestRunCycleFetchesEnqueuesAndPublishesStandardResource exercises the
// full standard-resource path end to end against fake EHR/FHIR servers.
func TestRunCycleFetchesEnqueuesAndPublishesStandardResource(t *testing.T) {
	ehrSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"resultSet":[{"Composition_ID":"c-1"}]}`))
		}
	}))
	defer ehrSrv.Close()

	fhirSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/metadata":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			w.Header().Set("Content-Type", "application/fhir+json")
			_, _ = w.Write([]byte(`{"total":0}`))
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer fhirSrv.Close()

	st := newTestStore(t)
	ehrClient := httpclient.New(config.EndpointConfig{URL: ehrSrv.URL})
	fhirClient := httpclient.New(config.EndpointConfig{URL: fhirSrv.URL})

	checker := health.New(ehrClient, fhirClient, config.HealthCheckConfig{MaxRetries: 1}, log.NewEntry(log.New()))
	fetcher := fetch.New(st, ehrClient, noopTransformer(t), nil, config.FetchByDateConfig{Enabled: false}, config.PriorityFetchingConfig{}, 60, 1, log.NewEntry(log.New()))
	enqueuer := enqueue.New(st, log.NewEntry(log.New()))
	publisher := publish.New(st, fhirClient, config.QueryRetriesConfig{}, 10, true, "composition_id", log.NewEntry(log.New()))

	resource := config.ResourceDef{
		Name:          "Condition",
		StartDate:     "2026-01-01T00:00:00",
		QueryTemplate: "SELECT c/uid/value as Composition_ID FROM EHR e OFFSET {{offset}} LIMIT {{limit}}",
		RequiredFields: []string{"Composition_ID"},
		MappingTemplate: parseTemplate(t, `
resourceType: Condition
identifier:
  - value: "{{Composition_ID}}"
`),
	}

	orch := New(checker, fetcher, enqueuer, publisher, st, []config.ResourceDef{resource}, false, 0, time.Second, log.NewEntry(log.New()))
	orch.RunCycle(context.Background())

	staged, err := st.ReadUnprocessed(context.Background(), "Condition", 0)
	require.NoError(t, err)
	require.Empty(t, staged, "row must have been fetched, enqueued, published and deleted in one cycle")

	queued, err := st.ReadUnprocessedQueue(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, queued)
}
