// Package fetch implements the Fetcher of spec.md §4.4: per-resource window
// resolution, AQL querying of the EHR server, staging insert (through the
// FieldTransformer), and fetch-state advancement — with up to
// max_parallel_fetches resources queried concurrently per cycle and
// priority-based gating, per spec.md §5 / §6.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowhealth/ehr-fhir-sync/internal/aql"
	"github.com/flowhealth/ehr-fhir-sync/internal/config"
	"github.com/flowhealth/ehr-fhir-sync/internal/httpclient"
	"github.com/flowhealth/ehr-fhir-sync/internal/metrics"
	"github.com/flowhealth/ehr-fhir-sync/internal/pseudonymize"
	"github.com/flowhealth/ehr-fhir-sync/internal/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// configTimeLayout is the plain, zone-less timestamp format settings.yml
// and resource.yml use for dates (no fractional seconds, no "Z").
const configTimeLayout = "2006-01-02T15:04:05"

// Result reports the outcome of fetching one resource for one cycle.
type Result struct {
	Resource    string
	RowsFetched int
	Skipped     bool
	Err         error
}

// Fetcher drives the per-resource fetch algorithm of spec.md §4.4.
type Fetcher struct {
	store          *store.Store
	ehr            *httpclient.Client
	transformer    *pseudonymize.Transformer
	sanitizeFields []string

	fetchByDate        config.FetchByDateConfig
	priorityFetching   config.PriorityFetchingConfig
	pollIntervalSecond int
	maxParallel        int

	log *log.Entry
}

// New builds a Fetcher. pollIntervalSeconds is used to advance fetch-state
// when date-windowing is disabled (stateful last-run polling).
func New(
	st *store.Store,
	ehr *httpclient.Client,
	transformer *pseudonymize.Transformer,
	sanitizeFields []string,
	fetchByDate config.FetchByDateConfig,
	priorityFetching config.PriorityFetchingConfig,
	pollIntervalSeconds int,
	maxParallel int,
	logger *log.Entry,
) *Fetcher {
	return &Fetcher{
		store:              st,
		ehr:                ehr,
		transformer:        transformer,
		sanitizeFields:     sanitizeFields,
		fetchByDate:        fetchByDate,
		priorityFetching:   priorityFetching,
		pollIntervalSecond: pollIntervalSeconds,
		maxParallel:        maxParallel,
		log:                logger,
	}
}

// ehrQueryResponse is the shape of ${EHR_URL}/rest/v1/query's response body.
type ehrQueryResponse struct {
	ResultSet []map[string]interface{} `json:"resultSet"`
}

// FetchAll runs the per-resource algorithm over resources, bounded to
// max_parallel_fetches concurrent resources (spec.md §4.4, §5).
func (f *Fetcher) FetchAll(ctx context.Context, resources []config.ResourceDef) []Result {
	results := make([]Result, len(resources))

	g, gctx := errgroup.WithContext(ctx)
	if f.maxParallel > 0 {
		g.SetLimit(f.maxParallel)
	}

	for i, res := range resources {
		i, res := i, res
		g.Go(func() error {
			result := f.fetchOne(gctx, res)
			results[i] = result
			if result.Err != nil {
				metrics.FetchErrorsTotal.WithLabelValues(res.LoweredName()).Inc()
			}
			if result.RowsFetched > 0 {
				metrics.FetchRowsTotal.WithLabelValues(res.LoweredName()).Add(float64(result.RowsFetched))
			}
			return nil
		})
	}
	_ = g.Wait() // fetchOne never returns an error to the group; failures live in Result.Err

	return results
}

func (f *Fetcher) fetchOne(ctx context.Context, res config.ResourceDef) Result {
	name := res.LoweredName()
	entry := f.log.WithField("resource", name)

	if skip, elapsed := f.gatedByPriority(ctx, res); skip {
		entry.WithField("elapsed_minutes", elapsed).Info("skipping resource: priority interval not elapsed")
		return Result{Resource: name, Skipped: true}
	}

	startDt, endDt, endStr, skip, err := f.resolveWindow(ctx, res)
	if err != nil {
		entry.WithError(err).Error("resolving fetch window")
		return Result{Resource: name, Err: err}
	}
	if skip {
		entry.Debug("skipping resource: window start >= end")
		return Result{Resource: name, Skipped: true}
	}

	query, err := aql.Build(res.QueryTemplate, res.Parameters, aql.Params{
		LastRunTime:     startDt.Format(configTimeLayout),
		EndRunTime:      endStr,
		CompositionName: res.Parameters["composition_name"],
		Offset:          orDefaultParam(res.Parameters["offset"], "0"),
		Limit:           orDefaultParam(res.Parameters["limit"], "100"),
	}, f.fetchByDate.Enabled)
	if err != nil {
		entry.WithError(err).Error("building aql query")
		return Result{Resource: name, Err: err}
	}

	rowCount, err := f.query(ctx, name, query, startDt, endDt, entry)
	return Result{Resource: name, RowsFetched: rowCount, Err: err}
}

// gatedByPriority implements spec.md §4.4's priority gate: if
// priority_based_fetching is on and elapsed minutes since last run are
// under the configured threshold for this resource's priority, skip.
func (f *Fetcher) gatedByPriority(ctx context.Context, res config.ResourceDef) (bool, float64) {
	if !f.priorityFetching.Enabled {
		return false, 0
	}
	minMinutes, ok := f.priorityFetching.PriorityLevels[res.Priority]
	if !ok {
		return false, 0
	}
	last, _, err := f.store.GetFetchState(ctx, res.LoweredName())
	if err != nil || last.IsZero() {
		return false, 0
	}
	elapsed := time.Since(last).Minutes()
	return elapsed < float64(minMinutes), elapsed
}

// resolveWindow implements spec.md §4.4 step 1.
func (f *Fetcher) resolveWindow(ctx context.Context, res config.ResourceDef) (start, end time.Time, endStr string, skip bool, err error) {
	if f.fetchByDate.Enabled {
		last, _, stateErr := f.store.GetFetchState(ctx, res.LoweredName())
		if stateErr != nil {
			return time.Time{}, time.Time{}, "", false, fmt.Errorf("reading fetch state: %w", stateErr)
		}
		if last.IsZero() {
			last, err = time.Parse(configTimeLayout, f.fetchByDate.StartDate)
			if err != nil {
				return time.Time{}, time.Time{}, "", false, fmt.Errorf("parsing fetch_by_date.start_date: %w", err)
			}
		}
		interval := time.Duration(f.fetchByDate.FetchIntervalHours * float64(time.Hour))
		end = last.Add(interval)
		if f.fetchByDate.EndDate != "" {
			configEnd, parseErr := time.Parse(configTimeLayout, f.fetchByDate.EndDate)
			if parseErr != nil {
				return time.Time{}, time.Time{}, "", false, fmt.Errorf("parsing fetch_by_date.end_date: %w", parseErr)
			}
			if end.After(configEnd) {
				end = configEnd
			}
		}
		if !last.Before(end) {
			return last, end, "", true, nil
		}
		return last, end, end.Format(configTimeLayout), false, nil
	}

	startStr := res.Parameters["last_run_time"]
	if startStr == "" {
		startStr = res.StartDate
	}
	start, err = time.Parse(configTimeLayout, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, "", false, fmt.Errorf("parsing per-resource last_run_time: %w", err)
	}
	return start, time.Time{}, "", false, nil
}

// query issues the AQL POST and handles the response per spec.md §4.4
// step 4. It returns the number of rows staged; fetch-state is advanced
// only on a 200 response and only after staging succeeds (a 204 leaves it
// unchanged).
func (f *Fetcher) query(ctx context.Context, name, aqlQuery string, startDt, endDt time.Time, entry *log.Entry) (int, error) {
	body, err := json.Marshal(map[string]string{"aql": aqlQuery})
	if err != nil {
		return 0, fmt.Errorf("encoding aql request body: %w", err)
	}

	req, err := f.ehr.NewRequest(ctx, http.MethodPost, "/rest/v1/query", body)
	if err != nil {
		return 0, fmt.Errorf("building ehr request: %w", err)
	}

	resp, err := f.ehr.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("querying ehr: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var decoded ehrQueryResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return 0, fmt.Errorf("decoding ehr response: %w", err)
		}

		if len(decoded.ResultSet) > 0 {
			rows, err := f.transformRows(ctx, decoded.ResultSet)
			if err != nil {
				return 0, fmt.Errorf("transforming rows: %w", err)
			}
			if err := f.store.InsertStagingRows(ctx, name, rows); err != nil {
				return 0, fmt.Errorf("inserting staging rows: %w", err)
			}
			entry.WithField("rows", len(decoded.ResultSet)).Info("staged fetched rows")
		} else {
			entry.Info("no new records")
		}

		nextRun := f.nextRunTime(startDt, endDt)
		if err := f.store.UpdateFetchState(ctx, name, startDt, nextRun); err != nil {
			return len(decoded.ResultSet), fmt.Errorf("updating fetch state: %w", err)
		}
		return len(decoded.ResultSet), nil

	case http.StatusNoContent:
		entry.Warn("no content from ehr (204); fetch state left unchanged")
		return 0, nil

	default:
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("ehr query failed with status %d: %s", resp.StatusCode, string(bytes.TrimSpace(respBody)))
		entry.WithError(err).Error("ehr query failed")
		return 0, err
	}
}

func (f *Fetcher) nextRunTime(start, end time.Time) time.Time {
	if f.fetchByDate.Enabled {
		return end
	}
	return start.Add(time.Duration(f.pollIntervalSecond) * time.Second)
}

// transformRows applies sanitisation then FieldTransformer pseudonymisation
// to every fetched row before staging, per spec.md §4.4 step 4.
func (f *Fetcher) transformRows(ctx context.Context, raw []map[string]interface{}) ([]store.RawRow, error) {
	out := make([]store.RawRow, 0, len(raw))
	for _, r := range raw {
		row := make(map[string]interface{}, len(r))
		for k, v := range r {
			row[k] = v
		}

		if len(f.sanitizeFields) > 0 {
			row = pseudonymize.ApplySanitize(row, f.sanitizeFields)
		}

		transformed, err := f.transformer.ApplyToRow(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, store.RawRow(transformed))
	}
	return out, nil
}

func orDefaultParam(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
