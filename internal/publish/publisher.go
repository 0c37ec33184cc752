// Package publish implements the Publisher of spec.md §4.8: search a queued
// resource by identifier, PUT if it already exists or POST to create it,
// and mark-and-delete the queue (and staging) rows once the outcome is
// known, retrying transient failures per settings.yml's query_retries
// stanza.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flowhealth/ehr-fhir-sync/internal/config"
	"github.com/flowhealth/ehr-fhir-sync/internal/httpclient"
	"github.com/flowhealth/ehr-fhir-sync/internal/metrics"
	"github.com/flowhealth/ehr-fhir-sync/internal/store"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// idCacheSize bounds the search-result cache sendWithRetry consults across
// its own retry attempts, mirroring the teacher's bounded lookup cache
// (go/network/frontend.go's sniCache).
const idCacheSize = 256

// outcome classifies one send attempt, per
// original_source/application/utils/resource_consent.py's
// send_fhir_consent / original_source/application/utils/resource.py's
// send_fhir_resource.
type outcome int

const (
	outcomeRetryable outcome = iota
	outcomeSuccess
	outcomeInvalid
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeInvalid:
		return "invalid"
	default:
		return "retryable"
	}
}

// searchResult is the subset of a FHIR Bundle search response this package
// cares about.
type searchResult struct {
	Total int `json:"total"`
	Entry []struct {
		Resource struct {
			ID string `json:"id"`
		} `json:"resource"`
	} `json:"entry"`
}

// Publisher drains the fhir_queue table in id order, across all resource
// types.
type Publisher struct {
	store   *store.Store
	fhir    *httpclient.Client
	retries config.QueryRetriesConfig
	batch   int

	discardInvalidNonConsent bool
	consentGroupBy           string

	// idCache holds the search-by-identifier result (the existing FHIR id,
	// or "" for confirmed-absent) across sendWithRetry's own retry
	// attempts, so a transient PUT/POST failure doesn't force a redundant
	// re-search. sendWithRetry always evicts its entry before returning,
	// so nothing outlives one queue row's publish attempt.
	idCache *lru.Cache[string, string]

	log *log.Entry
}

// New builds a Publisher. consentGroupBy is the Consent resource's
// configured group_by column (from resource.yml), used to delete every
// staging row sharing a successfully-published group's identifier.
func New(st *store.Store, fhir *httpclient.Client, retries config.QueryRetriesConfig, batchSize int, discardInvalidNonConsent bool, consentGroupBy string, logger *log.Entry) *Publisher {
	idCache, _ := lru.New[string, string](idCacheSize) // only errors on non-positive size
	return &Publisher{
		store:                    st,
		fhir:                     fhir,
		retries:                  retries,
		batch:                    batchSize,
		discardInvalidNonConsent: discardInvalidNonConsent,
		consentGroupBy:           consentGroupBy,
		idCache:                  idCache,
		log:                      logger,
	}
}

// Result reports the outcome of publishing one queue row.
type Result struct {
	QueueID      int64
	ResourceType string
	Identifier   string
	Published    bool
	Err          error
}

// PublishAll drains every unprocessed fhir_queue row in batches of
// batch_size until the queue is empty or a whole batch publishes nothing,
// per spec.md §4.8.
func (p *Publisher) PublishAll(ctx context.Context) ([]Result, error) {
	var all []Result
	for {
		if ctx.Err() != nil {
			return all, ctx.Err()
		}
		rows, err := p.store.ReadUnprocessedQueue(ctx, p.batch)
		if err != nil {
			return all, fmt.Errorf("reading fhir_queue: %w", err)
		}
		if len(rows) == 0 {
			return all, nil
		}

		processedAny := false
		for _, row := range rows {
			res := p.publishOne(ctx, row)
			all = append(all, res)
			if res.Published {
				processedAny = true
			}
		}
		if !processedAny {
			return all, nil
		}
	}
}

func (p *Publisher) publishOne(ctx context.Context, row store.QueueRow) Result {
	entry := p.log.WithField("resource_type", row.ResourceType).WithField("identifier", row.Identifier)
	isConsent := strings.EqualFold(row.ResourceType, "consent")

	var resourceData map[string]interface{}
	if err := json.Unmarshal(row.ResourceData, &resourceData); err != nil {
		entry.WithError(err).Error("decoding queued resource_data")
		return Result{QueueID: row.ID, ResourceType: row.ResourceType, Identifier: row.Identifier, Err: err}
	}

	result, err := p.sendWithRetry(ctx, row.ResourceType, row.Identifier, resourceData, entry)

	switch result {
	case outcomeSuccess:
		if err := p.markAndDelete(ctx, row, isConsent); err != nil {
			entry.WithError(err).Error("marking queue row processed after successful publish")
			return Result{QueueID: row.ID, ResourceType: row.ResourceType, Identifier: row.Identifier, Err: err}
		}
		entry.Info("published")
		return Result{QueueID: row.ID, ResourceType: row.ResourceType, Identifier: row.Identifier, Published: true}

	case outcomeInvalid:
		if isConsent {
			entry.Warn("consent is invalid; retaining queue row for debugging")
			metrics.PublishFailuresTotal.WithLabelValues(row.ResourceType).Inc()
			return Result{QueueID: row.ID, ResourceType: row.ResourceType, Identifier: row.Identifier, Err: err}
		}
		if p.discardInvalidNonConsent {
			entry.WithError(err).Warn("invalid resource; discarding to avoid retry loop")
			if delErr := p.markAndDelete(ctx, row, false); delErr != nil {
				entry.WithError(delErr).Error("discarding invalid resource")
				return Result{QueueID: row.ID, ResourceType: row.ResourceType, Identifier: row.Identifier, Err: delErr}
			}
			return Result{QueueID: row.ID, ResourceType: row.ResourceType, Identifier: row.Identifier, Published: true, Err: err}
		}
		entry.WithError(err).Warn("invalid resource; retaining queue row")
		metrics.PublishFailuresTotal.WithLabelValues(row.ResourceType).Inc()
		return Result{QueueID: row.ID, ResourceType: row.ResourceType, Identifier: row.Identifier, Err: err}

	default: // outcomeRetryable, exhausted
		entry.WithError(err).Warn("temporary failure; will retry in next cycle")
		metrics.PublishFailuresTotal.WithLabelValues(row.ResourceType).Inc()
		return Result{QueueID: row.ID, ResourceType: row.ResourceType, Identifier: row.Identifier, Err: err}
	}
}

func (p *Publisher) markAndDelete(ctx context.Context, row store.QueueRow, isConsent bool) error {
	table := strings.ToLower(row.ResourceType)
	if isConsent {
		return p.store.MarkAndDeleteQueue(ctx, row.ID, table, 0, p.consentGroupBy, row.Identifier)
	}
	return p.store.MarkAndDeleteQueue(ctx, row.ID, table, row.StagingID, "", "")
}

// sendWithRetry retries a retryable outcome up to retry_count times with
// either a fixed interval or exponential backoff with jitter, per
// settings.yml's query_retries stanza (spec.md §9 permits either).
func (p *Publisher) sendWithRetry(ctx context.Context, resourceType, identifier string, resourceData map[string]interface{}, entry *log.Entry) (outcome, error) {
	defer p.idCache.Remove(idCacheKey(resourceType, identifier))

	var lastErr error
	attempt := 0
	for {
		result, err := p.sendOnce(ctx, resourceType, identifier, resourceData, entry)
		metrics.PublishAttemptsTotal.WithLabelValues(strings.ToLower(resourceType), result.String()).Inc()
		if result != outcomeRetryable {
			return result, err
		}
		lastErr = err

		attempt++
		if !p.retries.Enabled || attempt > p.retries.RetryCount {
			return outcomeRetryable, lastErr
		}

		wait := p.backoff(attempt)
		entry.WithError(err).WithField("attempt", attempt).Infof("retrying in %s", wait)
		select {
		case <-ctx.Done():
			return outcomeRetryable, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p *Publisher) backoff(attempt int) time.Duration {
	base := time.Duration(p.retries.RetryIntervalSeconds) * time.Second
	if !p.retries.ExponentialBackoff {
		return base
	}
	exp := base << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return exp + jitter
}

// sendOnce performs one search-then-PUT-or-POST cycle, per
// original_source/application/utils/resource_consent.py's
// send_fhir_consent.
func (p *Publisher) sendOnce(ctx context.Context, resourceType, identifier string, resourceData map[string]interface{}, entry *log.Entry) (outcome, error) {
	fhirType := titleCase(resourceType)
	cacheKey := idCacheKey(resourceType, identifier)

	existingID, cached := p.idCache.Get(cacheKey)
	if !cached {
		searchReq, err := p.fhir.NewRequest(ctx, http.MethodGet, fmt.Sprintf("/%s?identifier=%s", fhirType, url.QueryEscape(identifier)), nil)
		if err != nil {
			return outcomeRetryable, fmt.Errorf("building search request: %w", err)
		}
		searchResp, err := p.fhir.HTTP.Do(searchReq)
		if err != nil {
			return outcomeRetryable, fmt.Errorf("searching %s/%s: %w", fhirType, identifier, err)
		}
		defer searchResp.Body.Close()

		if searchResp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(searchResp.Body)
			return outcomeRetryable, fmt.Errorf("search for %s/%s returned %d: %s", fhirType, identifier, searchResp.StatusCode, string(body))
		}

		var result searchResult
		if err := json.NewDecoder(searchResp.Body).Decode(&result); err != nil {
			return outcomeRetryable, fmt.Errorf("decoding search response for %s/%s: %w", fhirType, identifier, err)
		}

		if result.Total > 0 && len(result.Entry) > 0 {
			existingID = result.Entry[0].Resource.ID
		}
		p.idCache.Add(cacheKey, existingID)
	}

	if existingID != "" {
		resourceData["id"] = existingID
		entry.WithField("existing_id", existingID).Debug("updating existing resource")
		return p.upsert(ctx, http.MethodPut, fmt.Sprintf("/%s/%s", fhirType, existingID), resourceData)
	}

	delete(resourceData, "id")
	entry.Debug("creating new resource")
	return p.upsert(ctx, http.MethodPost, "/"+fhirType, resourceData)
}

func (p *Publisher) upsert(ctx context.Context, method, path string, resourceData map[string]interface{}) (outcome, error) {
	body, err := json.Marshal(resourceData)
	if err != nil {
		return outcomeRetryable, fmt.Errorf("encoding resource for %s %s: %w", method, path, err)
	}

	req, err := p.fhir.NewRequest(ctx, method, path, body)
	if err != nil {
		return outcomeRetryable, fmt.Errorf("building %s request: %w", method, err)
	}

	resp, err := p.fhir.HTTP.Do(req)
	if err != nil {
		return outcomeRetryable, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return outcomeSuccess, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		respBody, _ := io.ReadAll(resp.Body)
		return outcomeInvalid, fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return outcomeRetryable, fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func idCacheKey(resourceType, identifier string) string {
	return strings.ToLower(resourceType) + "|" + identifier
}
