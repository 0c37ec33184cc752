// Package enqueue implements the Enqueuer of spec.md §4.7: runs the Mapper
// (or, for Consent, the Consent Grouper) over unprocessed staging rows and
// inserts the rendered resource into fhir_queue, grounded on
// original_source/application/utils/central_processor.py and
// central_processor_consent.py.
package enqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowhealth/ehr-fhir-sync/internal/config"
	"github.com/flowhealth/ehr-fhir-sync/internal/consent"
	"github.com/flowhealth/ehr-fhir-sync/internal/mapping"
	"github.com/flowhealth/ehr-fhir-sync/internal/store"
	log "github.com/sirupsen/logrus"
)

// Enqueuer drives Mapper/Consent-Grouper output into fhir_queue.
type Enqueuer struct {
	store *store.Store
	log   *log.Entry
}

// New builds an Enqueuer.
func New(st *store.Store, logger *log.Entry) *Enqueuer {
	return &Enqueuer{store: st, log: logger}
}

// Result reports one resource's enqueue outcome for one cycle.
type Result struct {
	Resource string
	Enqueued int
	Skipped  int
	Err      error
}

// EnqueueStandard runs the Mapper over every non-Consent resource's
// unprocessed staging rows, per central_processor.py's process_resource.
// batchSize<=0 means unbounded (use_batch=false).
func (e *Enqueuer) EnqueueStandard(ctx context.Context, resources []config.ResourceDef, batchSize int) []Result {
	var results []Result
	for _, res := range resources {
		if res.IsConsent() {
			continue
		}
		results = append(results, e.enqueueOneStandard(ctx, res, batchSize))
	}
	return results
}

func (e *Enqueuer) enqueueOneStandard(ctx context.Context, res config.ResourceDef, batchSize int) Result {
	entry := e.log.WithField("resource", res.LoweredName())
	rows, err := e.store.ReadUnprocessed(ctx, res.Name, batchSize)
	if err != nil {
		entry.WithError(err).Error("reading unprocessed staging rows")
		return Result{Resource: res.LoweredName(), Err: err}
	}
	if len(rows) == 0 {
		entry.Debug("no unprocessed rows")
		return Result{Resource: res.LoweredName()}
	}

	result := Result{Resource: res.LoweredName()}
	for _, row := range rows {
		rendered, ok := mapping.Map(row.Columns, res.MappingTemplate, res.RequiredFields)
		if !ok {
			result.Skipped++
			entry.WithField("staging_id", row.ID).Debug("row skipped by mapper")
			continue
		}
		if _, has := rendered.Get("resourceType"); !has {
			rendered.Set("resourceType", res.Name)
		}

		identifier := extractIdentifier(rendered)
		if identifier == "" {
			result.Skipped++
			entry.WithField("staging_id", row.ID).Warn("no identifier found; skipping row")
			continue
		}

		data, err := json.Marshal(rendered)
		if err != nil {
			result.Err = fmt.Errorf("encoding rendered resource: %w", err)
			entry.WithError(result.Err).Error("encoding rendered resource")
			continue
		}

		if err := e.store.EnqueueResource(ctx, res.Name, identifier, data, row.ID); err != nil {
			result.Err = err
			entry.WithError(err).Error("enqueuing resource")
			continue
		}
		result.Enqueued++
	}
	return result
}

// EnqueueConsent runs the Consent Grouper over every unprocessed Consent
// staging row, per central_processor_consent.py's process_consent_resources.
// Successfully-enqueued groups have their staging rows marked processed
// (not deleted — deletion is Publisher's job after a successful publish),
// per mark_consent_as_processed_by_composition.
func (e *Enqueuer) EnqueueConsent(ctx context.Context, consentRes config.ResourceDef, batchSize int) Result {
	entry := e.log.WithField("resource", "consent")
	rows, err := e.store.ReadUnprocessed(ctx, consentRes.Name, batchSize)
	if err != nil {
		entry.WithError(err).Error("reading unprocessed consent staging rows")
		return Result{Resource: "consent", Err: err}
	}
	if len(rows) == 0 {
		entry.Debug("no unprocessed consent rows")
		return Result{Resource: "consent"}
	}

	groups := consent.PartitionByGroupKey(rows, consentRes.GroupBy, entry)
	result := Result{Resource: "consent"}

	for _, group := range groups {
		resource, ok := consent.BuildResource(group, consentRes.MappingTemplate, consentRes.RequiredFields)
		if !ok {
			result.Skipped++
			entry.WithField("group", group.GroupValue).Debug("group skipped by consent grouper")
			continue
		}
		if _, has := resource.Get("resourceType"); !has {
			resource.Set("resourceType", consentRes.Name)
		}

		data, err := json.Marshal(resource)
		if err != nil {
			result.Err = fmt.Errorf("encoding grouped consent resource: %w", err)
			entry.WithError(result.Err).Error("encoding grouped consent resource")
			continue
		}

		if err := e.store.EnqueueResource(ctx, consentRes.Name, group.GroupValue, data, 0); err != nil {
			result.Err = err
			entry.WithError(err).Error("enqueuing consent resource")
			continue
		}
		if err := e.store.MarkStagingProcessed(ctx, consentRes.Name, consentRes.GroupBy, group.GroupValue); err != nil {
			result.Err = err
			entry.WithError(err).Error("marking consent staging rows processed")
			continue
		}
		result.Enqueued++
	}
	return result
}

// extractIdentifier reads identifier[0].value out of a rendered resource,
// per central_processor.py's process_single_row.
func extractIdentifier(resource *mapping.OrderedMap) string {
	raw, ok := resource.Get("identifier")
	if !ok {
		return ""
	}
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return ""
	}
	entry, ok := list[0].(*mapping.OrderedMap)
	if !ok {
		return ""
	}
	value, ok := entry.Get("value")
	if !ok {
		return ""
	}
	s, _ := value.(string)
	return s
}
