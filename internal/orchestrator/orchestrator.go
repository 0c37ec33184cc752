// Package orchestrator drives the ALUR cycle of spec.md §4.10: HealthCheck,
// then Fetch/Enqueue/Publish for standard resources, then the same three
// steps for Consent (if configured), then sleep — repeating until the
// context is cancelled. Grounded on original_source/application/main.py's
// alur_cycle/run_step.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/flowhealth/ehr-fhir-sync/internal/config"
	"github.com/flowhealth/ehr-fhir-sync/internal/enqueue"
	"github.com/flowhealth/ehr-fhir-sync/internal/fetch"
	"github.com/flowhealth/ehr-fhir-sync/internal/health"
	"github.com/flowhealth/ehr-fhir-sync/internal/metrics"
	"github.com/flowhealth/ehr-fhir-sync/internal/publish"
	"github.com/flowhealth/ehr-fhir-sync/internal/store"
	log "github.com/sirupsen/logrus"
)

// Orchestrator runs one ALUR cycle at a time.
type Orchestrator struct {
	health    *health.Checker
	fetcher   *fetch.Fetcher
	enqueuer  *enqueue.Enqueuer
	publisher *publish.Publisher
	store     *store.Store

	resources    []config.ResourceDef
	consent      config.ResourceDef
	hasConsent   bool
	batchSize    int
	useBatch     bool
	pollInterval time.Duration

	log *log.Entry
}

// New builds an Orchestrator. batchSize/useBatch mirror processing.use_batch
// / processing.batch_size; pollInterval mirrors polling.interval_seconds.
func New(
	checker *health.Checker,
	fetcher *fetch.Fetcher,
	enqueuer *enqueue.Enqueuer,
	publisher *publish.Publisher,
	st *store.Store,
	resources []config.ResourceDef,
	useBatch bool,
	batchSize int,
	pollInterval time.Duration,
	logger *log.Entry,
) *Orchestrator {
	consentRes, hasConsent := config.FindConsent(resources)
	return &Orchestrator{
		health:       checker,
		fetcher:      fetcher,
		enqueuer:     enqueuer,
		publisher:    publisher,
		store:        st,
		resources:    resources,
		consent:      consentRes,
		hasConsent:   hasConsent,
		useBatch:     useBatch,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		log:          logger,
	}
}

// Run repeats RunCycle until ctx is cancelled, sleeping pollInterval between
// cycles, per main.py's `while True: alur_cycle(); sleep(POLL_INTERVAL)`.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("ALUR processing started")
	for {
		o.RunCycle(ctx)

		if ctx.Err() != nil {
			o.log.Info("interrupted; exiting gracefully")
			return nil
		}

		o.log.WithField("seconds", o.pollInterval.Seconds()).Info("waiting before next cycle")
		select {
		case <-ctx.Done():
			o.log.Info("interrupted; exiting gracefully")
			return nil
		case <-time.After(o.pollInterval):
		}
	}
}

// effectiveBatchSize returns the batch size to pass to store reads: 0
// (unbounded) when use_batch is off, per spec.md §4.7.
func (o *Orchestrator) effectiveBatchSize() int {
	if !o.useBatch {
		return 0
	}
	return o.batchSize
}

// RunCycle runs one full ALUR cycle. Only a HealthCheck failure
// short-circuits the cycle; every other stage's failure is logged and the
// cycle proceeds to the next stage, per run_step's exception-swallowing.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	start := time.Now()
	o.log.Info("ALUR cycle starting")

	if err := o.runStep("health check", func() error { return o.health.CheckAll(ctx) }); err != nil {
		o.log.WithError(err).Error("skipping cycle due to failed health check")
		return
	}

	standard := nonConsentResources(o.resources)

	o.runStep("fetching standard resources", func() error {
		for _, res := range o.fetcher.FetchAll(ctx, standard) {
			if res.Err != nil {
				o.log.WithField("resource", res.Resource).WithError(res.Err).Warn("fetch failed")
			}
		}
		return nil
	})

	o.runStep("enqueuing standard resources", func() error {
		for _, res := range o.enqueuer.EnqueueStandard(ctx, standard, o.effectiveBatchSize()) {
			if res.Err != nil {
				o.log.WithField("resource", res.Resource).WithError(res.Err).Warn("enqueue failed")
			}
		}
		return nil
	})

	o.runStep("publishing standard resources", func() error {
		_, err := o.publisher.PublishAll(ctx)
		return err
	})

	if o.hasConsent {
		o.runStep("fetching consent resource", func() error {
			results := o.fetcher.FetchAll(ctx, []config.ResourceDef{o.consent})
			if len(results) > 0 {
				return results[0].Err
			}
			return nil
		})

		o.runStep("enqueuing consent resource", func() error {
			return o.enqueuer.EnqueueConsent(ctx, o.consent, o.effectiveBatchSize()).Err
		})

		o.runStep("publishing consent resource", func() error {
			_, err := o.publisher.PublishAll(ctx)
			return err
		})
	} else {
		o.log.Debug("consent resource not configured; skipping consent steps")
	}

	o.reportQueueDepth(ctx)
	o.log.WithField("duration", time.Since(start)).Info("ALUR cycle completed")
}

// reportQueueDepth refreshes the queue_depth gauge from the current
// unprocessed fhir_queue rows, grouped by resource type.
func (o *Orchestrator) reportQueueDepth(ctx context.Context) {
	rows, err := o.store.ReadUnprocessedQueue(ctx, 0)
	if err != nil {
		o.log.WithError(err).Warn("reading queue depth for metrics")
		return
	}
	depth := make(map[string]int)
	for _, row := range rows {
		depth[strings.ToLower(row.ResourceType)]++
	}
	for _, res := range o.resources {
		metrics.QueueDepth.WithLabelValues(res.LoweredName()).Set(float64(depth[res.LoweredName()]))
	}
}

// runStep wraps one cycle stage with duration logging, mirroring
// main.py's run_step helper.
func (o *Orchestrator) runStep(description string, fn func() error) error {
	start := time.Now()
	o.log.WithField("step", description).Debug("starting step")
	err := fn()
	entry := o.log.WithField("step", description).WithField("duration", time.Since(start))
	if err != nil {
		entry.WithError(err).Error("step failed")
		return err
	}
	entry.Debug("step completed")
	return nil
}

func nonConsentResources(resources []config.ResourceDef) []config.ResourceDef {
	out := make([]config.ResourceDef, 0, len(resources))
	for _, r := range resources {
		if !r.IsConsent() {
			out = append(out, r)
		}
	}
	return out
}
