// Command ehr-fhir-sync runs the ALUR pipeline: fetch staged resources from
// the EHR server, enqueue FHIR resources, and publish them to the FHIR
// server, on an infinite polling loop until signaled to exit. Grounded on
// the teacher's go/flow-ingester/main.go wiring (go-flags command, signal
// handling, logrus-based startup logging).
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowhealth/ehr-fhir-sync/internal/config"
	"github.com/flowhealth/ehr-fhir-sync/internal/enqueue"
	"github.com/flowhealth/ehr-fhir-sync/internal/fetch"
	"github.com/flowhealth/ehr-fhir-sync/internal/health"
	"github.com/flowhealth/ehr-fhir-sync/internal/httpclient"
	"github.com/flowhealth/ehr-fhir-sync/internal/metrics"
	"github.com/flowhealth/ehr-fhir-sync/internal/ops"
	"github.com/flowhealth/ehr-fhir-sync/internal/orchestrator"
	"github.com/flowhealth/ehr-fhir-sync/internal/publish"
	"github.com/flowhealth/ehr-fhir-sync/internal/pseudonymize"
	"github.com/flowhealth/ehr-fhir-sync/internal/store"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// cliOptions is the go-flags root: file paths only. Everything else is
// sourced from settings.yml/resource.yml and their environment overrides,
// per spec.md §6.
type cliOptions struct {
	SettingsPath string `long:"settings" description:"path to settings.yml" default:"settings.yml"`
	ResourcePath string `long:"resources" description:"path to resource.yml" default:"resource.yml"`
}

func main() {
	var opts cliOptions
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WrapError(err).Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		log.WithError(err).Fatal("ehr-fhir-sync exited with error")
	}
}

func run(opts cliOptions) error {
	settings, resources, err := config.Load(opts.SettingsPath, opts.ResourcePath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := ops.NewLogger(ops.Config{
		Level:      settings.Log.Level,
		Format:     settings.Log.Format,
		FilePath:   settings.Log.FilePath,
		MaxSizeMB:  settings.Log.MaxSizeMB,
		MaxBackups: settings.Log.MaxBackups,
		MaxAgeDays: settings.Log.MaxAgeDays,
	})
	entry := ops.ForStage(logger, "startup")
	entry.WithField("resources", len(resources)).Info("ehr-fhir-sync starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, store.Config{
		Driver:       settings.Database.Driver,
		DSN:          settings.Database.DSN,
		MaxOpenConns: settings.Database.MaxOpenConns,
		MinOpenConns: settings.Database.MinOpenConns,
	}, ops.ForStage(logger, "store"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := st.EnsureFetchStateTable(ctx); err != nil {
		return fmt.Errorf("ensuring fetch_state table: %w", err)
	}
	if err := st.EnsureFHIRQueueTable(ctx); err != nil {
		return fmt.Errorf("ensuring fhir_queue table: %w", err)
	}

	var aesKey []byte
	if settings.Pseudonymization.Enabled {
		aesKey, err = base64.StdEncoding.DecodeString(settings.Pseudonymization.AESKeyBase64)
		if err != nil {
			return fmt.Errorf("decoding pseudonymization.aes_key_base64: %w", err)
		}
	}
	transformer, err := pseudonymize.New(settings.Pseudonymization, aesKey, nil, ops.ForStage(logger, "pseudonymize"))
	if err != nil {
		return fmt.Errorf("building field transformer: %w", err)
	}

	var sanitizeFields []string
	if settings.Sanitize.Enabled {
		sanitizeFields = settings.Sanitize.ElementsToSanitize
	}

	ehrClient := httpclient.New(settings.EHR)
	fhirClient := httpclient.New(settings.FHIR)

	fetcher := fetch.New(
		st, ehrClient, transformer, sanitizeFields,
		settings.FetchByDate, settings.PriorityFetching,
		settings.Polling.IntervalSeconds, settings.Polling.MaxParallelFetches,
		ops.ForStage(logger, "fetch"),
	)
	enqueuer := enqueue.New(st, ops.ForStage(logger, "enqueue"))

	consentGroupBy := ""
	if consentRes, ok := config.FindConsent(resources); ok {
		consentGroupBy = consentRes.GroupBy
	}
	publisher := publish.New(
		st, fhirClient, settings.QueryRetries, settings.Processing.BatchSize,
		settings.Publisher.DiscardInvalidNonConsent, consentGroupBy,
		ops.ForStage(logger, "publish"),
	)

	checker := health.New(ehrClient, fhirClient, settings.ServerHealthCheck, ops.ForStage(logger, "healthcheck"))

	orch := orchestrator.New(
		checker, fetcher, enqueuer, publisher, st, resources,
		settings.Processing.UseBatch, settings.Processing.BatchSize,
		time.Duration(settings.Polling.IntervalSeconds)*time.Second,
		ops.ForStage(logger, "orchestrator"),
	)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-signalCh
		entry.WithField("signal", sig).Info("caught signal; shutting down")
		cancel()
	}()

	if settings.Metrics.Enabled {
		metricsSrv := metrics.NewServer(settings.Metrics.Addr, ops.ForStage(logger, "metrics"))
		go func() {
			if err := metricsSrv.Run(ctx); err != nil {
				ops.ForStage(logger, "metrics").WithError(err).Error("metrics server stopped")
			}
		}()
	}

	return orch.Run(ctx)
}
