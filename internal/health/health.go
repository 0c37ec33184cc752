// Package health implements the HealthCheck of spec.md §4.9: an
// authenticated heartbeat against the EHR and FHIR servers before each
// orchestrator cycle, retrying on a fixed interval until max_retries is
// exhausted (0 meaning retry forever), grounded on
// original_source/application/utils/healthcheck.py's
// server_heartbeat_check.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/flowhealth/ehr-fhir-sync/internal/config"
	"github.com/flowhealth/ehr-fhir-sync/internal/httpclient"
	log "github.com/sirupsen/logrus"
)

// Checker runs the EHR/FHIR heartbeat checks.
type Checker struct {
	ehr  *httpclient.Client
	fhir *httpclient.Client
	cfg  config.HealthCheckConfig
	log  *log.Entry
}

// New builds a Checker.
func New(ehr, fhir *httpclient.Client, cfg config.HealthCheckConfig, logger *log.Entry) *Checker {
	return &Checker{ehr: ehr, fhir: fhir, cfg: cfg, log: logger}
}

// CheckAll runs the EHR check then the FHIR check, in that order, per
// healthcheck.py's heartbeat_check_all_services. It returns as soon as
// either probe gives up (max_retries exhausted or ctx cancelled).
func (c *Checker) CheckAll(ctx context.Context) error {
	if err := c.heartbeat(ctx, c.ehr, "EHR server", http.MethodOptions, "/rest/v1/ehr", []int{200, 204}); err != nil {
		return fmt.Errorf("ehr server unreachable: %w", err)
	}
	if err := c.heartbeat(ctx, c.fhir, "FHIR server", http.MethodGet, "/metadata", []int{200}); err != nil {
		return fmt.Errorf("fhir server unreachable: %w", err)
	}
	return nil
}

// heartbeat retries method+path against client until a response in
// expected is seen, ctx is cancelled, or max_retries (if >0) is exhausted.
func (c *Checker) heartbeat(ctx context.Context, client *httpclient.Client, label, method, path string, expected []int) error {
	entry := c.log.WithField("target", label)
	attempt := 0
	var lastErr error

	for {
		attempt++
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entry.WithField("attempt", attempt).Debug("checking heartbeat")
		req, err := client.NewRequest(ctx, method, path, nil)
		if err != nil {
			lastErr = fmt.Errorf("building request: %w", err)
		} else {
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			resp, doErr := client.HTTP.Do(req)
			if doErr != nil {
				lastErr = doErr
			} else {
				resp.Body.Close()
				if containsStatus(expected, resp.StatusCode) {
					entry.Debug("online")
					return nil
				}
				lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
		}

		entry.WithError(lastErr).Warn("heartbeat failed")

		if c.cfg.MaxRetries > 0 && attempt >= c.cfg.MaxRetries {
			return lastErr
		}

		wait := time.Duration(c.cfg.RetryIntervalSeconds) * time.Second
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func containsStatus(expected []int, status int) bool {
	for _, s := range expected {
		if s == status {
			return true
		}
	}
	return false
}
