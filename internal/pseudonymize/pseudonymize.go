// Package pseudonymize applies the pipeline's per-field pseudonymisation
// policy (spec.md §4.2, §6) ahead of staging insert, including the
// supplemented GPAS fallback path described in SPEC_FULL.md §10.1.
package pseudonymize

import (
	"context"
	"fmt"

	"github.com/flowhealth/ehr-fhir-sync/internal/config"
	"github.com/flowhealth/ehr-fhir-sync/internal/crypto"
	log "github.com/sirupsen/logrus"
)

// Result is the two outputs FieldTransformer produces for a pseudonymized
// field: the value that replaces the plaintext in the original column, and
// the full ciphertext written to the added `<field>_ciphertext` column.
type Result struct {
	Handle     string
	Ciphertext string
}

// GPASClient is the external pseudonymisation collaborator (out of scope
// per spec.md §1 — only its interface lives here). A no-op implementation
// is wired by default; a real SOAP client can be substituted without
// touching the Transformer.
type GPASClient interface {
	Pseudonymize(ctx context.Context, value, domain string) (string, error)
}

// NoopGPASClient always reports GPAS unavailable, causing the Transformer
// to fall back to local AES encryption — the default wiring described in
// SPEC_FULL.md §10.1.
type NoopGPASClient struct{}

func (NoopGPASClient) Pseudonymize(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("gpas client not configured")
}

// Transformer is the FieldTransformer of spec.md §4.2.
type Transformer struct {
	enabled bool
	fields  map[string]config.FieldRule
	aes     *crypto.AESTransformer
	gpas    GPASClient
	gpasCfg config.GPASConfig
	log     *log.Entry
}

// New builds a Transformer from settings. aesKey must be 32 bytes if
// pseudonymisation is enabled; gpas may be nil (NoopGPASClient is used).
func New(cfg config.PseudonymizationConfig, aesKey []byte, gpas GPASClient, logger *log.Entry) (*Transformer, error) {
	t := &Transformer{
		enabled: cfg.Enabled,
		fields:  cfg.ElementsToPseudonymize,
		gpasCfg: cfg.GPAS,
		log:     logger,
	}
	if gpas == nil {
		gpas = NoopGPASClient{}
	}
	t.gpas = gpas

	if cfg.Enabled {
		mode := crypto.Deterministic
		if !cfg.UseDeterministicAES {
			mode = crypto.Random
		}
		aes, err := crypto.NewAESTransformer(aesKey, mode)
		if err != nil {
			return nil, fmt.Errorf("building aes transformer: %w", err)
		}
		t.aes = aes
	}
	return t, nil
}

// Enabled reports whether pseudonymisation is globally on.
func (t *Transformer) Enabled() bool { return t.enabled }

// FieldEnabled reports whether a specific field is configured for
// pseudonymisation.
func (t *Transformer) FieldEnabled(field string) bool {
	rule, ok := t.fields[field]
	return ok && rule.Enabled
}

// Transform produces the (handle, ciphertext) pair for one field's
// plaintext value, per spec.md §4.2. If pseudonymisation is globally off or
// the field isn't configured, the plaintext passes through unchanged and
// ciphertext is empty (the caller must not add a `_ciphertext` column in
// that case).
func (t *Transformer) Transform(ctx context.Context, field, plaintext string) (Result, error) {
	if !t.enabled {
		return Result{Handle: plaintext}, nil
	}
	rule, ok := t.fields[field]
	if !ok || !rule.Enabled {
		return Result{Handle: plaintext}, nil
	}

	if t.gpasCfg.Enabled {
		pseudonym, err := t.gpas.Pseudonymize(ctx, plaintext, rule.Domain)
		if err == nil {
			return Result{Handle: pseudonym, Ciphertext: pseudonym}, nil
		}
		t.log.WithError(err).Warn("GPAS pseudonymization failed, falling back to AES")
	}

	ciphertext, err := t.aes.Encrypt(plaintext)
	if err != nil {
		return Result{}, fmt.Errorf("encrypting field %q: %w", field, err)
	}
	handle := crypto.ShortHandle(ciphertext, rule.Prefix, orDefaultMaxLen(rule.MaxLen))
	return Result{Handle: handle, Ciphertext: ciphertext}, nil
}

func orDefaultMaxLen(v int) int {
	if v <= 0 {
		return 64
	}
	return v
}

// ApplyToRow applies Transform to every configured field present in row,
// returning a new row with `<field> -> handle` and, when pseudonymized,
// `<field>_ciphertext -> ciphertext` added. Fields absent from row or not
// configured are left untouched. This mirrors the original's
// encrypt_record_fields, applied once per staging insert (spec.md §4.4
// step 4).
func (t *Transformer) ApplyToRow(ctx context.Context, row map[string]interface{}) (map[string]interface{}, error) {
	if !t.enabled {
		return row, nil
	}
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	for field, rule := range t.fields {
		if !rule.Enabled {
			continue
		}
		raw, present := row[field]
		if !present {
			continue
		}
		plaintext := fmt.Sprintf("%v", raw)
		result, err := t.Transform(ctx, field, plaintext)
		if err != nil {
			return nil, err
		}
		out[field] = result.Handle
		if result.Ciphertext != "" {
			out[field+"_ciphertext"] = result.Ciphertext
		}
	}
	return out, nil
}
