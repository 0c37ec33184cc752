// Package config loads the two YAML configuration files that drive the
// pipeline — settings.yml (operational knobs) and resource.yml (the static
// per-resource definitions, mapping templates included) — and layers
// environment variable overrides on top for secrets and endpoints that
// should never be committed to the YAML files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AuthMethod is how a pipeline HTTP client authenticates to an upstream server.
type AuthMethod string

const (
	AuthBasic  AuthMethod = "basic"
	AuthBearer AuthMethod = "bearer"
)

// EndpointConfig describes one external HTTP collaborator (EHR or FHIR).
type EndpointConfig struct {
	URL        string     `yaml:"url"`
	AuthMethod AuthMethod `yaml:"auth_method"`
	Username   string     `yaml:"username"`
	Password   string     `yaml:"password"`
	// BearerToken is used directly when AuthMethod is bearer and no JWT
	// signing key is configured; JWTSigningKey takes precedence when set.
	BearerToken   string `yaml:"bearer_token"`
	JWTSigningKey string `yaml:"jwt_signing_key"`
	TimeoutSecond int    `yaml:"timeout_seconds"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MinOpenConns    int    `yaml:"min_open_conns"`
}

// FetchByDateConfig is §6's fetch_by_date stanza.
type FetchByDateConfig struct {
	Enabled            bool   `yaml:"enabled"`
	StartDate          string `yaml:"start_date"`
	EndDate            string `yaml:"end_date"`
	FetchIntervalHours float64 `yaml:"fetch_interval_hours"`
}

// PollingConfig is §6's polling stanza.
type PollingConfig struct {
	Enabled            bool `yaml:"enabled"`
	IntervalSeconds    int  `yaml:"interval_seconds"`
	MaxParallelFetches int  `yaml:"max_parallel_fetches"`
}

// PriorityFetchingConfig is §6's priority_fetching stanza.
type PriorityFetchingConfig struct {
	Enabled       bool          `yaml:"enabled"`
	PriorityLevels map[int]int `yaml:"priority_levels"` // priority -> min minutes between runs
}

// ProcessingConfig is §6's processing stanza.
type ProcessingConfig struct {
	UseBatch      bool `yaml:"use_batch"`
	BatchSize     int  `yaml:"batch_size"`
	MaxFHIRWorkers int `yaml:"max_fhir_workers"`
}

// QueryRetriesConfig is §6's query_retries stanza (Publisher retry policy).
type QueryRetriesConfig struct {
	Enabled             bool `yaml:"enabled"`
	RetryCount          int  `yaml:"retry_count"`
	RetryIntervalSeconds int `yaml:"retry_interval_seconds"`
	// ExponentialBackoff switches from the original's fixed interval to
	// exponential-backoff-with-jitter; spec.md §9 permits either.
	ExponentialBackoff bool `yaml:"exponential_backoff"`
}

// HealthCheckConfig is §6's server_health_check stanza.
type HealthCheckConfig struct {
	Enabled              bool `yaml:"enabled"`
	RetryIntervalSeconds int  `yaml:"retry_interval_seconds"`
	MaxRetries           int  `yaml:"max_retries"` // 0 means retry forever
}

// FieldRule is one entry of elements_to_pseudonymize.
type FieldRule struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
	Domain  string `yaml:"domain"`
	MaxLen  int    `yaml:"max_len"`
}

// GPASConfig configures the optional external pseudonymisation service.
type GPASConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	CACert     string `yaml:"ca_cert"`
}

// PseudonymizationConfig is §6's pseudonymization stanza.
type PseudonymizationConfig struct {
	Enabled                bool                 `yaml:"enabled"`
	UseDeterministicAES    bool                 `yaml:"use_deterministic_aes"`
	AESKeyBase64           string               `yaml:"aes_key_base64"`
	GPAS                   GPASConfig           `yaml:"GPAS"`
	ElementsToPseudonymize map[string]FieldRule `yaml:"elements_to_pseudonymize"`
}

// SanitizeConfig is §6's sanitize stanza (supplemented feature, §10.2 of SPEC_FULL.md).
type SanitizeConfig struct {
	Enabled            bool     `yaml:"enabled"`
	ElementsToSanitize []string `yaml:"elements_to_sanitize"`
}

// PublisherConfig controls the non-Consent discard-on-4xx policy made
// explicit per SPEC_FULL.md §4.8 (spec.md §9 Open Question).
type PublisherConfig struct {
	DiscardInvalidNonConsent bool `yaml:"discard_invalid_non_consent"`
}

// LogConfig controls the logging subsystem (internal/ops).
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig controls the optional Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Settings is the root of settings.yml.
type Settings struct {
	EHR               EndpointConfig         `yaml:"ehr"`
	FHIR              EndpointConfig         `yaml:"fhir"`
	Database          DatabaseConfig         `yaml:"database"`
	FetchByDate       FetchByDateConfig      `yaml:"fetch_by_date"`
	Polling           PollingConfig          `yaml:"polling"`
	PriorityFetching  PriorityFetchingConfig `yaml:"priority_fetching"`
	Processing        ProcessingConfig       `yaml:"processing"`
	QueryRetries      QueryRetriesConfig     `yaml:"query_retries"`
	ServerHealthCheck HealthCheckConfig      `yaml:"server_health_check"`
	Pseudonymization  PseudonymizationConfig `yaml:"pseudonymization"`
	Sanitize          SanitizeConfig         `yaml:"sanitize"`
	Publisher         PublisherConfig        `yaml:"publisher"`
	Log               LogConfig              `yaml:"log"`
	Metrics           MetricsConfig          `yaml:"metrics"`
}

// ResourceDef is one entry of resource.yml: the static definition of a
// fetchable/mappable resource, per spec.md §3.
type ResourceDef struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	// MappingTemplate is decoded as a raw yaml.Node (rather than
	// map[string]interface{}) so the Mapper can reorder its rendered
	// output to match the template's declaration order, per spec.md
	// §4.5 step 6 — a plain Go map does not preserve key order.
	MappingTemplate yaml.Node         `yaml:"mapping_template"`
	RequiredFields  []string          `yaml:"required_fields"`
	GroupBy         string            `yaml:"group_by"`
	QueryTemplate   string            `yaml:"query_template"`
	Parameters      map[string]string `yaml:"parameters"`
	// StartDate is the stateful per-resource default when FetchByDate is
	// disabled (spec.md §4.4 step 1).
	StartDate string `yaml:"start_date"`
}

// LoweredName returns the case-insensitive identifier lowercased, per
// spec.md §3's resource-name normalization rule.
func (r ResourceDef) LoweredName() string {
	return strings.ToLower(r.Name)
}

// IsConsent reports whether this resource is the specially-grouped Consent
// resource (spec.md §2, §4.6).
func (r ResourceDef) IsConsent() bool {
	return r.LoweredName() == "consent"
}

// ResourceFile is the root of resource.yml: a named list of resource
// definitions. Each definition carries its own group_by column.
type ResourceFile struct {
	Resources []ResourceDef `yaml:"resources"`
}

// Load reads settings.yml and resource.yml from the given paths, applies
// environment variable overrides, and validates required fields. Config
// errors are fatal-at-startup per spec.md §7.
func Load(settingsPath, resourcePath string) (*Settings, []ResourceDef, error) {
	settings, err := loadSettings(settingsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading %s: %w", settingsPath, err)
	}
	applyEnvOverrides(settings)

	resources, err := loadResources(resourcePath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading %s: %w", resourcePath, err)
	}

	if err := validate(settings, resources); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return settings, resources, nil
}

func loadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Settings
	// Defaults for keys that may be absent from settings.yml.
	s.Publisher.DiscardInvalidNonConsent = true
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	return &s, nil
}

func loadResources(path string) ([]ResourceDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f ResourceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	return f.Resources, nil
}

// applyEnvOverrides lets deployment secrets (server URLs, credentials, the
// GPAS endpoint, database DSN) override the checked-in YAML without
// touching it, per spec.md §6.
func applyEnvOverrides(s *Settings) {
	overrideString(&s.EHR.URL, "EHR_URL")
	overrideString(&s.EHR.Username, "EHR_USERNAME")
	overrideString(&s.EHR.Password, "EHR_PASSWORD")
	overrideString(&s.EHR.BearerToken, "EHR_BEARER_TOKEN")

	overrideString(&s.FHIR.URL, "FHIR_URL")
	overrideString(&s.FHIR.Username, "FHIR_USERNAME")
	overrideString(&s.FHIR.Password, "FHIR_PASSWORD")
	overrideString(&s.FHIR.BearerToken, "FHIR_BEARER_TOKEN")

	overrideString(&s.Database.Driver, "DB_TYPE")
	overrideString(&s.Database.DSN, "DB_DSN")

	overrideString(&s.Pseudonymization.GPAS.BaseURL, "GPAS_BASE_URL")
	overrideString(&s.Pseudonymization.GPAS.ClientCert, "GPAS_CLIENT_CERT")
	overrideString(&s.Pseudonymization.GPAS.ClientKey, "GPAS_CLIENT_KEY")
	overrideString(&s.Pseudonymization.GPAS.CACert, "GPAS_CA_CERT")
	overrideString(&s.Pseudonymization.AESKeyBase64, "PSEUDONYMIZATION_AES_KEY")

	overrideBool(&s.Pseudonymization.GPAS.Enabled, "GPAS_ENABLED")
}

func overrideString(field *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*field = v
	}
}

func overrideBool(field *bool, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*field = parsed
		}
	}
}

// validate checks the invariants spec.md §7 calls fatal config errors:
// missing server URLs, an unsupported auth method, or an unsupported
// database driver.
func validate(s *Settings, resources []ResourceDef) error {
	if s.EHR.URL == "" {
		return fmt.Errorf("ehr.url is required")
	}
	if s.FHIR.URL == "" {
		return fmt.Errorf("fhir.url is required")
	}
	if err := validateAuthMethod(s.EHR.AuthMethod); err != nil {
		return fmt.Errorf("ehr: %w", err)
	}
	if err := validateAuthMethod(s.FHIR.AuthMethod); err != nil {
		return fmt.Errorf("fhir: %w", err)
	}
	switch s.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be 'postgres' or 'sqlite', got %q", s.Database.Driver)
	}
	if len(resources) == 0 {
		return fmt.Errorf("resource.yml defines no resources")
	}
	seen := make(map[string]bool, len(resources))
	for _, r := range resources {
		if r.Name == "" {
			return fmt.Errorf("resource definition missing name")
		}
		if r.QueryTemplate == "" {
			return fmt.Errorf("resource %q missing query_template", r.Name)
		}
		lowered := r.LoweredName()
		if seen[lowered] {
			return fmt.Errorf("duplicate resource name %q", r.Name)
		}
		seen[lowered] = true
	}
	return nil
}

func validateAuthMethod(m AuthMethod) error {
	switch m {
	case AuthBasic, AuthBearer:
		return nil
	default:
		return fmt.Errorf("invalid auth method %q", m)
	}
}

// FindConsent returns the Consent resource definition, if one is configured.
func FindConsent(resources []ResourceDef) (ResourceDef, bool) {
	for _, r := range resources {
		if r.IsConsent() {
			return r, true
		}
	}
	return ResourceDef{}, false
}
