package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settingsYAML = `
ehr:
  url: https://ehr.example.org
  auth_method: basic
  username: u
  password: p
fhir:
  url: https://fhir.example.org
  auth_method: bearer
  bearer_token: tok
database:
  driver: sqlite
  dsn: file::memory:
fetch_by_date:
  enabled: true
  start_date: "2025-01-01T00:00:00"
  end_date: "2025-12-31T00:00:00"
  fetch_interval_hours: 6
polling:
  enabled: true
  interval_seconds: 60
  max_parallel_fetches: 4
query_retries:
  enabled: true
  retry_count: 2
  retry_interval_seconds: 0
server_health_check:
  enabled: true
  retry_interval_seconds: 5
publisher:
  discard_invalid_non_consent: true
`

const resourceYAML = `
resources:
  - name: Condition
    priority: 1
    group_by: ""
    query_template: "SELECT c/uid/value as Composition_ID FROM EHR e CONTAINS COMPOSITION c WHERE c/context/start_time/value >= '{{last_run_time}}'"
    required_fields: ["Composition_ID"]
    mapping_template:
      resourceType: Condition
      identifier:
        - value: "{{Composition_ID}}"
  - name: Consent
    priority: 2
    group_by: composition_id
    query_template: "SELECT c/uid/value as composition_id FROM EHR e CONTAINS COMPOSITION c"
    required_fields: ["composition_id"]
    mapping_template:
      resourceType: Consent
`

func writeTemp(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadValid(t *testing.T) {
	dir := t.TempDir()
	settingsPath := writeTemp(t, dir, "settings.yml", settingsYAML)
	resourcePath := writeTemp(t, dir, "resource.yml", resourceYAML)

	settings, resources, err := Load(settingsPath, resourcePath)
	require.NoError(t, err)
	assert.Equal(t, "https://ehr.example.org", settings.EHR.URL)
	assert.Len(t, resources, 2)

	consent, ok := FindConsent(resources)
	require.True(t, ok)
	assert.Equal(t, "composition_id", consent.GroupBy)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	dir := t.TempDir()
	settingsPath := writeTemp(t, dir, "settings.yml", settingsYAML)
	resourcePath := writeTemp(t, dir, "resource.yml", resourceYAML)

	t.Setenv("EHR_URL", "https://overridden.example.org")
	settings, _, err := Load(settingsPath, resourcePath)
	require.NoError(t, err)
	assert.Equal(t, "https://overridden.example.org", settings.EHR.URL)
}

func TestValidateRejectsBadAuthMethod(t *testing.T) {
	dir := t.TempDir()
	badSettings := settingsYAML + "\n"
	settingsPath := writeTemp(t, dir, "settings.yml",
		replaceOnce(badSettings, "auth_method: basic", "auth_method: carrier-pigeon"))
	resourcePath := writeTemp(t, dir, "resource.yml", resourceYAML)

	_, _, err := Load(settingsPath, resourcePath)
	require.Error(t, err)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	settingsPath := writeTemp(t, dir, "settings.yml",
		replaceOnce(settingsYAML, "driver: sqlite", "driver: oracle"))
	resourcePath := writeTemp(t, dir, "resource.yml", resourceYAML)

	_, _, err := Load(settingsPath, resourcePath)
	require.Error(t, err)
}

func TestValidateRejectsDuplicateResourceNames(t *testing.T) {
	dir := t.TempDir()
	settingsPath := writeTemp(t, dir, "settings.yml", settingsYAML)
	dup := resourceYAML + `
  - name: condition
    priority: 3
    query_template: "SELECT 1"
`
	resourcePath := writeTemp(t, dir, "resource.yml", dup)

	_, _, err := Load(settingsPath, resourcePath)
	require.Error(t, err)
}

func replaceOnce(s, old, new string) string {
	idx := indexOf(s, old)
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
