package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/objectstore"
)

func pipelineEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LEDGER_ROOT", t.TempDir())
	t.Setenv("PLATFORM_ORG", "acme")
	t.Setenv("PLATFORM_REPO", "evidence")
	t.Setenv("PIPELINE_ACTOR_ID", "123456")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEDGER_ROOT", "/srv/ledger")
	cfg := Load()

	assert.Equal(t, "/srv/ledger", cfg.LedgerRoot)
	assert.Equal(t, []string{"mappings/nist-800-53.yaml", "mappings/cmmc-l2.yaml"}, cfg.MappingFiles)
	assert.Equal(t, 15*time.Minute, cfg.RunTimeout)
	assert.Equal(t, "https://api.github.com", cfg.Platform.APIURL)
	assert.Equal(t, "main", cfg.Platform.Branch)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "evidence-branch-protection-ruleset", cfg.Drift.BaselineName)
	assert.Equal(t, cfg.Drift.BaselineName, cfg.Drift.Ruleset)
	assert.Equal(t, "Integration", cfg.Drift.PipelineActorType)
	assert.Equal(t, "file", cfg.Lock.Backend)
	assert.Equal(t, "sqlite", cfg.Journal.Driver)
	assert.Equal(t, filepath.Join("/srv/ledger", "journal.db"), cfg.Journal.DSN)
	assert.Equal(t, objectstore.TypeNone, cfg.Storage.Type)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_Overrides(t *testing.T) {
	pipelineEnv(t)
	t.Setenv("MAPPING_FILES", " a.yaml, ,b.yaml ")
	t.Setenv("PLATFORM_RULESET", "ledger-protection")
	t.Setenv("RUN_TIMEOUT", "90s")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.MappingFiles)
	assert.Equal(t, "ledger-protection", cfg.Drift.Ruleset)
	assert.Equal(t, 90*time.Second, cfg.RunTimeout)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.NoError(t, cfg.Validate(ScopePipeline))
}

func TestValidate_PipelineScope(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing org", func(c *Config) { c.Platform.Org = "" }, "Org"},
		{"missing pipeline actor", func(c *Config) { c.Drift.PipelineActorID = "" }, "PipelineActorID"},
		{"bad api url", func(c *Config) { c.Platform.APIURL = "not a url" }, "APIURL"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "MaxAttempts"},
		{"max below base", func(c *Config) { c.Retry.MaxMs = 1; c.Retry.BaseMs = 10 }, "MaxMs"},
		{"redis without addr", func(c *Config) { c.Lock.Backend = "redis" }, "RedisAddr"},
		{"unknown lock backend", func(c *Config) { c.Lock.Backend = "zookeeper" }, "Backend"},
		{"postgres without dsn", func(c *Config) { c.Journal.Driver = "postgres"; c.Journal.DSN = "" }, "DSN"},
		{"no mappings", func(c *Config) { c.MappingFiles = nil }, "MappingFiles"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LogFormat"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			pipelineEnv(t)
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate(ScopePipeline)
			require.Error(t, err)
			assert.True(t, evidence.IsKind(err, evidence.KindConfig))
			assert.Equal(t, evidence.ExitConfiguration, evidence.ExitCode(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_MalformedValuesAreConfigErrors(t *testing.T) {
	for key, value := range map[string]string{
		"RETRY_MAX_ATTEMPTS": "not-a-number",
		"PLATFORM_RPS":       "fast",
		"RUN_TIMEOUT":        "15",
		"OTEL_ENABLED":       "sometimes",
	} {
		key, value := key, value
		t.Run(key, func(t *testing.T) {
			pipelineEnv(t)
			t.Setenv(key, value)
			cfg := Load()
			for _, scope := range []Scope{ScopeLedger, ScopePipeline} {
				err := cfg.Validate(scope)
				require.Error(t, err)
				assert.Equal(t, evidence.ExitConfiguration, evidence.ExitCode(err))
				assert.Contains(t, err.Error(), key)
			}
		})
	}
}

func TestValidate_RunTimeoutMustBeShorterThanLockTTL(t *testing.T) {
	pipelineEnv(t)
	t.Setenv("RUN_TIMEOUT", "30m")
	t.Setenv("LOCK_TTL", "30m")
	cfg := Load()
	err := cfg.Validate(ScopeLedger)
	require.Error(t, err)
	assert.True(t, evidence.IsKind(err, evidence.KindConfig))
	assert.Contains(t, err.Error(), "LOCK_TTL")

	cfg.Lock.TTL = 31 * time.Minute
	require.NoError(t, cfg.Validate(ScopePipeline))
}

func TestValidate_LedgerScopeIgnoresPlatform(t *testing.T) {
	t.Setenv("LEDGER_ROOT", t.TempDir())
	cfg := Load()
	require.Error(t, cfg.Validate(ScopePipeline))
	require.NoError(t, cfg.Validate(ScopeLedger))

	cfg.Lock.Backend = "redis"
	require.Error(t, cfg.Validate(ScopeLedger))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "WARN", LogFormat: "json"}
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	cfg = &Config{LogLevel: "bogus", LogFormat: "text"}
	cfg.NewLogger(&buf).Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
