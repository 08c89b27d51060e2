// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/objectstore"
)

// Config is the full runtime configuration.
type Config struct {
	LedgerRoot      string   `validate:"required"`
	MappingFiles    []string `validate:"required,min=1,dive,required"`
	VerificationDoc string
	RunTimeout      time.Duration `validate:"gt=0"`

	Platform  PlatformConfig
	Retry     RetryConfig
	Drift     DriftConfig
	Lock      LockConfig
	Journal   JournalConfig
	Storage   objectstore.Config
	Telemetry TelemetryConfig
	Server    ServerConfig

	LogLevel  string `validate:"oneof=DEBUG INFO WARN ERROR"`
	LogFormat string `validate:"oneof=json text"`

	// parseErrs holds environment values that could not be parsed.
	parseErrs []error
}

// PlatformConfig points at the Source Platform API and the evidenced target.
type PlatformConfig struct {
	APIURL     string `validate:"required,url"`
	Token      string
	Org        string  `validate:"required"`
	Repo       string  `validate:"required"`
	Branch     string  `validate:"required"`
	RPS        float64 `validate:"gt=0"`
	Burst      int     `validate:"gte=1"`
	Timeout    time.Duration
	PRLookback int `validate:"gte=0,lte=1000"`
}

// RetryConfig bounds the backoff applied to transient fetch failures.
type RetryConfig struct {
	MaxAttempts int   `validate:"gte=1,lte=20"`
	BaseMs      int64 `validate:"gte=1"`
	MaxMs       int64 `validate:"gtefield=BaseMs"`
	MaxJitterMs int64 `validate:"gte=0"`
}

// DriftConfig names the guarded policy and the identity allowed to write.
type DriftConfig struct {
	BaselineName      string `validate:"required"`
	Ruleset           string `validate:"required"`
	PipelineActorType string `validate:"required"`
	PipelineActorID   string `validate:"required"`
}

// LockConfig selects the run-lock backend.
type LockConfig struct {
	Backend       string `validate:"oneof=file redis"`
	RedisAddr     string `validate:"required_if=Backend redis"`
	RedisPassword string
	RedisDB       int
	TTL           time.Duration `validate:"gt=0"`
}

// JournalConfig selects the SQL run journal.
type JournalConfig struct {
	Driver string `validate:"oneof=sqlite postgres none"`
	DSN    string `validate:"required_unless=Driver none"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled    bool
	Endpoint   string
	Insecure   bool
	SampleRate float64 `validate:"gte=0,lte=1"`
}

// ServerConfig configures the manual-trigger endpoint.
type ServerConfig struct {
	Addr      string `validate:"required"`
	JWTSecret string
}

// Scope selects which parts of the configuration a command needs.
type Scope int

const (
	// ScopeLedger covers commands that only read or derive from the ledger.
	ScopeLedger Scope = iota
	// ScopePipeline covers commands that talk to the Source Platform API.
	ScopePipeline
)

var ledgerFields = []string{
	"LedgerRoot", "MappingFiles", "RunTimeout", "LogLevel", "LogFormat",
	"Lock.Backend", "Lock.RedisAddr", "Lock.TTL",
	"Journal.Driver", "Journal.DSN",
}

// Load reads .env (when present) and the process environment.
func Load() *Config {
	_ = godotenv.Load(".env")

	e := &envReader{}
	root := getEnv("LEDGER_ROOT", "evidence")
	cfg := &Config{
		LedgerRoot:      root,
		MappingFiles:    getEnvAsList("MAPPING_FILES", []string{"mappings/nist-800-53.yaml", "mappings/cmmc-l2.yaml"}),
		VerificationDoc: getEnv("VERIFICATION_DOC", ""),
		RunTimeout:      e.asDuration("RUN_TIMEOUT", 15*time.Minute),
		Platform: PlatformConfig{
			APIURL:     getEnv("PLATFORM_API_URL", "https://api.github.com"),
			Token:      getEnv("PLATFORM_TOKEN", ""),
			Org:        getEnv("PLATFORM_ORG", ""),
			Repo:       getEnv("PLATFORM_REPO", ""),
			Branch:     getEnv("PLATFORM_BRANCH", "main"),
			RPS:        e.asFloat("PLATFORM_RPS", 5),
			Burst:      e.asInt("PLATFORM_BURST", 10),
			Timeout:    e.asDuration("PLATFORM_TIMEOUT", 30*time.Second),
			PRLookback: e.asInt("PR_LOOKBACK", 50),
		},
		Retry: RetryConfig{
			MaxAttempts: e.asInt("RETRY_MAX_ATTEMPTS", 5),
			BaseMs:      int64(e.asInt("RETRY_BASE_MS", 500)),
			MaxMs:       int64(e.asInt("RETRY_MAX_MS", 30000)),
			MaxJitterMs: int64(e.asInt("RETRY_MAX_JITTER_MS", 250)),
		},
		Lock: LockConfig{
			Backend:       getEnv("LOCK_BACKEND", "file"),
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       e.asInt("REDIS_DB", 0),
			TTL:           e.asDuration("LOCK_TTL", 30*time.Minute),
		},
		Journal: JournalConfig{
			Driver: getEnv("JOURNAL_DRIVER", "sqlite"),
			DSN:    getEnv("JOURNAL_DSN", filepath.Join(root, "journal.db")),
		},
		Storage: objectstore.Config{
			Type:       objectstore.Type(getEnv("ARTIFACT_STORAGE_TYPE", "none")),
			Dir:        getEnv("DATA_DIR", "data"),
			S3Bucket:   getEnv("ARTIFACT_S3_BUCKET", ""),
			S3Region:   getEnv("ARTIFACT_S3_REGION", getEnv("AWS_REGION", "")),
			S3Endpoint: getEnv("ARTIFACT_S3_ENDPOINT", ""),
			S3Prefix:   getEnv("ARTIFACT_S3_PREFIX", ""),
			GCSBucket:  getEnv("ARTIFACT_GCS_BUCKET", ""),
			GCSPrefix:  getEnv("ARTIFACT_GCS_PREFIX", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:    e.asBool("OTEL_ENABLED", false),
			Endpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:   e.asBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			SampleRate: e.asFloat("OTEL_SAMPLE_RATE", 1.0),
		},
		Server: ServerConfig{
			Addr:      getEnv("SERVER_ADDR", ":8080"),
			JWTSecret: getEnv("TRIGGER_JWT_SECRET", ""),
		},
		LogLevel:  strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}
	baseline := getEnv("BASELINE_NAME", "evidence-branch-protection-ruleset")
	cfg.Drift = DriftConfig{
		BaselineName:      baseline,
		Ruleset:           getEnv("PLATFORM_RULESET", baseline),
		PipelineActorType: getEnv("PIPELINE_ACTOR_TYPE", "Integration"),
		PipelineActorID:   getEnv("PIPELINE_ACTOR_ID", ""),
	}
	cfg.parseErrs = e.errs
	return cfg
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the fields a command scope needs. Failures are
// configuration errors (exit code 3).
func (c *Config) Validate(scope Scope) error {
	const op = "validate config"
	if len(c.parseErrs) > 0 {
		return evidence.E(evidence.KindConfig, op, errors.Join(c.parseErrs...))
	}

	var err error
	if scope == ScopePipeline {
		err = validate.Struct(c)
	} else {
		err = validate.StructPartial(c, ledgerFields...)
	}
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			err = errors.New(strings.Join(msgs, "; "))
		}
		return evidence.E(evidence.KindConfig, op, err)
	}

	// A run must finish before its lock can expire.
	if c.RunTimeout >= c.Lock.TTL {
		return evidence.E(evidence.KindConfig, op,
			fmt.Errorf("RUN_TIMEOUT (%s) must be shorter than LOCK_TTL (%s)", c.RunTimeout, c.Lock.TTL))
	}
	return nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed environment values, recording every malformed one
// instead of silently falling back to the default.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string, parse func(string) error) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	if err := parse(value); err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, value, err))
	}
}

func (e *envReader) asInt(key string, defaultValue int) int {
	out := defaultValue
	e.lookup(key, func(v string) (err error) { out, err = strconv.Atoi(v); return err })
	return out
}

func (e *envReader) asFloat(key string, defaultValue float64) float64 {
	out := defaultValue
	e.lookup(key, func(v string) (err error) { out, err = strconv.ParseFloat(v, 64); return err })
	return out
}

func (e *envReader) asBool(key string, defaultValue bool) bool {
	out := defaultValue
	e.lookup(key, func(v string) (err error) { out, err = strconv.ParseBool(v); return err })
	return out
}

func (e *envReader) asDuration(key string, defaultValue time.Duration) time.Duration {
	out := defaultValue
	e.lookup(key, func(v string) (err error) { out, err = time.ParseDuration(v); return err })
	return out
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
