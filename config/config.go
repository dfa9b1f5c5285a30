// Package config loads worker configuration from environment variables
// (via github.com/joho/godotenv for local .env files) into a typed
// Config struct, plus YAML-file policy rule and phase-timeout
// overrides (via gopkg.in/yaml.v3) for worker deployments that want
// file-based tuning instead of one environment variable per knob.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend selects the store implementation every durable component
// (Idempotency Store, Checkpoint Store, Run Store, Durable Job Store)
// is constructed against.
type Backend string

// The backend values this module ships store implementations for.
// "firestore" is accepted as an example value but has no
// in-tree implementation; selecting it is a ConfigurationError at
// worker startup.
const (
	BackendMemory    Backend = "memory"
	BackendSQLite    Backend = "sqlite"
	BackendMySQL     Backend = "mysql"
	BackendRedis     Backend = "redis"
	BackendFirestore Backend = "firestore"
)

// Config is the worker's typed, env-derived configuration.
type Config struct {
	// Backend selects the store implementation (env GWI_STORE_BACKEND,
	// default "memory").
	Backend Backend

	// SQLite/MySQL/Redis connection strings, consulted only when
	// Backend selects that store.
	SQLitePath string
	MySQLDSN   string
	RedisAddr  string

	// SandboxEnabled is read from env GWI_SANDBOX_ENABLED (default
	// true). gwiworkerd wires the dry-run worker.NopSandbox either way;
	// when this is true it only logs that no isolation provider is wired.
	SandboxEnabled bool

	// TraceAnalysisDisabled is read from env GWI_DISABLE_TRACE_ANALYSIS
	// (default false). No component reads it: the analyze phase has no
	// trace-analysis sub-step to disable.
	TraceAnalysisDisabled bool

	// ApprovalsDir is the well-known directory the Approval Gate scans.
	ApprovalsDir string

	// SigningKeysFile points at a JWK set of approval-signing public
	// keys registered into the key store at startup. Empty means no keys,
	// which is fatal for workers serving gated run types.
	SigningKeysFile string

	// HeartbeatInterval and StaleThreshold tune the Heartbeat Service.
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration

	// PhaseBudget bounds a single phase's agent/sandbox call.
	PhaseBudget time.Duration

	// LockTimeout, MaxAttempts, CompletedTTL, FailedTTL mirror
	// idempotency.Config.
	LockTimeout  time.Duration
	MaxAttempts  int
	CompletedTTL time.Duration
	FailedTTL    time.Duration

	// AnthropicAPIKey / OpenAIAPIKey configure the reference Agent
	// adapters, left empty to disable that provider.
	AnthropicAPIKey string
	OpenAIAPIKey    string

	// Production toggles JSON vs. development zap encoding
	// (telemetry.NewLogger).
	Production bool
}

// Load reads .env (if present, via godotenv — missing is not an error)
// then builds Config from the process environment, applying the
// defaults documented above for anything unset.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Config{
		Backend:               Backend(getEnv("GWI_STORE_BACKEND", string(BackendMemory))),
		SQLitePath:            getEnv("GWI_SQLITE_PATH", "gwi.db"),
		MySQLDSN:              getEnv("GWI_MYSQL_DSN", ""),
		RedisAddr:             getEnv("GWI_REDIS_ADDR", "localhost:6379"),
		SandboxEnabled:        getEnvBool("GWI_SANDBOX_ENABLED", true),
		TraceAnalysisDisabled: getEnvBool("GWI_DISABLE_TRACE_ANALYSIS", false),
		ApprovalsDir:          getEnv("GWI_APPROVALS_DIR", ".gwi/approvals"),
		SigningKeysFile:       getEnv("GWI_SIGNING_KEYS_FILE", ""),
		HeartbeatInterval:     getEnvDuration("GWI_HEARTBEAT_INTERVAL", 30*time.Second),
		StaleThreshold:        getEnvDuration("GWI_STALE_THRESHOLD", 5*time.Minute),
		PhaseBudget:           getEnvDuration("GWI_PHASE_BUDGET", 5*time.Minute),
		LockTimeout:           getEnvDuration("GWI_LOCK_TIMEOUT", 5*time.Minute),
		MaxAttempts:           getEnvInt("GWI_MAX_ATTEMPTS", 3),
		CompletedTTL:          getEnvDuration("GWI_COMPLETED_TTL", 24*time.Hour),
		FailedTTL:             getEnvDuration("GWI_FAILED_TTL", time.Hour),
		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		Production:            getEnvBool("GWI_PRODUCTION", false),
	}

	switch cfg.Backend {
	case BackendMemory, BackendSQLite, BackendMySQL, BackendRedis:
	case BackendFirestore:
		return Config{}, fmt.Errorf("config: backend %q has no in-tree implementation", cfg.Backend)
	default:
		return Config{}, fmt.Errorf("config: unknown backend %q", cfg.Backend)
	}

	return cfg, nil
}

// PolicyFile is the shape of a YAML-file policy rule override: e.g.
// tightening the protected-branch approver count or adding per-tenant
// phase timeouts, without a code change or redeploy.
type PolicyFile struct {
	ProtectedBranches     []string          `yaml:"protectedBranches"`
	RequiredApproverCount int               `yaml:"requiredApproverCount"`
	PhaseTimeouts         map[string]string `yaml:"phaseTimeouts"`
}

// LoadPolicyFile parses a YAML policy rule file from path.
func LoadPolicyFile(path string) (PolicyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PolicyFile{}, fmt.Errorf("config: read policy file: %w", err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return PolicyFile{}, fmt.Errorf("config: parse policy file: %w", err)
	}
	return pf, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
