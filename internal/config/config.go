package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const envPrefix = "SQLAGENT_"

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Warehouse     WarehouseConfig
	ObjectStore   ObjectStoreConfig
	Model         ModelConfig
	Generation    GenerationConfig
	Cache         CacheConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// WarehouseConfig selects the SQL executor and schema source. Driver "duckdb"
// reads parquet files from the object store; the other drivers go through
// database/sql with DSN.
type WarehouseConfig struct {
	Driver          string
	DSN             string
	ProjectID       string
	DatasetID       string
	SampleRows      int
	SchemaTTL       time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ModelConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
}

type GenerationConfig struct {
	Strategy          string
	Candidates        int
	BatchTimeout      time.Duration
	ResolveTimeout    time.Duration
	MaxCorrections    int
	Dialect           string
	DocumentationPath string
	AnalysisEnabled   bool
}

type CacheConfig struct {
	SnapshotKey    string
	RestoreOnStart bool
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup(envPrefix + "PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid %sPROFILE: %q", envPrefix, profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func(LookupFunc) error{
		stringVar("SERVICE_NAME", &cfg.Service.Name),
		stringVar("HTTP_ADDR", &cfg.HTTP.Address),
		durationVar("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout),
		durationVar("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout),
		durationVar("HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout),

		stringVar("WAREHOUSE_DRIVER", &cfg.Warehouse.Driver),
		stringVar("WAREHOUSE_DSN", &cfg.Warehouse.DSN),
		stringVar("WAREHOUSE_PROJECT_ID", &cfg.Warehouse.ProjectID),
		stringVar("WAREHOUSE_DATASET_ID", &cfg.Warehouse.DatasetID),
		intVar("WAREHOUSE_SAMPLE_ROWS", &cfg.Warehouse.SampleRows),
		durationVar("WAREHOUSE_SCHEMA_TTL", &cfg.Warehouse.SchemaTTL),
		intVar("WAREHOUSE_MAX_OPEN_CONNS", &cfg.Warehouse.MaxOpenConns),
		intVar("WAREHOUSE_MAX_IDLE_CONNS", &cfg.Warehouse.MaxIdleConns),
		durationVar("WAREHOUSE_CONN_MAX_LIFETIME", &cfg.Warehouse.ConnMaxLifetime),

		stringVar("OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint),
		stringVar("OBJECTSTORE_REGION", &cfg.ObjectStore.Region),
		stringVar("OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket),
		stringVar("OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID),
		stringVar("OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey),
		boolVar("OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL),
		stringVar("OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix),
		boolVar("OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket),

		stringVar("MODEL_PROVIDER", &cfg.Model.Provider),
		stringVar("MODEL_BASE_URL", &cfg.Model.BaseURL),
		stringVar("MODEL_API_KEY", &cfg.Model.APIKey),
		stringVar("MODEL_NAME", &cfg.Model.Model),
		floatVar("MODEL_TEMPERATURE", &cfg.Model.Temperature),
		intVar("MODEL_MAX_TOKENS", &cfg.Model.MaxTokens),
		durationVar("MODEL_TIMEOUT", &cfg.Model.Timeout),
		intVar("MODEL_MAX_RETRIES", &cfg.Model.MaxRetries),

		stringVar("GENERATION_STRATEGY", &cfg.Generation.Strategy),
		intVar("GENERATION_CANDIDATES", &cfg.Generation.Candidates),
		durationVar("GENERATION_BATCH_TIMEOUT", &cfg.Generation.BatchTimeout),
		durationVar("GENERATION_RESOLVE_TIMEOUT", &cfg.Generation.ResolveTimeout),
		intVar("GENERATION_MAX_CORRECTIONS", &cfg.Generation.MaxCorrections),
		stringVar("GENERATION_DIALECT", &cfg.Generation.Dialect),
		stringVar("GENERATION_DOCUMENTATION_PATH", &cfg.Generation.DocumentationPath),
		boolVar("ANALYSIS_ENABLED", &cfg.Generation.AnalysisEnabled),

		stringVar("CACHE_SNAPSHOT_KEY", &cfg.Cache.SnapshotKey),
		boolVar("CACHE_RESTORE", &cfg.Cache.RestoreOnStart),

		boolVar("LOG_JSON", &cfg.Observability.LogJSON),
		logLevelVar("LOG_LEVEL", &cfg.Observability.LogLevel),
		boolVar("AUTH_REQUIRED", &cfg.Auth.Required),
		stringVar("AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys),
	}
	for _, apply := range appliers {
		if err := apply(lookup); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	switch c.Warehouse.Driver {
	case "duckdb", "pgx", "mysql", "sqlite":
	default:
		return fmt.Errorf("invalid %sWAREHOUSE_DRIVER: %q", envPrefix, c.Warehouse.Driver)
	}
	if c.Warehouse.Driver != "duckdb" && c.Warehouse.DSN == "" {
		return fmt.Errorf("%sWAREHOUSE_DSN is required for driver %q", envPrefix, c.Warehouse.Driver)
	}
	if c.Warehouse.SampleRows < 0 || c.Warehouse.SampleRows > 5 {
		return fmt.Errorf("invalid %sWAREHOUSE_SAMPLE_ROWS: %d (must be 0..5)", envPrefix, c.Warehouse.SampleRows)
	}
	switch c.Model.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("invalid %sMODEL_PROVIDER: %q", envPrefix, c.Model.Provider)
	}
	if c.Model.MaxRetries < 0 {
		return fmt.Errorf("invalid %sMODEL_MAX_RETRIES: %d", envPrefix, c.Model.MaxRetries)
	}
	if c.Generation.Candidates < 1 {
		return fmt.Errorf("invalid %sGENERATION_CANDIDATES: %d", envPrefix, c.Generation.Candidates)
	}
	if c.Generation.MaxCorrections < 0 {
		return fmt.Errorf("invalid %sGENERATION_MAX_CORRECTIONS: %d", envPrefix, c.Generation.MaxCorrections)
	}
	if c.Generation.ResolveTimeout <= 0 {
		return fmt.Errorf("invalid %sGENERATION_RESOLVE_TIMEOUT: %s", envPrefix, c.Generation.ResolveTimeout)
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "sqlagent-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Warehouse: WarehouseConfig{
			Driver:          "duckdb",
			ProjectID:       "warehouse",
			DatasetID:       "analytics",
			SampleRows:      5,
			SchemaTTL:       10 * time.Minute,
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "sqlagent",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			AutoCreateBucket: true,
		},
		Model: ModelConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-5",
			Temperature: 0.1,
			MaxTokens:   4096,
			Timeout:     60 * time.Second,
			MaxRetries:  2,
		},
		Generation: GenerationConfig{
			Strategy:       "direct",
			Candidates:     1,
			BatchTimeout:   60 * time.Second,
			ResolveTimeout: 5 * time.Minute,
			MaxCorrections: 3,
			Dialect:        "DuckDB",
		},
		Cache: CacheConfig{
			SnapshotKey: "cache/snapshot.ndjson",
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  false,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Observability.LogJSON = true
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
		cfg.Cache.RestoreOnStart = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func stringVar(name string, dst *string) func(LookupFunc) error {
	return func(lookup LookupFunc) error {
		return applyString(lookup, envPrefix+name, dst)
	}
}

func durationVar(name string, dst *time.Duration) func(LookupFunc) error {
	return func(lookup LookupFunc) error {
		return applyDuration(lookup, envPrefix+name, dst)
	}
}

func boolVar(name string, dst *bool) func(LookupFunc) error {
	return func(lookup LookupFunc) error {
		return applyBool(lookup, envPrefix+name, dst)
	}
}

func intVar(name string, dst *int) func(LookupFunc) error {
	return func(lookup LookupFunc) error {
		return applyInt(lookup, envPrefix+name, dst)
	}
}

func floatVar(name string, dst *float64) func(LookupFunc) error {
	return func(lookup LookupFunc) error {
		return applyFloat(lookup, envPrefix+name, dst)
	}
}

func logLevelVar(name string, dst *slog.Level) func(LookupFunc) error {
	return func(lookup LookupFunc) error {
		return applyLogLevel(lookup, envPrefix+name, dst)
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
