package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	APIKey     string          `yaml:"api_key"`
	CustomerID string          `yaml:"customer_id"`
	BaseURL    string          `yaml:"base_url"`
	Debug      bool            `yaml:"debug"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Ledger     LedgerConfig    `yaml:"ledger"`
	Providers  ProvidersConfig `yaml:"providers"`
}

type TelemetryConfig struct {
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
	BatchTimeoutMS         int     `yaml:"batch_timeout_ms"`
}

// Enabled reports whether anything is exported to the backend.
func (c TelemetryConfig) Enabled() bool {
	return c.TracesEnabled || c.MetricsEnabled
}

type LedgerConfig struct {
	Driver          string `yaml:"driver"`
	Path            string `yaml:"path"`
	DSN             string `yaml:"dsn"`
	QueueSize       int    `yaml:"queue_size"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMS int    `yaml:"flush_interval_ms"`
}

// Enabled reports whether closed provider spans are persisted locally.
func (c LedgerConfig) Enabled() bool {
	driver := strings.TrimSpace(c.Driver)
	return driver != "" && driver != LedgerDriverNone
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig narrows a provider's interception table. Disabled paths
// are forwarded to the provider without a span.
type ProviderConfig struct {
	DisabledPaths []string `yaml:"disabled_paths"`
}

const (
	LedgerDriverNone     = "none"
	LedgerDriverSQLite   = "sqlite"
	LedgerDriverPostgres = "postgres"
)

const (
	DefaultBaseURL = "https://api.agentbill.io"

	defaultServiceName            = "agentbill-go"
	defaultSamplingRatio          = 1.0
	defaultExportTimeoutMS        = 3000
	defaultMetricExportIntervalMS = 10000
	defaultBatchTimeoutMS         = 5000
	defaultLedgerPath             = "./data/agentbill.db"
	defaultLedgerQueueSize        = 1024
	defaultLedgerBatchSize        = 64
	defaultLedgerFlushIntervalMS  = 1000
)

func Default() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Telemetry: TelemetryConfig{
			ServiceName:            defaultServiceName,
			TracesEnabled:          true,
			MetricsEnabled:         false,
			SamplingRatio:          defaultSamplingRatio,
			ExportTimeoutMS:        defaultExportTimeoutMS,
			MetricExportIntervalMS: defaultMetricExportIntervalMS,
			BatchTimeoutMS:         defaultBatchTimeoutMS,
		},
		Ledger: LedgerConfig{
			Driver:          LedgerDriverNone,
			Path:            defaultLedgerPath,
			QueueSize:       defaultLedgerQueueSize,
			BatchSize:       defaultLedgerBatchSize,
			FlushIntervalMS: defaultLedgerFlushIntervalMS,
		},
	}
}

// Load reads path (when set and present) over Default and then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := decodeYAML(path, data, &cfg); err != nil {
				return Config{}, err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func decodeYAML(path string, data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	decodeErr := decoder.Decode(cfg)
	if errors.Is(decodeErr, io.EOF) {
		decodeErr = nil
	}
	if decodeErr != nil {
		return fmt.Errorf("parse yaml %q: %w", path, decodeErr)
	}

	var trailing any
	trailingErr := decoder.Decode(&trailing)
	if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
		return fmt.Errorf("parse yaml %q: %w", path, trailingErr)
	}
	if trailing != nil {
		return fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
	}
	return nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if _, err := ParseBaseURL(cfg.BaseURL); err != nil {
		return err
	}
	if cfg.Telemetry.Enabled() && strings.TrimSpace(cfg.APIKey) == "" {
		return errors.New("api_key is required when telemetry export is enabled")
	}
	if err := validateTelemetry(cfg.Telemetry); err != nil {
		return err
	}
	if err := validateLedger(cfg.Ledger); err != nil {
		return err
	}
	if err := validateDisabledPaths("providers.openai", cfg.Providers.OpenAI); err != nil {
		return err
	}
	if err := validateDisabledPaths("providers.anthropic", cfg.Providers.Anthropic); err != nil {
		return err
	}
	return nil
}

// ParseBaseURL validates raw as an absolute http(s) URL and returns it with
// any trailing slash removed.
func ParseBaseURL(raw string) (*url.URL, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, errors.New("base_url must not be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("base_url scheme must be http or https (got %q)", parsed.Scheme)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return nil, fmt.Errorf("base_url must include host (got %q)", raw)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return parsed, nil
}

func validateTelemetry(cfg TelemetryConfig) error {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("telemetry.service_name must not be empty")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("telemetry.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("telemetry.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	if cfg.BatchTimeoutMS <= 0 {
		return fmt.Errorf("telemetry.batch_timeout_ms must be > 0 (got %d)", cfg.BatchTimeoutMS)
	}
	return nil
}

func validateLedger(cfg LedgerConfig) error {
	switch strings.TrimSpace(cfg.Driver) {
	case "", LedgerDriverNone:
		return nil
	case LedgerDriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return errors.New("ledger.path is required when ledger.driver=sqlite")
		}
	case LedgerDriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return errors.New("ledger.dsn is required when ledger.driver=postgres")
		}
	default:
		return fmt.Errorf("ledger.driver must be one of none, sqlite, postgres (got %q)", cfg.Driver)
	}
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("ledger.queue_size must be > 0 (got %d)", cfg.QueueSize)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("ledger.batch_size must be > 0 (got %d)", cfg.BatchSize)
	}
	if cfg.FlushIntervalMS <= 0 {
		return fmt.Errorf("ledger.flush_interval_ms must be > 0 (got %d)", cfg.FlushIntervalMS)
	}
	return nil
}

func validateDisabledPaths(name string, provider ProviderConfig) error {
	for idx, path := range provider.DisabledPaths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			return fmt.Errorf("%s.disabled_paths[%d] must not be empty", name, idx)
		}
		if strings.HasPrefix(trimmed, ".") || strings.HasSuffix(trimmed, ".") {
			return fmt.Errorf("%s.disabled_paths[%d] must be a dotted method path (got %q)", name, idx, path)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if apiKey := os.Getenv("AGENTBILL_API_KEY"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	if customerID := os.Getenv("AGENTBILL_CUSTOMER_ID"); customerID != "" {
		cfg.CustomerID = customerID
	}
	if baseURL := strings.TrimSpace(os.Getenv("AGENTBILL_BASE_URL")); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if debug := strings.TrimSpace(os.Getenv("AGENTBILL_DEBUG")); debug != "" {
		v, err := strconv.ParseBool(debug)
		if err != nil {
			return fmt.Errorf("invalid AGENTBILL_DEBUG: %w", err)
		}
		cfg.Debug = v
	}

	if driver := strings.TrimSpace(os.Getenv("AGENTBILL_LEDGER_DRIVER")); driver != "" {
		cfg.Ledger.Driver = driver
	}
	if path := os.Getenv("AGENTBILL_LEDGER_PATH"); path != "" {
		cfg.Ledger.Path = path
	}
	if dsn := os.Getenv("AGENTBILL_LEDGER_DSN"); dsn != "" {
		cfg.Ledger.DSN = dsn
	}

	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		if v {
			cfg.Telemetry.TracesEnabled = false
			cfg.Telemetry.MetricsEnabled = false
		}
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Telemetry.ServiceName = serviceName
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Telemetry.TracesEnabled = enabled
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Telemetry.MetricsEnabled = enabled
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Telemetry.SamplingRatio = v
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Telemetry.ExportTimeoutMS = v
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Telemetry.MetricExportIntervalMS = v
	}
	if batchTimeout := strings.TrimSpace(os.Getenv("OTEL_BSP_SCHEDULE_DELAY")); batchTimeout != "" {
		v, err := strconv.Atoi(batchTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_BSP_SCHEDULE_DELAY: %w", err)
		}
		cfg.Telemetry.BatchTimeoutMS = v
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
