package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agentbill/agentbill-go/internal/config"
	"github.com/agentbill/agentbill-go/internal/ledger"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

func openLedgerStore(cfg config.LedgerConfig) (ledger.Store, error) {
	switch strings.TrimSpace(cfg.Driver) {
	case config.LedgerDriverSQLite:
		return ledger.NewSQLiteStore(cfg.Path)
	case config.LedgerDriverPostgres:
		return ledger.NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("ledger is disabled (ledger.driver=%q); set it to sqlite or postgres", cfg.Driver)
	}
}

func closeLedgerStoreWithWarning(store ledger.Store, errOut io.Writer) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close ledger store: %v\n", err)
	}
}

// parseFlagTime accepts RFC3339 or a bare date. Bare dates used as an upper
// bound cover the whole day.
func parseFlagTime(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	if parsed, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
		if endOfDay {
			return parsed.Add(24*time.Hour - time.Nanosecond), nil
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func timePtrOr(value *time.Time, fallback string) string {
	if value == nil || value.IsZero() {
		return fallback
	}
	return value.UTC().Format(time.RFC3339)
}
