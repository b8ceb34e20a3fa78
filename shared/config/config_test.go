package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestLoadDomainKeysFromEnv(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("DCC_COUNTRY", "at")
	t.Setenv("TRUST_PIN_CHAIN_INDEX", "2")
	t.Setenv("PACKAGE_RETRY_MAX", "4")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, problems := Load("core", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %+v", problems)
	}
	if cfg.DCCCountry != "AT" || cfg.TrustPinChainIndex != 2 || cfg.PackageRetryMax != 4 {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("expected 2 brokers, got %v", cfg.KafkaBrokers)
	}
	if cfg.ExposureValidityDays != 2 || cfg.CheckinRiskIntervalSec != 3600 {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
}

func TestLoadReportsInvalidValues(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("TRUST_PIN_CHAIN_INDEX", "-1")
	t.Setenv("EXPOSURE_VALIDITY_DAYS", "soon")

	cfg, problems := Load("core", 8080)
	fields := map[string]bool{}
	for _, p := range problems {
		fields[p.Field] = true
	}
	if !fields["TRUST_PIN_CHAIN_INDEX"] || !fields["EXPOSURE_VALIDITY_DAYS"] {
		t.Fatalf("expected problems for both keys, got %+v", problems)
	}
	if cfg.TrustPinChainIndex != 1 || cfg.ExposureValidityDays != 2 {
		t.Fatalf("expected defaults after invalid values, got %+v", cfg)
	}
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.json")
	body := `{"ENV":"staging","DCC_RULES_URL":"https://rules.example","PACKAGE_TIMEOUT_MS":2500,"OTEL_ENABLED":true,"KAFKA_BROKERS":["a:1","b:2"]}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("PACKAGE_TIMEOUT_MS", "3000")

	cfg, problems := Load("core", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %+v", problems)
	}
	if cfg.Env != "staging" || cfg.DCCRulesURL != "https://rules.example" || !cfg.OtelEnabled {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.PackageTimeoutMS != 3000 {
		t.Fatalf("env should override file, got %d", cfg.PackageTimeoutMS)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("expected brokers from file, got %v", cfg.KafkaBrokers)
	}
}
