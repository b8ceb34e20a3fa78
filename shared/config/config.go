package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration
	OIDCIssuer       string
	OIDCAudience     string
	OIDCJWKSURL      string
	JWKSTTLSeconds   int
	JWTClockSkewSec  int
	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	MigrationsDir    string
	KafkaBrokers     []string
	KafkaClientID    string
	KafkaGroupID     string
	KafkaRetryMax    int
	KafkaWriteMS     int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	AsynqEnabled     bool
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string
	InfluxTimeoutMS  int
	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelSampleRatio  float64

	RiskConfigPath         string
	RiskConfigURL          string
	RiskConfigPublicKey    string
	DCCRulesURL            string
	DCCRulesPublicKey      string
	TraceWarningPublicKey  string
	DCCCountry             string
	TrustPinSHA256         string
	TrustPinChainIndex     int
	TrustJWKSPath          string
	PackageTimeoutMS       int
	PackageRetryMax        int
	PackageCacheTTLSeconds int
	ExposureValidityDays   int
	CheckinRiskIntervalSec int
	CheckinRetentionDays   int
}

type kind int

const (
	kindString kind = iota
	kindInt
	kindBool
	kindFloat
	kindCSV
)

// field binds one configuration key to its destination. The same table drives
// the JSON file and the environment so both accept identical keys.
type field struct {
	key  string
	kind kind
	dst  any
	// keepEmpty lets an explicit empty string clear the default.
	keepEmpty bool
}

func fields(cfg *Config) []field {
	return []field{
		{key: "ENV", kind: kindString, dst: &cfg.Env, keepEmpty: true},
		{key: "SERVICE_NAME", kind: kindString, dst: &cfg.ServiceName},
		{key: "HTTP_PORT", kind: kindInt, dst: &cfg.HTTPPort},
		{key: "LOG_LEVEL", kind: kindString, dst: &cfg.LogLevel},
		{key: "REQUEST_TIMEOUT_MS", kind: kindInt, dst: &cfg.RequestTimeoutMS},
		{key: "OIDC_ISSUER", kind: kindString, dst: &cfg.OIDCIssuer, keepEmpty: true},
		{key: "OIDC_AUDIENCE", kind: kindString, dst: &cfg.OIDCAudience, keepEmpty: true},
		{key: "OIDC_JWKS_URL", kind: kindString, dst: &cfg.OIDCJWKSURL, keepEmpty: true},
		{key: "JWKS_CACHE_TTL_SECONDS", kind: kindInt, dst: &cfg.JWKSTTLSeconds},
		{key: "JWT_CLOCK_SKEW_SECONDS", kind: kindInt, dst: &cfg.JWTClockSkewSec},
		{key: "DATABASE_URL", kind: kindString, dst: &cfg.DatabaseURL, keepEmpty: true},
		{key: "DB_MAX_CONNS", kind: kindInt, dst: &cfg.DBMaxConns},
		{key: "DB_MIN_CONNS", kind: kindInt, dst: &cfg.DBMinConns},
		{key: "DB_CONN_MAX_IDLE_SECONDS", kind: kindInt, dst: &cfg.DBConnMaxIdleSec},
		{key: "DB_CONN_MAX_LIFETIME_SECONDS", kind: kindInt, dst: &cfg.DBConnMaxLifeSec},
		{key: "MIGRATIONS_DIR", kind: kindString, dst: &cfg.MigrationsDir, keepEmpty: true},
		{key: "KAFKA_BROKERS", kind: kindCSV, dst: &cfg.KafkaBrokers},
		{key: "KAFKA_CLIENT_ID", kind: kindString, dst: &cfg.KafkaClientID},
		{key: "KAFKA_CONSUMER_GROUP", kind: kindString, dst: &cfg.KafkaGroupID},
		{key: "KAFKA_RETRY_MAX", kind: kindInt, dst: &cfg.KafkaRetryMax},
		{key: "KAFKA_WRITE_TIMEOUT_MS", kind: kindInt, dst: &cfg.KafkaWriteMS},
		{key: "REDIS_ADDR", kind: kindString, dst: &cfg.RedisAddr},
		{key: "REDIS_PASSWORD", kind: kindString, dst: &cfg.RedisPassword},
		{key: "REDIS_DB", kind: kindInt, dst: &cfg.RedisDB},
		{key: "ASYNQ_REDIS_ADDR", kind: kindString, dst: &cfg.AsynqRedisAddr},
		{key: "ASYNQ_REDIS_PASSWORD", kind: kindString, dst: &cfg.AsynqRedisPass},
		{key: "ASYNQ_REDIS_DB", kind: kindInt, dst: &cfg.AsynqRedisDB},
		{key: "ASYNQ_QUEUE", kind: kindString, dst: &cfg.AsynqQueue},
		{key: "ASYNQ_CONCURRENCY", kind: kindInt, dst: &cfg.AsynqConcurrency},
		{key: "ASYNQ_ENABLED", kind: kindBool, dst: &cfg.AsynqEnabled},
		{key: "INFLUX_URL", kind: kindString, dst: &cfg.InfluxURL},
		{key: "INFLUX_TOKEN", kind: kindString, dst: &cfg.InfluxToken},
		{key: "INFLUX_ORG", kind: kindString, dst: &cfg.InfluxOrg},
		{key: "INFLUX_BUCKET", kind: kindString, dst: &cfg.InfluxBucket},
		{key: "INFLUX_TIMEOUT_MS", kind: kindInt, dst: &cfg.InfluxTimeoutMS},
		{key: "OTEL_ENABLED", kind: kindBool, dst: &cfg.OtelEnabled},
		{key: "OTEL_EXPORTER_OTLP_ENDPOINT", kind: kindString, dst: &cfg.OtelEndpoint},
		{key: "OTEL_EXPORTER_OTLP_INSECURE", kind: kindBool, dst: &cfg.OtelInsecure},
		{key: "OTEL_SAMPLE_RATIO", kind: kindFloat, dst: &cfg.OtelSampleRatio},
		{key: "RISK_CONFIG_PATH", kind: kindString, dst: &cfg.RiskConfigPath},
		{key: "RISK_CONFIG_URL", kind: kindString, dst: &cfg.RiskConfigURL},
		{key: "RISK_CONFIG_PUBLIC_KEY", kind: kindString, dst: &cfg.RiskConfigPublicKey},
		{key: "DCC_RULES_URL", kind: kindString, dst: &cfg.DCCRulesURL},
		{key: "DCC_RULES_PUBLIC_KEY", kind: kindString, dst: &cfg.DCCRulesPublicKey},
		{key: "TRACE_WARNING_PUBLIC_KEY", kind: kindString, dst: &cfg.TraceWarningPublicKey},
		{key: "DCC_COUNTRY", kind: kindString, dst: &cfg.DCCCountry},
		{key: "TRUST_PIN_SHA256", kind: kindString, dst: &cfg.TrustPinSHA256},
		{key: "TRUST_PIN_CHAIN_INDEX", kind: kindInt, dst: &cfg.TrustPinChainIndex},
		{key: "TRUST_JWKS_PATH", kind: kindString, dst: &cfg.TrustJWKSPath},
		{key: "PACKAGE_TIMEOUT_MS", kind: kindInt, dst: &cfg.PackageTimeoutMS},
		{key: "PACKAGE_RETRY_MAX", kind: kindInt, dst: &cfg.PackageRetryMax},
		{key: "PACKAGE_CACHE_TTL_SECONDS", kind: kindInt, dst: &cfg.PackageCacheTTLSeconds},
		{key: "EXPOSURE_VALIDITY_DAYS", kind: kindInt, dst: &cfg.ExposureValidityDays},
		{key: "CHECKIN_RISK_INTERVAL_SECONDS", kind: kindInt, dst: &cfg.CheckinRiskIntervalSec},
		{key: "CHECKIN_RETENTION_DAYS", kind: kindInt, dst: &cfg.CheckinRetentionDays},
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                    envRaw,
		ServiceName:            serviceNameDefault,
		HTTPPort:               httpPortDefault,
		LogLevel:               "info",
		ConfigPath:             strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:       30000,
		JWKSTTLSeconds:         300,
		JWTClockSkewSec:        60,
		DBMaxConns:             10,
		DBMinConns:             1,
		DBConnMaxIdleSec:       300,
		DBConnMaxLifeSec:       1800,
		KafkaRetryMax:          5,
		KafkaWriteMS:           5000,
		AsynqQueue:             "default",
		AsynqConcurrency:       10,
		InfluxTimeoutMS:        5000,
		OtelInsecure:           true,
		OtelSampleRatio:        1.0,
		DCCCountry:             "DE",
		TrustPinChainIndex:     1,
		PackageTimeoutMS:       10000,
		PackageRetryMax:        2,
		PackageCacheTTLSeconds: 0,
		ExposureValidityDays:   2,
		CheckinRiskIntervalSec: 3600,
		CheckinRetentionDays:   14,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	check := func(ok bool, field string, message string, reset func()) {
		if !ok {
			*problems = append(*problems, Problem{Field: field, Message: message})
			reset()
		}
	}

	check(cfg.HTTPPort > 0 && cfg.HTTPPort <= 65535, "HTTP_PORT", "HTTP_PORT must be 1-65535", func() { cfg.HTTPPort = httpPortDefault })
	check(cfg.RequestTimeoutMS > 0, "REQUEST_TIMEOUT_MS", "REQUEST_TIMEOUT_MS must be > 0", func() { cfg.RequestTimeoutMS = 30000 })
	check(cfg.JWKSTTLSeconds > 0, "JWKS_CACHE_TTL_SECONDS", "JWKS_CACHE_TTL_SECONDS must be > 0", func() { cfg.JWKSTTLSeconds = 300 })
	check(cfg.JWTClockSkewSec >= 0, "JWT_CLOCK_SKEW_SECONDS", "JWT_CLOCK_SKEW_SECONDS must be >= 0", func() { cfg.JWTClockSkewSec = 60 })
	check(cfg.DBMaxConns > 0, "DB_MAX_CONNS", "DB_MAX_CONNS must be > 0", func() { cfg.DBMaxConns = 10 })
	check(cfg.DBMinConns >= 0, "DB_MIN_CONNS", "DB_MIN_CONNS must be >= 0", func() { cfg.DBMinConns = 1 })
	check(cfg.DBMinConns <= cfg.DBMaxConns, "DB_MIN_CONNS", "DB_MIN_CONNS must be <= DB_MAX_CONNS", func() { cfg.DBMinConns = cfg.DBMaxConns })
	check(cfg.DBConnMaxIdleSec > 0, "DB_CONN_MAX_IDLE_SECONDS", "DB_CONN_MAX_IDLE_SECONDS must be > 0", func() { cfg.DBConnMaxIdleSec = 300 })
	check(cfg.DBConnMaxLifeSec > 0, "DB_CONN_MAX_LIFETIME_SECONDS", "DB_CONN_MAX_LIFETIME_SECONDS must be > 0", func() { cfg.DBConnMaxLifeSec = 1800 })
	check(cfg.KafkaRetryMax >= 0, "KAFKA_RETRY_MAX", "KAFKA_RETRY_MAX must be >= 0", func() { cfg.KafkaRetryMax = 5 })
	check(cfg.KafkaWriteMS > 0, "KAFKA_WRITE_TIMEOUT_MS", "KAFKA_WRITE_TIMEOUT_MS must be > 0", func() { cfg.KafkaWriteMS = 5000 })
	check(cfg.RedisDB >= 0, "REDIS_DB", "REDIS_DB must be >= 0", func() { cfg.RedisDB = 0 })
	check(cfg.AsynqRedisDB >= 0, "ASYNQ_REDIS_DB", "ASYNQ_REDIS_DB must be >= 0", func() { cfg.AsynqRedisDB = 0 })
	check(cfg.AsynqConcurrency > 0, "ASYNQ_CONCURRENCY", "ASYNQ_CONCURRENCY must be > 0", func() { cfg.AsynqConcurrency = 10 })
	check(cfg.InfluxTimeoutMS > 0, "INFLUX_TIMEOUT_MS", "INFLUX_TIMEOUT_MS must be > 0", func() { cfg.InfluxTimeoutMS = 5000 })
	check(cfg.OtelSampleRatio >= 0 && cfg.OtelSampleRatio <= 1, "OTEL_SAMPLE_RATIO", "OTEL_SAMPLE_RATIO must be 0-1", func() { cfg.OtelSampleRatio = 1.0 })
	check(cfg.TrustPinChainIndex >= 0, "TRUST_PIN_CHAIN_INDEX", "TRUST_PIN_CHAIN_INDEX must be >= 0", func() { cfg.TrustPinChainIndex = 1 })
	check(cfg.PackageTimeoutMS > 0, "PACKAGE_TIMEOUT_MS", "PACKAGE_TIMEOUT_MS must be > 0", func() { cfg.PackageTimeoutMS = 10000 })
	check(cfg.PackageRetryMax >= 0, "PACKAGE_RETRY_MAX", "PACKAGE_RETRY_MAX must be >= 0", func() { cfg.PackageRetryMax = 2 })
	check(cfg.PackageCacheTTLSeconds >= 0, "PACKAGE_CACHE_TTL_SECONDS", "PACKAGE_CACHE_TTL_SECONDS must be >= 0", func() { cfg.PackageCacheTTLSeconds = 0 })
	check(cfg.ExposureValidityDays > 0, "EXPOSURE_VALIDITY_DAYS", "EXPOSURE_VALIDITY_DAYS must be > 0", func() { cfg.ExposureValidityDays = 2 })
	check(cfg.CheckinRiskIntervalSec > 0, "CHECKIN_RISK_INTERVAL_SECONDS", "CHECKIN_RISK_INTERVAL_SECONDS must be > 0", func() { cfg.CheckinRiskIntervalSec = 3600 })
	check(cfg.CheckinRetentionDays > 0, "CHECKIN_RETENTION_DAYS", "CHECKIN_RETENTION_DAYS must be > 0", func() { cfg.CheckinRetentionDays = 14 })
	check(len(strings.TrimSpace(cfg.DCCCountry)) == 2, "DCC_COUNTRY", "DCC_COUNTRY must be an ISO 3166 alpha-2 code", func() { cfg.DCCCountry = "DE" })
	cfg.DCCCountry = strings.ToUpper(strings.TrimSpace(cfg.DCCCountry))
}

// ConfigsDir returns the configs directory of the enclosing checkout.
func ConfigsDir() (string, bool) {
	root, ok := findRepoRoot()
	if !ok {
		return "", false
	}
	return filepath.Join(root, "configs"), true
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, f := range fields(cfg) {
		v := strings.TrimSpace(os.Getenv(f.key))
		if v == "" && f.key == "HTTP_PORT" {
			v = strings.TrimSpace(os.Getenv("PORT"))
		}
		if v == "" {
			continue
		}
		setField(f, v, problems)
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	byKey := map[string]field{}
	for _, f := range fields(cfg) {
		byKey[f.key] = f
	}
	for k, v := range raw {
		f, ok := byKey[strings.ToUpper(strings.TrimSpace(k))]
		if !ok {
			continue
		}
		setField(f, v, problems)
	}
}

func setField(f field, v any, problems *[]Problem) {
	switch f.kind {
	case kindString:
		s, ok := v.(string)
		if !ok {
			return
		}
		s = strings.TrimSpace(s)
		if s == "" && !f.keepEmpty {
			return
		}
		*f.dst.(*string) = s
	case kindInt:
		i, ok := asInt(v)
		if !ok {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be an integer"})
			return
		}
		*f.dst.(*int) = i
	case kindBool:
		b, ok := asAnyBool(v)
		if !ok {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be a boolean"})
			return
		}
		*f.dst.(*bool) = b
	case kindFloat:
		x, ok := asFloat(v)
		if !ok {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be a number"})
			return
		}
		*f.dst.(*float64) = x
	case kindCSV:
		switch t := v.(type) {
		case string:
			*f.dst.(*[]string) = parseCSV(t)
		case []any:
			*f.dst.(*[]string) = parseAnyCSV(t)
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asAnyBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		return asBool(t)
	default:
		return false, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
