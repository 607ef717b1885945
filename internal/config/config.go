package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config holds exporter configuration loaded from the environment and flags.
type Config struct {
	BrokerURL            string         `validate:"required,url"`
	Addr                 string         `validate:"required,hostname_port"`
	TransportOptions     map[string]any `validate:"-"`
	EnableEvents         bool
	Timezone             string
	Location             *time.Location `validate:"-"`
	Verbose              bool
	MaxTasksInMemory     int           `validate:"gt=0"`
	QueueInterval        time.Duration `validate:"gt=0"`
	WorkerInterval       time.Duration `validate:"gt=0"`
	PingTimeout          time.Duration `validate:"gt=0"`
	InspectTimeout       time.Duration `validate:"gt=0"`
	EnableEventsInterval time.Duration `validate:"gt=0"`
	ReconnectBackoff     time.Duration `validate:"gt=0"`
	LogFormat            string        `validate:"oneof=json console text"`
	MetricsNamespace     string        `validate:"required"`
	TracingEnabled       bool
	OTLPEndpoint         string `validate:"required_if=TracingEnabled true"`
	ShowVersion          bool
}

// envKeys maps environment variables onto the flag they back.
var envKeys = map[string]string{
	"BROKER_URL":                  "broker",
	"DEFAULT_ADDR":                "addr",
	"TRANSPORT_OPTIONS":           "transport-options",
	"ENABLE_EVENTS":               "enable-events",
	"TZ_NAME":                     "tz",
	"VERBOSE":                     "verbose",
	"DEFAULT_MAX_TASKS_IN_MEMORY": "max_tasks_in_memory",
	"QUEUE_INTERVAL_SECONDS":      "queue-interval",
	"WORKER_INTERVAL":             "worker-interval",
	"WORKER_PING_TIMEOUT":         "ping-timeout",
	"INSPECT_TIMEOUT":             "inspect-timeout",
	"ENABLE_EVENTS_INTERVAL":      "enable-events-interval",
	"RECONNECT_BACKOFF":           "reconnect-backoff",
	"OBS_LOG_FORMAT":              "log-format",
	"OBS_METRICS_NAMESPACE":       "metrics-namespace",
	"OBS_ENABLE_TRACING":          "tracing",
	"OBS_OTLP_ENDPOINT":           "otlp-endpoint",
}

// NewFlagSet declares the command line flags.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("broker", "redis://redis:6379/0", "URL to the Celery broker")
	fs.String("transport-options", "", "JSON object with additional options passed to the underlying transport")
	fs.String("addr", "0.0.0.0:8888", "address the HTTP server listens on")
	fs.Bool("enable-events", false, "periodically enable Celery events")
	fs.String("tz", "", "timezone used for log timestamps")
	fs.Bool("verbose", false, "enable verbose logging")
	fs.Int("max_tasks_in_memory", 10000, "tasks cache size")
	fs.String("queue-interval", "5s", "broker queue poll interval (duration or seconds)")
	fs.String("worker-interval", "5s", "worker ping interval")
	fs.String("ping-timeout", "5s", "worker ping timeout")
	fs.String("inspect-timeout", "1s", "registered tasks query timeout")
	fs.String("log-format", "json", "log format: json or console")
	fs.Bool("version", false, "print the version and exit")
	return fs
}

// Load reads configuration from an optional .env file, the environment and
// args, in increasing order of precedence.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	fs := NewFlagSet("celery-exporter")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return envKeys[s] }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}

	var parseErrs []error
	interval := func(key, fallback string) time.Duration {
		d, err := parseInterval(k.String(key), fallback)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	maxTasks, err := parseInt(k.String("max_tasks_in_memory"), 10000)
	if err != nil {
		parseErrs = append(parseErrs, fmt.Errorf("max_tasks_in_memory: %w", err))
	}

	cfg := &Config{
		BrokerURL:            strings.TrimSpace(k.String("broker")),
		Addr:                 strings.TrimSpace(k.String("addr")),
		EnableEvents:         parseBool(k.String("enable-events")),
		Timezone:             strings.TrimSpace(k.String("tz")),
		Verbose:              parseBool(k.String("verbose")),
		MaxTasksInMemory:     maxTasks,
		QueueInterval:        interval("queue-interval", "5s"),
		WorkerInterval:       interval("worker-interval", "5s"),
		PingTimeout:          interval("ping-timeout", "5s"),
		InspectTimeout:       interval("inspect-timeout", "1s"),
		EnableEventsInterval: interval("enable-events-interval", "5s"),
		ReconnectBackoff:     interval("reconnect-backoff", "5s"),
		LogFormat:            strings.ToLower(valueOrDefault(k.String("log-format"), "json")),
		MetricsNamespace:     valueOrDefault(k.String("metrics-namespace"), "celery"),
		TracingEnabled:       parseBool(k.String("tracing")),
		OTLPEndpoint:         strings.TrimSpace(k.String("otlp-endpoint")),
		ShowVersion:          parseBool(k.String("version")),
	}
	if cfg.ShowVersion {
		return cfg, nil
	}
	if err := errors.Join(parseErrs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	opts, err := parseTransportOptions(k.String("transport-options"))
	if err != nil {
		return nil, err
	}
	cfg.TransportOptions = opts

	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, describe(err)
	}
	return cfg, nil
}

func parseTransportOptions(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var opts map[string]any
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, fmt.Errorf("error parsing broker transport options from JSON %q: %w", raw, err)
	}
	if opts == nil {
		opts = map[string]any{}
	}
	return opts, nil
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

// parseInterval accepts a Go duration or a bare number of seconds. An empty
// value yields fallback.
func parseInterval(value, fallback string) (time.Duration, error) {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	if secs, err := strconv.ParseFloat(base, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", value)
	}
	return d, nil
}

func parseInt(value string, fallback int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", value)
	}
	return n, nil
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(args []string, env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load(args)
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
