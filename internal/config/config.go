package config

import (
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

// Backends.
const (
	BackendAWS   = "aws"
	BackendLocal = "local"
)

// Config holds all application configuration.
type Config struct {
	// Lease
	MaxLeaseHours    int    `koanf:"access_max_lease_hours"`
	BastionParameter string `koanf:"bastion_ssm_parameter"`

	// Firewall layers
	SecurityGroupID string `koanf:"access_sg_id"`
	NetworkACLID    string `koanf:"access_acl_id"`

	// Scheduler
	SchedulerRoleARN     string `koanf:"scheduler_role_arn"`
	SchedulerTargetARN   string `koanf:"scheduler_target_arn"`
	SchedulerGroupName   string `koanf:"scheduler_group_name"`
	ScheduleNameTemplate string `koanf:"schedule_name_template"`
	ScheduleDescription  string `koanf:"schedule_description"`

	// Polling
	PowerPollInterval time.Duration `koanf:"power_poll_interval"`
	PowerTimeout      time.Duration `koanf:"power_timeout"`
	AgentPollInterval time.Duration `koanf:"agent_poll_interval"`
	AgentPollAttempts int           `koanf:"agent_poll_attempts"`

	// Worker Pool
	PoolWorkers int `koanf:"pool_workers"`

	// Backend
	Backend         string        `koanf:"backend"`
	DataDir         string        `koanf:"data_dir"`
	LocalInstanceID string        `koanf:"local_instance_id"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
	ShutdownCron    string        `koanf:"shutdown_cron"`

	// Operational
	LogLevel              string `koanf:"log_level"`
	LogFormat             string `koanf:"log_format"`
	MetricsPushgatewayURL string `koanf:"metrics_pushgateway_url"`
	MetricsAddr           string `koanf:"metrics_addr"`
	HealthAddr            string `koanf:"health_addr"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields. This normalises values from Docker --env-file and Lambda consoles
// that do not strip shell quoting.
func (c *Config) sanitise() {
	for _, p := range []*string{
		&c.BastionParameter,
		&c.SecurityGroupID,
		&c.NetworkACLID,
		&c.SchedulerRoleARN,
		&c.SchedulerTargetARN,
		&c.SchedulerGroupName,
		&c.ScheduleNameTemplate,
		&c.ScheduleDescription,
		&c.Backend,
		&c.DataDir,
		&c.LocalInstanceID,
		&c.ShutdownCron,
		&c.LogLevel,
		&c.LogFormat,
		&c.MetricsPushgatewayURL,
		&c.MetricsAddr,
		&c.HealthAddr,
	} {
		*p = stripEnvQuotes(*p)
	}
	c.Backend = strings.ToLower(c.Backend)
	c.LogFormat = strings.ToLower(c.LogFormat)
	c.LogLevel = normaliseLevel(c.LogLevel)
}

// normaliseLevel accepts level names in any case; "warning" is an alias for
// "warn".
func normaliseLevel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return "warn"
	}
	return s
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"access_max_lease_hours": 8,
		"scheduler_group_name":   "default",
		"schedule_name_template": "remove-access-{{.Address}}-{{.Service}}",
		"schedule_description":   "Schedule to remove Bastion access after timeout",
		"power_poll_interval":    "15s",
		"power_timeout":          "10m",
		"agent_poll_interval":    "5s",
		"agent_poll_attempts":    10,
		"pool_workers":           1,
		"backend":                BackendAWS,
		"data_dir":               "/data",
		"local_instance_id":      "i-local",
		"janitor_interval":       "30s",
		"log_level":              "info",
		"log_format":             "json",
		"metrics_addr":           ":9090",
		"health_addr":            ":8081",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." keeps env names flat: ACCESS_SG_ID → "access_sg_id".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.BastionParameter == "" {
		return fmt.Errorf("BASTION_SSM_PARAMETER is required")
	}
	if c.SecurityGroupID == "" {
		return fmt.Errorf("ACCESS_SG_ID is required")
	}

	switch c.Backend {
	case BackendAWS:
		if c.SchedulerRoleARN == "" {
			return fmt.Errorf("SCHEDULER_ROLE_ARN is required with BACKEND=aws")
		}
	case BackendLocal:
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required with BACKEND=local")
		}
		if c.JanitorInterval <= 0 {
			return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
		}
	default:
		return fmt.Errorf("BACKEND must be aws or local; got %q", c.Backend)
	}

	if c.MaxLeaseHours < 1 {
		return fmt.Errorf("ACCESS_MAX_LEASE_HOURS must be >= 1; got %d", c.MaxLeaseHours)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 16 {
		return fmt.Errorf("POOL_WORKERS must be 1–16; got %d", c.PoolWorkers)
	}

	if c.PowerPollInterval <= 0 {
		return fmt.Errorf("POWER_POLL_INTERVAL must be > 0; got %s", c.PowerPollInterval)
	}
	if c.PowerTimeout < c.PowerPollInterval {
		return fmt.Errorf("POWER_TIMEOUT must be >= POWER_POLL_INTERVAL; got %s", c.PowerTimeout)
	}
	if c.AgentPollInterval <= 0 {
		return fmt.Errorf("AGENT_POLL_INTERVAL must be > 0; got %s", c.AgentPollInterval)
	}
	if c.AgentPollAttempts < 1 {
		return fmt.Errorf("AGENT_POLL_ATTEMPTS must be >= 1; got %d", c.AgentPollAttempts)
	}

	if _, err := template.New("").Parse(c.ScheduleNameTemplate); err != nil {
		return fmt.Errorf("SCHEDULE_NAME_TEMPLATE is invalid Go template: %w", err)
	}

	if c.ShutdownCron != "" {
		if _, err := cron.ParseStandard(c.ShutdownCron); err != nil {
			return fmt.Errorf("SHUTDOWN_CRON: %w", err)
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.MetricsPushgatewayURL != "" &&
		!strings.HasPrefix(c.MetricsPushgatewayURL, "http://") && !strings.HasPrefix(c.MetricsPushgatewayURL, "https://") {
		return fmt.Errorf("METRICS_PUSHGATEWAY_URL must start with http:// or https://; got %q", c.MetricsPushgatewayURL)
	}

	return nil
}

// fileSecretKeys may be supplied as KEY_FILE pointing at a mounted secret.
var fileSecretKeys = []string{
	"scheduler_role_arn",
	"scheduler_target_arn",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
