package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

var envPlaceholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, env-substitutes, parses, defaults, and validates the file at
// path, returning a ready snapshot. Any failure leaves the caller's current
// snapshot untouched.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded, missing := expandEnv(raw)

	v := viper.New()
	v.SetConfigType(configType(path))
	if err := v.ReadConfig(bytes.NewReader(expanded)); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unresolved environment variables in config: %s",
			strings.Join(missing, ", "))
	}

	return cfg, nil
}

// expandEnv replaces ${NAME} occurrences with the value of the NAME
// environment variable before the file is parsed, so secrets stay out of the
// file on disk. Names with no value set are collected and reported.
func expandEnv(raw []byte) ([]byte, []string) {
	var missing []string
	seen := make(map[string]bool)

	out := envPlaceholderPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := string(envPlaceholderPattern.FindSubmatch(match)[1])
		value, ok := os.LookupEnv(name)
		if !ok {
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
			return match
		}
		return []byte(value)
	})

	return out, missing
}

func configType(path string) string {
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		switch strings.ToLower(path[idx+1:]) {
		case "json":
			return "json"
		case "toml":
			return "toml"
		}
	}
	return "yaml"
}

func applyDefaults(cfg *Config) {
	if cfg.Source.Type == "" {
		cfg.Source.Type = "stream"
	}
	if cfg.Source.Kafka.GroupID == "" {
		cfg.Source.Kafka.GroupID = "flowrelay"
	}
	if cfg.Source.Kafka.Retry.MaxAttempts == 0 {
		cfg.Source.Kafka.Retry.MaxAttempts = 3
	}

	if cfg.RecordStore.TimeoutSeconds == 0 {
		cfg.RecordStore.TimeoutSeconds = 30
	}
	if cfg.RecordStore.RateLimitRPS == 0 {
		cfg.RecordStore.RateLimitRPS = 10
	}
	if cfg.RecordStore.RateLimitBurst == 0 {
		cfg.RecordStore.RateLimitBurst = 20
	}
	if cfg.RecordStore.Locale == "" {
		cfg.RecordStore.Locale = "zh_CN"
	}

	if cfg.Execution.TimeoutSeconds == 0 {
		cfg.Execution.TimeoutSeconds = 300
	}
	if cfg.Execution.RetryTimes == 0 {
		cfg.Execution.RetryTimes = 2
	}
	if cfg.Execution.RetryIntervalSeconds == 0 {
		cfg.Execution.RetryIntervalSeconds = 5
	}

	if cfg.Cache.TokenTTLSeconds == 0 {
		cfg.Cache.TokenTTLSeconds = 6600
	}
	if cfg.Cache.TokenMaxEntries == 0 {
		cfg.Cache.TokenMaxEntries = 2
	}
	if cfg.Cache.UserTTLSeconds == 0 {
		cfg.Cache.UserTTLSeconds = 3600
	}
	if cfg.Cache.UserMaxEntries == 0 {
		cfg.Cache.UserMaxEntries = 1000
	}
	if cfg.Cache.DeptTTLSeconds == 0 {
		cfg.Cache.DeptTTLSeconds = 3600
	}
	if cfg.Cache.DeptMaxEntries == 0 {
		cfg.Cache.DeptMaxEntries = 500
	}

	if cfg.Dedup.Backend == "" {
		cfg.Dedup.Backend = "memory"
	}
	if cfg.Dedup.WindowSeconds == 0 {
		cfg.Dedup.WindowSeconds = 300
	}
	if cfg.Dedup.SweepThreshold == 0 {
		cfg.Dedup.SweepThreshold = 1000
	}
	if cfg.Dedup.Redis.Port == 0 {
		cfg.Dedup.Redis.Port = 6379
	}

	if cfg.Reload.PollIntervalSeconds == 0 {
		cfg.Reload.PollIntervalSeconds = 2
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Ops.Port == 0 {
		cfg.Ops.Port = 8080
	}

	for i := range cfg.Approvals {
		for j := range cfg.Approvals[i].Actions {
			applyActionDefaults(&cfg.Approvals[i].Actions[j], cfg)
		}
	}
	for i := range cfg.PersonnelEvents {
		for j := range cfg.PersonnelEvents[i].Actions {
			applyActionDefaults(&cfg.PersonnelEvents[i].Actions[j], cfg)
		}
	}
}

func applyActionDefaults(a *ActionConfig, cfg *Config) {
	if a.Type == "" {
		a.Type = ActionTypeRecord
	}
	if a.Type == ActionTypeRecord {
		if a.BaseID == "" {
			a.BaseID = cfg.RecordStore.BaseID
		}
		if a.SheetID == "" {
			a.SheetID = cfg.RecordStore.DefaultSheetID
		}
	}
	if a.Type == ActionTypeWebhook && a.Method == "" {
		a.Method = "POST"
	}
}
