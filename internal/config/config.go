package config

import (
	"reflect"
	"time"

	"flowrelay/pkg/tracing"
)

// Config is one immutable configuration snapshot. A snapshot is never
// mutated after Load; hot reload builds a fresh one and swaps it atomically.
type Config struct {
	Source          SourceConfig         `mapstructure:"source"`
	RecordStore     RecordStoreConfig    `mapstructure:"record_store"`
	Approvals       []ApprovalRule       `mapstructure:"approvals"`
	PersonnelEvents []PersonnelRule      `mapstructure:"personnel_events"`
	Execution       ExecutionConfig      `mapstructure:"execution"`
	Cache           CacheConfig          `mapstructure:"cache"`
	Dedup           DedupConfig          `mapstructure:"dedup"`
	Reload          ReloadConfig         `mapstructure:"reload"`
	Logging         LoggingConfig        `mapstructure:"logging"`
	Ops             OpsConfig            `mapstructure:"ops"`
	CircuitBreaker  CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing         tracing.Config       `mapstructure:"tracing"`
}

type SourceConfig struct {
	Type       string      `mapstructure:"type"` // "stream" or "kafka"
	AppKey     string      `mapstructure:"app_key"`
	AppSecret  string      `mapstructure:"app_secret"`
	GatewayURL string      `mapstructure:"gateway_url"`
	Kafka      KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers  []string    `mapstructure:"brokers"`
	GroupID  string      `mapstructure:"group_id"`
	Topic    string      `mapstructure:"topic"`
	DLQTopic string      `mapstructure:"dlq_topic"`
	Retry    RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type RecordStoreConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	BaseID            string  `mapstructure:"base_id"`
	DefaultSheetID    string  `mapstructure:"default_sheet_id"`
	DefaultOperatorID string  `mapstructure:"default_operator_id"`
	Locale            string  `mapstructure:"locale"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RateLimitRPS      float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst    int     `mapstructure:"rate_limit_burst"`
}

// ApprovalRule binds one workflow template to an ordered action list.
type ApprovalRule struct {
	Name       string         `mapstructure:"name"`
	TemplateID string         `mapstructure:"template_id"`
	Enabled    *bool          `mapstructure:"enabled"`
	Actions    []ActionConfig `mapstructure:"actions"`
}

func (r ApprovalRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// PersonnelRule binds one personnel change-type code to an action list.
// Change types: 1 onboarding, 2 confirmation, 3 transfer, 4 offboarding,
// 8 promotion.
type PersonnelRule struct {
	Name       string         `mapstructure:"name"`
	ChangeType int            `mapstructure:"change_type"`
	Enabled    *bool          `mapstructure:"enabled"`
	Actions    []ActionConfig `mapstructure:"actions"`
}

func (r PersonnelRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

const (
	ActionTypeRecord  = "record"
	ActionTypeWebhook = "webhook"
	ActionTypeCommand = "command"
	ActionTypeScript  = "script"
)

// ActionConfig carries the union of per-variant fields; Type selects the
// variant and the validator rejects nonsense combinations.
type ActionConfig struct {
	Type string `mapstructure:"type"`

	// When is an optional CEL guard over the form-data mapping.
	When string `mapstructure:"when"`

	// record
	BaseID  string        `mapstructure:"base_id"`
	SheetID string        `mapstructure:"sheet_id"`
	FindBy  *FindBy       `mapstructure:"find_by"`
	Updates []FieldUpdate `mapstructure:"updates"`

	// webhook
	URL     string                 `mapstructure:"url"`
	Method  string                 `mapstructure:"method"`
	Headers map[string]string      `mapstructure:"headers"`
	Body    map[string]interface{} `mapstructure:"body"`

	// command / script
	Command string            `mapstructure:"command"`
	Path    string            `mapstructure:"path"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// FindBy locates an existing record: FieldName is the record-store column,
// FormField the form-data key holding the value to match.
type FindBy struct {
	FieldName string `mapstructure:"field_name"`
	FormField string `mapstructure:"form_field"`
}

// FieldUpdate resolves one record field. Precedence: Timestamp, then Value
// (with placeholder substitution), then FormField copy.
type FieldUpdate struct {
	FieldName string `mapstructure:"field_name"`
	FormField string `mapstructure:"form_field"`
	Value     string `mapstructure:"value"`
	Timestamp bool   `mapstructure:"timestamp"`
}

type ExecutionConfig struct {
	TimeoutSeconds       int `mapstructure:"timeout_seconds"`
	RetryTimes           int `mapstructure:"retry_times"`
	RetryIntervalSeconds int `mapstructure:"retry_interval_seconds"`
}

func (e ExecutionConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

func (e ExecutionConfig) RetryInterval() time.Duration {
	return time.Duration(e.RetryIntervalSeconds) * time.Second
}

type CacheConfig struct {
	TokenTTLSeconds int `mapstructure:"token_ttl_seconds"`
	TokenMaxEntries int `mapstructure:"token_max_entries"`
	UserTTLSeconds  int `mapstructure:"user_ttl_seconds"`
	UserMaxEntries  int `mapstructure:"user_max_entries"`
	DeptTTLSeconds  int `mapstructure:"dept_ttl_seconds"`
	DeptMaxEntries  int `mapstructure:"dept_max_entries"`
}

type DedupConfig struct {
	Backend        string      `mapstructure:"backend"` // "memory" or "redis"
	WindowSeconds  int         `mapstructure:"window_seconds"`
	SweepThreshold int         `mapstructure:"sweep_threshold"`
	Redis          RedisConfig `mapstructure:"redis"`
}

func (d DedupConfig) Window() time.Duration {
	return time.Duration(d.WindowSeconds) * time.Second
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ReloadConfig struct {
	PollIntervalSeconds int  `mapstructure:"poll_interval_seconds"`
	ForcePoll           bool `mapstructure:"force_poll"`
}

func (r ReloadConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSeconds) * time.Second
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type OpsConfig struct {
	Port int `mapstructure:"port"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// RulesEqual reports whether two snapshots carry the same approval and
// personnel rule sets by value. A reload whose rule sets are equal swaps the
// snapshot in place; a differing rule set forces an event-source rebuild.
func RulesEqual(a, b *Config) bool {
	if a == nil || b == nil {
		return a == b
	}
	return reflect.DeepEqual(a.Approvals, b.Approvals) &&
		reflect.DeepEqual(a.PersonnelEvents, b.PersonnelEvents)
}
