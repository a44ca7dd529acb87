// Package config loads the bridge configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/hospigen/fhir-bridge/internal/domain/routing"
	"github.com/hospigen/fhir-bridge/internal/platform/broker"
)

const (
	FHIRAuthGoogle = "google"
	FHIRAuthNone   = "none"
)

// topicKeys binds each category to the environment key holding its topic.
var topicKeys = map[routing.Category]string{
	routing.CategoryResultsPrelim:       "RESULTS_PRELIM_TOPIC",
	routing.CategoryResultsFinal:        "RESULTS_FINAL_TOPIC",
	routing.CategoryOrdersCreated:       "ORDERS_CREATED_TOPIC",
	routing.CategoryMedsOrdered:         "MEDS_ORDERED_TOPIC",
	routing.CategoryMedsAdministered:    "MEDS_ADMINISTERED_TOPIC",
	routing.CategoryProceduresPerformed: "PROCEDURES_PERFORMED_TOPIC",
	routing.CategoryNotesCreated:        "NOTES_CREATED_TOPIC",
	routing.CategorySchedulingCreated:   "SCHEDULING_CREATED_TOPIC",
	routing.CategoryEDTriage:            "ED_TRIAGE_TOPIC",
	routing.CategoryADTAdmit:            "ADT_ADMIT_TOPIC",
	routing.CategoryADTTransfer:         "ADT_TRANSFER_TOPIC",
	routing.CategoryADTDischarge:        "ADT_DISCHARGE_TOPIC",
	routing.CategoryRemoteMonitoring:    "REMOTE_MONITORING_TOPIC",
}

// TopicKey returns the environment key for c.
func TopicKey(c routing.Category) string { return topicKeys[c] }

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	ProjectID     string `mapstructure:"PROJECT_ID"`
	LogicID       string `mapstructure:"LOGIC_ID"`
	SourceSystem  string `mapstructure:"SOURCE_SYSTEM"`
	PublishOrigin string `mapstructure:"PUBLISH_ORIGIN"`

	FHIRBaseURL  string        `mapstructure:"FHIR_BASE_URL"`
	FHIRAuth     string        `mapstructure:"FHIR_AUTH"`
	FetchTimeout time.Duration `mapstructure:"FETCH_TIMEOUT"`

	Broker           string        `mapstructure:"BROKER"`
	PublishTimeout   time.Duration `mapstructure:"PUBLISH_TIMEOUT"`
	BrokerWait       time.Duration `mapstructure:"BROKER_WAIT"`
	KafkaBrokers     string        `mapstructure:"KAFKA_BROKERS"`
	RabbitMQURL      string        `mapstructure:"RABBITMQ_URL"`
	RabbitMQExchange string        `mapstructure:"RABBITMQ_EXCHANGE"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`

	PushAuthAudience string  `mapstructure:"PUSH_AUTH_AUDIENCE"`
	PushAuthIssuer   string  `mapstructure:"PUSH_AUTH_ISSUER"`
	PushAuthJWKSURL  string  `mapstructure:"PUSH_AUTH_JWKS_URL"`
	PushAuthEmail    string  `mapstructure:"PUSH_AUTH_EMAIL"`
	PushRateLimit    float64 `mapstructure:"PUSH_RATE_LIMIT"`
	PushRateBurst    int     `mapstructure:"PUSH_RATE_BURST"`

	RedisURL        string        `mapstructure:"REDIS_URL"`
	MetricsInterval time.Duration `mapstructure:"METRICS_INTERVAL"`
	InstanceID      string        `mapstructure:"INSTANCE_ID"`

	// Topics is filled from the *_TOPIC keys.
	Topics routing.Topics `mapstructure:"-"`
}

// Load reads the configuration. It does not validate; call Validate before
// serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	// An explicitly empty variable overrides the default so an unbound topic
	// is caught by Validate.
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("LOGIC_ID", "bridge.router.v1")
	v.SetDefault("SOURCE_SYSTEM", "gcp.fhir.changes")
	v.SetDefault("PUBLISH_ORIGIN", "bridge")
	v.SetDefault("FHIR_BASE_URL", "https://healthcare.googleapis.com/v1")
	v.SetDefault("FHIR_AUTH", FHIRAuthGoogle)
	v.SetDefault("FETCH_TIMEOUT", "10s")
	v.SetDefault("BROKER", string(broker.KindPubSub))
	v.SetDefault("PUBLISH_TIMEOUT", "10s")
	v.SetDefault("BROKER_WAIT", "30s")
	v.SetDefault("RABBITMQ_EXCHANGE", "fhir.events")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("PUSH_AUTH_ISSUER", "https://accounts.google.com")
	v.SetDefault("PUSH_AUTH_JWKS_URL", "https://www.googleapis.com/oauth2/v3/certs")
	v.SetDefault("PUSH_RATE_LIMIT", 0)
	v.SetDefault("PUSH_RATE_BURST", 50)
	v.SetDefault("METRICS_INTERVAL", "30s")

	defaults := routing.DefaultTopics()
	for c, key := range topicKeys {
		v.SetDefault(key, defaults[c])
		_ = v.BindEnv(key)
	}

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "REQUEST_TIMEOUT", "BODY_LIMIT",
		"LOGIC_ID", "SOURCE_SYSTEM", "PUBLISH_ORIGIN",
		"FHIR_BASE_URL", "FHIR_AUTH", "FETCH_TIMEOUT",
		"BROKER", "PUBLISH_TIMEOUT", "BROKER_WAIT", "KAFKA_BROKERS", "RABBITMQ_URL", "RABBITMQ_EXCHANGE",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"PUSH_AUTH_AUDIENCE", "PUSH_AUTH_ISSUER", "PUSH_AUTH_JWKS_URL", "PUSH_AUTH_EMAIL",
		"PUSH_RATE_LIMIT", "PUSH_RATE_BURST",
		"REDIS_URL", "METRICS_INTERVAL", "INSTANCE_ID",
	} {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("PROJECT_ID", "PROJECT_ID", "GOOGLE_CLOUD_PROJECT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Topics = make(routing.Topics, len(topicKeys))
	for c, key := range topicKeys {
		cfg.Topics[c] = strings.TrimSpace(v.GetString(key))
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// KafkaBrokerList splits KAFKA_BROKERS on commas.
func (c *Config) KafkaBrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// PushAuthEnabled reports whether push tokens are verified.
func (c *Config) PushAuthEnabled() bool {
	return c.PushAuthAudience != ""
}

// Validate checks that the configuration can serve traffic. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Topics.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w (set %s)", err, c.missingTopicKeys()))
	}

	kind, err := broker.ParseKind(c.Broker)
	if err != nil {
		errs = append(errs, fmt.Errorf("BROKER: %w", err))
	}
	switch kind {
	case broker.KindKafka:
		if len(c.KafkaBrokerList()) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when BROKER is kafka"))
		}
	case broker.KindRabbitMQ:
		if c.RabbitMQURL == "" {
			errs = append(errs, errors.New("RABBITMQ_URL is required when BROKER is rabbitmq"))
		}
	case broker.KindOutbox:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when BROKER is outbox"))
		}
	}

	if c.FHIRAuth != FHIRAuthGoogle && c.FHIRAuth != FHIRAuthNone {
		errs = append(errs, fmt.Errorf("FHIR_AUTH must be %q or %q, got %q", FHIRAuthGoogle, FHIRAuthNone, c.FHIRAuth))
	}
	if strings.TrimSpace(c.FHIRBaseURL) == "" {
		errs = append(errs, errors.New("FHIR_BASE_URL is required"))
	}

	for name, d := range map[string]time.Duration{
		"REQUEST_TIMEOUT":  c.RequestTimeout,
		"FETCH_TIMEOUT":    c.FetchTimeout,
		"PUBLISH_TIMEOUT":  c.PublishTimeout,
		"METRICS_INTERVAL": c.MetricsInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.PushRateLimit < 0 {
		errs = append(errs, fmt.Errorf("PUSH_RATE_LIMIT must not be negative, got %v", c.PushRateLimit))
	}
	if c.PushAuthEnabled() && c.PushAuthJWKSURL == "" && c.PushAuthIssuer == "" {
		errs = append(errs, errors.New("PUSH_AUTH_ISSUER or PUSH_AUTH_JWKS_URL is required when PUSH_AUTH_AUDIENCE is set"))
	}
	if c.PushAuthEmail != "" && !c.PushAuthEnabled() {
		errs = append(errs, errors.New("PUSH_AUTH_EMAIL requires PUSH_AUTH_AUDIENCE"))
	}

	return errors.Join(errs...)
}

func (c *Config) missingTopicKeys() string {
	var keys []string
	for _, cat := range routing.Categories() {
		if strings.TrimSpace(c.Topics[cat]) == "" {
			keys = append(keys, topicKeys[cat])
		}
	}
	return strings.Join(keys, ", ")
}
