// Package config loads settings for the autotracker binaries from the
// environment (prefix AUTOTRACKER_) and an optional config file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/martinjlowm/mee6-autotracker/internal/logging"
	"github.com/martinjlowm/mee6-autotracker/internal/observability"
)

const envPrefix = "AUTOTRACKER"

// FileEnv names the env var holding an optional config file path.
const FileEnv = envPrefix + "_CONFIG"

// Component selects which settings a binary requires.
type Component string

const (
	ComponentPrompt   Component = "prompt"
	ComponentAdjust   Component = "adjust"
	ComponentRegister Component = "register"
	ComponentCLI      Component = "cli"
)

type Config struct {
	Log            logging.Config       `mapstructure:"log"`
	Tracing        observability.Config `mapstructure:"tracing"`
	AWS            AWS                  `mapstructure:"aws"`
	Tables         Tables               `mapstructure:"tables"`
	Reconciliation Reconciliation       `mapstructure:"reconciliation"`
	Metrics        Metrics              `mapstructure:"metrics"`
	Harvest        Harvest              `mapstructure:"harvest"`
	Slack          Slack                `mapstructure:"slack"`
	Webhook        Webhook              `mapstructure:"webhook"`
	Prompt         Prompt               `mapstructure:"prompt"`
	Registration   Registration         `mapstructure:"registration"`
}

type AWS struct {
	Region string `mapstructure:"region"`
	// Endpoint overrides every AWS endpoint, for LocalStack.
	Endpoint string `mapstructure:"endpoint"`
	// MaxAttempts bounds the SDK's retries of throttled DynamoDB, SQS and
	// CloudWatch calls.
	MaxAttempts int `mapstructure:"max_attempts"`
}

type Tables struct {
	Actions  string `mapstructure:"actions" validate:"required"`
	Receipts string `mapstructure:"receipts" validate:"required"`
}

type Reconciliation struct {
	// QueueURL may be empty, notices are then only logged.
	QueueURL string `mapstructure:"queue_url" validate:"omitempty,url"`
}

type Metrics struct {
	Namespace string `mapstructure:"namespace"`
	Enabled   bool   `mapstructure:"enabled"`
}

type Harvest struct {
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	Token             string        `mapstructure:"token" validate:"required"`
	AccountID         string        `mapstructure:"account_id" validate:"required,numeric"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gt=0"`
}

type Slack struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	Token   string `mapstructure:"token" validate:"required"`
	// SigningSecret enables verification of interaction signatures.
	SigningSecret string        `mapstructure:"signing_secret"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type Webhook struct {
	APIKey string `mapstructure:"api_key" validate:"required,min=16"`
	Port   int    `mapstructure:"port" validate:"min=1,max=65535"`
}

type Prompt struct {
	Subjects []string      `mapstructure:"subjects" validate:"required,min=1,dive,required"`
	Hours    float64       `mapstructure:"hours" validate:"gte=0,lte=24"`
	Horizon  time.Duration `mapstructure:"horizon" validate:"gt=0"`
	Project  string        `mapstructure:"project" validate:"required"`
	Task     string        `mapstructure:"task" validate:"required"`
	Timezone string        `mapstructure:"timezone" validate:"required,timezone"`
	Schedule string        `mapstructure:"schedule"`
}

type Registration struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	InitialDelay   time.Duration `mapstructure:"initial_delay" validate:"gt=0"`
	MaxDelay       time.Duration `mapstructure:"max_delay" validate:"gtefield=InitialDelay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"gt=0"`
	ReceiptTTL     time.Duration `mapstructure:"receipt_ttl" validate:"gt=0"`
	ClaimLease     time.Duration `mapstructure:"claim_lease" validate:"gtfield=AttemptTimeout"`
	// ReviewHold keeps a rejected registration from the TTL sweep until an
	// operator looks at it.
	ReviewHold time.Duration `mapstructure:"review_hold" validate:"gt=0"`
	// RetryWindow is how long a record stays live after its flag is cleared.
	RetryWindow time.Duration `mapstructure:"retry_window" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.service_name", "mee6-autotracker")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)

	v.SetDefault("aws.region", "eu-west-1")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.max_attempts", 5)

	v.SetDefault("tables.actions", "autotracker-actions")
	v.SetDefault("tables.receipts", "autotracker-receipts")
	v.SetDefault("reconciliation.queue_url", "")
	v.SetDefault("metrics.namespace", "AutoTracker")
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("harvest.base_url", "https://api.harvestapp.com/v2")
	v.SetDefault("harvest.token", "")
	v.SetDefault("harvest.account_id", "")
	v.SetDefault("harvest.timeout", 10*time.Second)
	v.SetDefault("harvest.requests_per_second", 6.0)

	v.SetDefault("slack.base_url", "https://slack.com/api")
	v.SetDefault("slack.token", "")
	v.SetDefault("slack.signing_secret", "")
	v.SetDefault("slack.timeout", 10*time.Second)

	v.SetDefault("webhook.api_key", "")
	v.SetDefault("webhook.port", 8080)

	v.SetDefault("prompt.subjects", []string{})
	v.SetDefault("prompt.hours", 8.0)
	v.SetDefault("prompt.horizon", 8*time.Hour)
	v.SetDefault("prompt.project", "System2 Development Hours")
	v.SetDefault("prompt.task", "Development")
	v.SetDefault("prompt.timezone", "Europe/Copenhagen")
	v.SetDefault("prompt.schedule", "cron(0 9 ? * MON-FRI *)")

	v.SetDefault("registration.max_attempts", 4)
	v.SetDefault("registration.initial_delay", 200*time.Millisecond)
	v.SetDefault("registration.max_delay", 2*time.Second)
	v.SetDefault("registration.attempt_timeout", 10*time.Second)
	v.SetDefault("registration.receipt_ttl", 7*24*time.Hour)
	v.SetDefault("registration.claim_lease", 2*time.Minute)
	v.SetDefault("registration.review_hold", 30*24*time.Hour)
	v.SetDefault("registration.retry_window", 24*time.Hour)
}

// Load reads defaults, then the file named by AUTOTRACKER_CONFIG if set,
// then AUTOTRACKER_* env vars (AUTOTRACKER_HARVEST_TOKEN for harvest.token).
func Load() (*Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit config file path; empty skips the file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// sections lists the parts of the config each component depends on.
func (c *Config) sections(component Component) ([]any, error) {
	switch component {
	case ComponentPrompt:
		return []any{c.Tables, c.Reconciliation, c.Slack, c.Prompt}, nil
	case ComponentAdjust:
		return []any{c.Tables, c.Webhook}, nil
	case ComponentRegister:
		return []any{c.Tables, c.Reconciliation, c.Harvest, c.Registration}, nil
	case ComponentCLI:
		return []any{c.Tables, c.Reconciliation}, nil
	}
	return nil, fmt.Errorf("unknown component %q", component)
}

// Validate checks the settings component needs.
func (c *Config) Validate(component Component) error {
	sections, err := c.sections(component)
	if err != nil {
		return err
	}
	v := validatorv10.New()
	for _, s := range sections {
		if err := v.Struct(s); err != nil {
			return fmt.Errorf("invalid %s config: %w", component, err)
		}
	}
	return nil
}
