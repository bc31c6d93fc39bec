package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port               string `envconfig:"PORT" default:"8080"`
	Environment        string `envconfig:"ENV" default:"production"`
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	JWTSecret          string `envconfig:"JWT_SECRET" required:"true"`

	// Stripe settings
	StripeSecretKey          string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret      string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripePriceSingle        string `envconfig:"STRIPE_PRICE_SINGLE" required:"true"`
	StripePriceMultiLocation string `envconfig:"STRIPE_PRICE_MULTI_LOCATION" required:"true"`
	WebhookMaxAgeSec         int    `envconfig:"WEBHOOK_MAX_AGE_SEC" default:"300"`

	// Licensing settings
	GracePeriodDays    int `envconfig:"GRACE_PERIOD_DAYS" default:"7"`
	LocationWindowDays int `envconfig:"LOCATION_WINDOW_DAYS" default:"30"`
	InviteTTLDays      int `envconfig:"INVITE_TTL_DAYS" default:"30"`

	// Sweeper settings
	SweepIntervalMin int `envconfig:"SWEEP_INTERVAL_MIN" default:"15"`

	// Notification settings
	GCPProjectID      string `envconfig:"GCP_PROJECT_ID"`
	NotificationTopic string `envconfig:"NOTIFICATION_TOPIC" default:"licensing_notifications"`

	// When set, the Stripe secrets are loaded from Secret Manager instead of
	// the environment. Values are full secret resource names.
	StripeKeySecretName     string `envconfig:"STRIPE_KEY_SECRET_NAME"`
	StripeWebhookSecretName string `envconfig:"STRIPE_WEBHOOK_SECRET_NAME"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GracePeriod returns the configured grace window as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// LocationWindow returns the trailing window used for distinct-location counts.
func (c *Config) LocationWindow() time.Duration {
	return time.Duration(c.LocationWindowDays) * 24 * time.Hour
}

// InviteTTL returns how long an unclaimed invite code stays redeemable.
func (c *Config) InviteTTL() time.Duration {
	return time.Duration(c.InviteTTLDays) * 24 * time.Hour
}
