package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Provider ProviderConfig
	Billing  BillingConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

// ProviderConfig carries the telephony carrier credentials.
type ProviderConfig struct {
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// StatusCallbackURL is the public URL of POST /webhooks/telephony/status.
	StatusCallbackURL string
}

type BillingConfig struct {
	// DefaultRateMinor applies when no rate matches the destination.
	DefaultRateMinor int64

	// MaxCallDuration is the forced-hangup ceiling for in-flight calls.
	MaxCallDuration time.Duration

	// SweepInterval is how often the timeout sweeper runs.
	SweepInterval time.Duration

	// MaxActiveCallsPerUser caps simultaneous calls per user.
	MaxActiveCallsPerUser int

	// QueueKey is the Redis list backing the settlement queue.
	QueueKey string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	if c.DB.SSLMode == "" && !c.IsProduction() {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))

	c.Provider.TwilioAccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Provider.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Provider.TwilioFromNumber = strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER"))
	c.Provider.StatusCallbackURL = strings.TrimSpace(os.Getenv("STATUS_CALLBACK_URL"))

	c.Billing.DefaultRateMinor = optInt64("DEFAULT_RATE_MINOR", 100)
	c.Billing.MaxCallDuration = optDuration("MAX_CALL_DURATION", 4*time.Hour)
	c.Billing.SweepInterval = optDuration("SWEEP_INTERVAL", time.Minute)
	c.Billing.MaxActiveCallsPerUser = optInt("MAX_ACTIVE_CALLS_PER_USER", 3)
	c.Billing.QueueKey = strings.TrimSpace(os.Getenv("SETTLEMENT_QUEUE_KEY"))
	if c.Billing.QueueKey == "" {
		c.Billing.QueueKey = "settlement_jobs"
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Provider.TwilioAccountSID == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required in production"))
		}
		if c.Provider.TwilioAuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in production"))
		}
		if c.Provider.StatusCallbackURL == "" {
			errs = append(errs, errors.New("STATUS_CALLBACK_URL is required in production"))
		}
	}

	if c.Billing.DefaultRateMinor <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_RATE_MINOR must be > 0, got %d", c.Billing.DefaultRateMinor))
	}
	if c.Billing.MaxCallDuration <= 0 {
		errs = append(errs, errors.New("MAX_CALL_DURATION must be > 0"))
	}
	if c.Billing.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be > 0"))
	}
	if c.Billing.MaxActiveCallsPerUser <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ACTIVE_CALLS_PER_USER must be > 0, got %d", c.Billing.MaxActiveCallsPerUser))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func optInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func optDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
