package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the voice agent process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	Device DeviceConfig
	Voice  VoiceConfig
	Store  StoreConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Push   PushConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// DeviceConfig identifies the single device session this process owns.
type DeviceConfig struct {
	ID string
	// CallerID is the E.164 number outgoing calls are placed from.
	CallerID string
	// Region is the ISO 3166 region used to read national-format numbers.
	Region string
}

type VoiceConfig struct {
	APIURL    string
	EventsURL string

	RegistrationTTL     time.Duration
	RegisterMaxAttempts int
	RegisterBackoff     time.Duration

	// InviteTTL of zero disables invite expiry.
	InviteTTL time.Duration
}

type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreRedis    StoreKind = "redis"
	StorePostgres StoreKind = "postgres"
)

type StoreConfig struct {
	Credentials StoreKind
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// PushConfig enables the AMQP push consumer when AMQPURL is set.
type PushConfig struct {
	AMQPURL string
	Queue   string
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

	c.Device.ID = strings.TrimSpace(os.Getenv("DEVICE_ID"))
	c.Device.CallerID = strings.TrimSpace(os.Getenv("CALLER_ID"))
	c.Device.Region = strings.ToUpper(strings.TrimSpace(os.Getenv("DEFAULT_REGION")))

	c.Voice.APIURL = strings.TrimSpace(os.Getenv("VOICE_API_URL"))
	c.Voice.EventsURL = strings.TrimSpace(os.Getenv("VOICE_EVENTS_URL"))
	{
		var err error
		c.Voice.RegistrationTTL, err = optionalDuration("REGISTRATION_TTL")
		parseErrs = appendErr(parseErrs, err)
		c.Voice.RegisterBackoff, err = optionalDuration("REGISTER_BACKOFF")
		parseErrs = appendErr(parseErrs, err)
		c.Voice.InviteTTL, err = optionalDuration("INVITE_TTL")
		parseErrs = appendErr(parseErrs, err)
		c.Voice.RegisterMaxAttempts, err = optionalInt("REGISTER_MAX_ATTEMPTS")
		parseErrs = appendErr(parseErrs, err)
	}

	c.Store.Credentials = StoreKind(strings.ToLower(strings.TrimSpace(os.Getenv("CREDENTIAL_STORE"))))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optionalInt("DB_PORT")
		parseErrs = appendErr(parseErrs, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optionalInt("REDIS_PORT")
		parseErrs = appendErr(parseErrs, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied by ApplyDefaults().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Push.AMQPURL = strings.TrimSpace(os.Getenv("PUSH_AMQP_URL"))
	c.Push.Queue = strings.TrimSpace(os.Getenv("PUSH_QUEUE"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills optional values. Production must still set DB_SSLMODE explicitly.
func (c *Config) ApplyDefaults() {
	if c.Device.Region == "" {
		c.Device.Region = "US"
	}
	if c.Voice.RegistrationTTL <= 0 {
		c.Voice.RegistrationTTL = 365 * 24 * time.Hour
	}
	if c.Voice.RegisterMaxAttempts <= 0 {
		c.Voice.RegisterMaxAttempts = 3
	}
	if c.Voice.RegisterBackoff <= 0 {
		c.Voice.RegisterBackoff = 2 * time.Second
	}
	if _, set := os.LookupEnv("INVITE_TTL"); !set && c.Voice.InviteTTL == 0 {
		c.Voice.InviteTTL = 60 * time.Second
	}
	if c.Store.Credentials == "" {
		c.Store.Credentials = StoreMemory
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.DB.SSLMode == "" && !c.IsProduction() {
		c.DB.SSLMode = "disable"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Push.AMQPURL != "" && c.Push.Queue == "" {
		c.Push.Queue = "voice.push"
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
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

	if c.Device.ID == "" {
		errs = append(errs, errors.New("DEVICE_ID is required"))
	}
	if len(c.Device.Region) != 2 {
		errs = append(errs, fmt.Errorf("DEFAULT_REGION must be a two-letter region code, got %q", c.Device.Region))
	}

	if err := validURL("VOICE_API_URL", c.Voice.APIURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := validURL("VOICE_EVENTS_URL", c.Voice.EventsURL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if c.Voice.InviteTTL < 0 {
		errs = append(errs, errors.New("INVITE_TTL must not be negative"))
	}

	switch c.Store.Credentials {
	case StoreMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("CREDENTIAL_STORE=memory is not allowed in production"))
		}
	case StoreRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required for CREDENTIAL_STORE=redis"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	case StorePostgres:
		errs = append(errs, c.validateDB()...)
	default:
		errs = append(errs, fmt.Errorf("CREDENTIAL_STORE must be one of memory, redis, postgres, got %q", c.Store.Credentials))
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
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Push.AMQPURL != "" {
		if err := validURL("PUSH_AMQP_URL", c.Push.AMQPURL, "amqp", "amqps"); err != nil {
			errs = append(errs, err)
		}
	}

	return joinErrors(errs)
}

func (c Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required for CREDENTIAL_STORE=postgres"))
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
	return errs
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

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func mustDuration(key string) time.Duration {
	d, _ := optionalDuration(key)
	return d
}

func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	return n, appendErr(errs, err)
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		errs = append(errs, err)
	}
	return errs
}

func validURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute url, got %q", key, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %s, got %q", key, strings.Join(schemes, ", "), u.Scheme)
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
