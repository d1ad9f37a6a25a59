package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"kasirinaja/posledger/internal/domain"
)

const (
	PollDriverLoop  = "loop"
	PollDriverAsynq = "asynq"
)

type Config struct {
	AppEnv        string `envconfig:"APP_ENV" default:"development"`
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	LogFormat     string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	AuthSecret     string        `envconfig:"AUTH_SECRET"`
	AccessTokenTTL time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"8h"`
	CartTTL        time.Duration `envconfig:"CART_TTL" default:"12h"`

	// SeedAdminPassword creates the "admin" account on a fresh database.
	SeedAdminPassword string `envconfig:"SEED_ADMIN_PASSWORD"`

	PaymentPollInterval     time.Duration `envconfig:"PAYMENT_POLL_INTERVAL" default:"2s"`
	PaymentMaxPolls         int           `envconfig:"PAYMENT_MAX_POLLS" default:"150"`
	PaymentMaxDuration      time.Duration `envconfig:"PAYMENT_MAX_DURATION" default:"5m"`
	PaymentMaxGatewayErrors int           `envconfig:"PAYMENT_MAX_GATEWAY_ERRORS" default:"5"`
	PaymentSessionRetention time.Duration `envconfig:"PAYMENT_SESSION_RETENTION" default:"24h"`
	PaymentPollDriver       string        `envconfig:"PAYMENT_POLL_DRIVER" default:"loop"`
	PaymentGatewayURL       string        `envconfig:"PAYMENT_GATEWAY_URL"`
	PaymentGatewayKey       string        `envconfig:"PAYMENT_GATEWAY_KEY"`
	PaymentGatewayMethod    string        `envconfig:"PAYMENT_GATEWAY_METHOD" default:"E_WALLET"`
}

// Load reads an optional .env file and then the process environment.
// Values already present in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.AuthSecret = strings.TrimSpace(c.AuthSecret)
	c.PaymentPollDriver = strings.ToLower(strings.TrimSpace(c.PaymentPollDriver))
	c.PaymentGatewayMethod = strings.ToUpper(strings.TrimSpace(c.PaymentGatewayMethod))
	c.PaymentGatewayURL = strings.TrimRight(strings.TrimSpace(c.PaymentGatewayURL), "/")
}

func (c Config) validate() error {
	switch c.PaymentPollDriver {
	case PollDriverLoop, PollDriverAsynq:
	default:
		return fmt.Errorf("PAYMENT_POLL_DRIVER must be %q or %q, got %q", PollDriverLoop, PollDriverAsynq, c.PaymentPollDriver)
	}
	if c.PaymentPollDriver == PollDriverAsynq && c.RedisAddr == "" {
		return errors.New("PAYMENT_POLL_DRIVER=asynq requires REDIS_ADDR")
	}
	method := domain.PaymentMethod(c.PaymentGatewayMethod)
	if !method.Valid() || method == domain.PaymentMethodCash {
		return fmt.Errorf("PAYMENT_GATEWAY_METHOD %q is not a gateway payment method", c.PaymentGatewayMethod)
	}
	if c.PaymentPollInterval <= 0 || c.PaymentMaxPolls < 1 || c.PaymentMaxDuration <= 0 || c.PaymentMaxGatewayErrors < 1 {
		return errors.New("payment polling bounds must be positive")
	}
	if c.AccessTokenTTL <= 0 || c.CartTTL <= 0 {
		return errors.New("ACCESS_TOKEN_TTL and CART_TTL must be positive")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c Config) GatewayMethod() domain.PaymentMethod {
	return domain.PaymentMethod(c.PaymentGatewayMethod)
}
