package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "credmarket"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "CREDMARKET_DB_DSN"
	EnvDBHost = "CREDMARKET_DB_HOST"
	EnvDBUser = "CREDMARKET_DB_USER"
	EnvDBName = "CREDMARKET_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Deposits     DepositConfig
	BankFeed     BankFeedConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CREDMARKET_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"CREDMARKET_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CREDMARKET_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"CREDMARKET_SERVICE_KIND" default:"worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"CREDMARKET_DB_DSN"`
	Driver string `envconfig:"CREDMARKET_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"CREDMARKET_DB_HOST"`
	LegacyPort     int    `envconfig:"CREDMARKET_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CREDMARKET_DB_USER"`
	LegacyPassword string `envconfig:"CREDMARKET_DB_PASSWORD"`
	LegacyName     string `envconfig:"CREDMARKET_DB_NAME"`
	LegacySSLMode  string `envconfig:"CREDMARKET_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CREDMARKET_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CREDMARKET_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CREDMARKET_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CREDMARKET_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"CREDMARKET_REDIS_URL" required:"true"`
	Address      string        `envconfig:"CREDMARKET_REDIS_ADDR"`
	Password     string        `envconfig:"CREDMARKET_REDIS_PASSWORD"`
	DB           int           `envconfig:"CREDMARKET_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CREDMARKET_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CREDMARKET_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CREDMARKET_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CREDMARKET_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CREDMARKET_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"CREDMARKET_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"CREDMARKET_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"CREDMARKET_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersTopic          string `envconfig:"CREDMARKET_PUBSUB_ORDERS_TOPIC" required:"true"`
	OrdersSubscription   string `envconfig:"CREDMARKET_PUBSUB_ORDERS_SUBSCRIPTION" required:"true"`
	PaymentsTopic        string `envconfig:"CREDMARKET_PUBSUB_PAYMENTS_TOPIC" required:"true"`
	PaymentsSubscription string `envconfig:"CREDMARKET_PUBSUB_PAYMENTS_SUBSCRIPTION" required:"true"`
}

type DepositConfig struct {
	ExpirationMinutes        int `envconfig:"CREDMARKET_DEPOSIT_EXPIRATION_MINUTES" default:"15"`
	ReconcileIntervalSeconds int `envconfig:"CREDMARKET_DEPOSIT_RECONCILE_INTERVAL_SECONDS" default:"15"`
}

// ExpirationWindow returns how long a pending deposit stays eligible for matching.
func (d DepositConfig) ExpirationWindow() time.Duration {
	if d.ExpirationMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(d.ExpirationMinutes) * time.Minute
}

// ReconcileInterval returns the pause between reconciliation cycles.
func (d DepositConfig) ReconcileInterval() time.Duration {
	if d.ReconcileIntervalSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(d.ReconcileIntervalSeconds) * time.Second
}

type BankFeedConfig struct {
	BaseURL       string `envconfig:"CREDMARKET_BANKFEED_BASE_URL" required:"true"`
	APIKey        string `envconfig:"CREDMARKET_BANKFEED_API_KEY" required:"true"`
	AccountNumber string `envconfig:"CREDMARKET_BANKFEED_ACCOUNT_NUMBER" required:"true"`
	FetchLimit    int    `envconfig:"CREDMARKET_BANKFEED_FETCH_LIMIT" default:"100"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"CREDMARKET_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
