package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	GCP    GCPConfig
	PubSub PubSubConfig
	Queue  QueueConfig
	Health HealthConfig
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
	Env          string `envconfig:"PACKRELAY_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"PACKRELAY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PACKRELAY_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"PACKRELAY_AUTO_MIGRATE" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"PACKRELAY_DB_DSN"`
	Driver string `envconfig:"PACKRELAY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PACKRELAY_DB_HOST"`
	LegacyPort     int    `envconfig:"PACKRELAY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PACKRELAY_DB_USER"`
	LegacyPassword string `envconfig:"PACKRELAY_DB_PASSWORD"`
	LegacyName     string `envconfig:"PACKRELAY_DB_NAME"`
	LegacySSLMode  string `envconfig:"PACKRELAY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PACKRELAY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PACKRELAY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PACKRELAY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PACKRELAY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PACKRELAY_REDIS_URL"`
	Address      string        `envconfig:"PACKRELAY_REDIS_ADDR"`
	Password     string        `envconfig:"PACKRELAY_REDIS_PASSWORD"`
	DB           int           `envconfig:"PACKRELAY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PACKRELAY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PACKRELAY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PACKRELAY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PACKRELAY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PACKRELAY_REDIS_WRITE_TIMEOUT" default:"5s"`

	IdempotencyTTL time.Duration `envconfig:"PACKRELAY_REDIS_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"PACKRELAY_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"PACKRELAY_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"PACKRELAY_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersTopic       string `envconfig:"PACKRELAY_PUBSUB_ORDERS_TOPIC"`
	NotificationTopic string `envconfig:"PACKRELAY_PUBSUB_NOTIFICATION_TOPIC"`
	BillingTopic      string `envconfig:"PACKRELAY_PUBSUB_BILLING_TOPIC"`
	DefaultTopic      string `envconfig:"PACKRELAY_PUBSUB_DEFAULT_TOPIC"`
}

// QueueConfig tunes the claim/retry pipeline. Every component receives these
// values through its constructor; nothing reads them ambiently at runtime.
type QueueConfig struct {
	Channel             string        `envconfig:"PACKRELAY_QUEUE_CHANNEL" default:"packrelay_queue"`
	BatchSize           int           `envconfig:"PACKRELAY_QUEUE_BATCH_SIZE" default:"50"`
	PollInterval        time.Duration `envconfig:"PACKRELAY_QUEUE_POLL_INTERVAL" default:"5s"`
	MaxAttempts         int           `envconfig:"PACKRELAY_QUEUE_MAX_ATTEMPTS" default:"10"`
	LeaseDuration       time.Duration `envconfig:"PACKRELAY_QUEUE_LEASE_DURATION" default:"2m"`
	StalenessMultiplier int           `envconfig:"PACKRELAY_QUEUE_STALENESS_MULTIPLIER" default:"3"`
}

// StalenessThreshold is the elapsed-time bound used by the health monitor.
func (q QueueConfig) StalenessThreshold() time.Duration {
	multiplier := q.StalenessMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	return q.PollInterval * time.Duration(multiplier)
}

type HealthConfig struct {
	Port string `envconfig:"PACKRELAY_HEALTH_PORT" default:"8090"`
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
