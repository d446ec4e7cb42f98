package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Providers    ProvidersConfig
	Gemini       GeminiConfig
	Orchestrator OrchestratorConfig
	Callback     CallbackConfig
	RateLimit    RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Orchestrator.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"GENFORGE_APP_ENV" required:"true"`
	Port         string `envconfig:"GENFORGE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"GENFORGE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"GENFORGE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"GENFORGE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"GENFORGE_DB_DSN"`
	Driver string `envconfig:"GENFORGE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"GENFORGE_DB_HOST"`
	LegacyPort     int    `envconfig:"GENFORGE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"GENFORGE_DB_USER"`
	LegacyPassword string `envconfig:"GENFORGE_DB_PASSWORD"`
	LegacyName     string `envconfig:"GENFORGE_DB_NAME"`
	LegacySSLMode  string `envconfig:"GENFORGE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"GENFORGE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"GENFORGE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"GENFORGE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"GENFORGE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"GENFORGE_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"GENFORGE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"GENFORGE_REDIS_ADDR"`
	Password     string        `envconfig:"GENFORGE_REDIS_PASSWORD"`
	DB           int           `envconfig:"GENFORGE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"GENFORGE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"GENFORGE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"GENFORGE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"GENFORGE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"GENFORGE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	UseSQLite          bool   `envconfig:"GENFORGE_USE_SQLITE" default:"false"`
	SQLitePath         string `envconfig:"GENFORGE_SQLITE_PATH" default:"genforge.db"`
	AutoMigrate        bool   `envconfig:"GENFORGE_AUTO_MIGRATE" default:"false"`
	SyntheticProviders bool   `envconfig:"GENFORGE_SYNTHETIC_PROVIDERS" default:"false"`
}

// RateLimitConfig throttles generation submissions per client IP and sets
// how long keyed submissions are remembered for replay.
type RateLimitConfig struct {
	SubmitWindow   time.Duration `envconfig:"GENFORGE_RATE_LIMIT_SUBMIT_WINDOW" default:"1m"`
	SubmitLimit    int           `envconfig:"GENFORGE_RATE_LIMIT_SUBMIT_LIMIT" default:"30"`
	IdempotencyTTL time.Duration `envconfig:"GENFORGE_IDEMPOTENCY_TTL" default:"24h"`
}

type EventingConfig struct {
	OutboxRetentionDays int `envconfig:"GENFORGE_EVENTING_OUTBOX_RETENTION_DAYS" default:"30"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"GENFORGE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"GENFORGE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"GENFORGE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	NotificationTopic        string `envconfig:"GENFORGE_PUBSUB_NOTIFICATION_TOPIC" default:"gf-generation-events"`
	NotificationSubscription string `envconfig:"GENFORGE_PUBSUB_NOTIFICATION_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"GENFORGE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"GENFORGE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"GENFORGE_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type ProvidersConfig struct {
	BaseURL              string        `envconfig:"GENFORGE_PROVIDER_BASE_URL" default:"https://api.kie.ai"`
	APIKey               string        `envconfig:"GENFORGE_PROVIDER_API_KEY"`
	RequestTimeout       time.Duration `envconfig:"GENFORGE_PROVIDER_REQUEST_TIMEOUT" default:"60s"`
	DefaultImageProvider string        `envconfig:"GENFORGE_PROVIDER_DEFAULT_IMAGE" default:"gpt4o_image"`
	DefaultVideoProvider string        `envconfig:"GENFORGE_PROVIDER_DEFAULT_VIDEO" default:"veo3"`
	ChainImageProvider   string        `envconfig:"GENFORGE_PROVIDER_CHAIN_IMAGE" default:"gpt4o_image"`
	ChainVideoProvider   string        `envconfig:"GENFORGE_PROVIDER_CHAIN_VIDEO" default:"veo3"`
	FallbackProvider     string        `envconfig:"GENFORGE_PROVIDER_FALLBACK_VIDEO" default:"veo3"`
}

type GeminiConfig struct {
	APIKey       string        `envconfig:"GENFORGE_GEMINI_API_KEY"`
	Model        string        `envconfig:"GENFORGE_GEMINI_MODEL" default:"gemini-2.5-flash"`
	FetchTimeout time.Duration `envconfig:"GENFORGE_GEMINI_FETCH_TIMEOUT" default:"30s"`
}

// OrchestratorConfig carries the polling cadence and every time budget used by
// the poller and the chain orchestrator.
type OrchestratorConfig struct {
	PollInterval        time.Duration `envconfig:"GENFORGE_ORCHESTRATOR_POLL_INTERVAL" default:"15s"`
	SimpleImageBudget   time.Duration `envconfig:"GENFORGE_ORCHESTRATOR_SIMPLE_IMAGE_BUDGET" default:"3m"`
	SimpleVideoSoft     time.Duration `envconfig:"GENFORGE_ORCHESTRATOR_SIMPLE_VIDEO_SOFT" default:"3m"`
	SimpleVideoCap      time.Duration `envconfig:"GENFORGE_ORCHESTRATOR_SIMPLE_VIDEO_CAP" default:"6m"`
	ChainImageBudget    time.Duration `envconfig:"GENFORGE_ORCHESTRATOR_CHAIN_IMAGE_BUDGET" default:"3m"`
	ChainAnalysisBudget time.Duration `envconfig:"GENFORGE_ORCHESTRATOR_CHAIN_ANALYSIS_BUDGET" default:"2m"`
	ChainVideoBudget    time.Duration `envconfig:"GENFORGE_ORCHESTRATOR_CHAIN_VIDEO_BUDGET" default:"3m"`
	ChainTotalBudget    time.Duration `envconfig:"GENFORGE_ORCHESTRATOR_CHAIN_TOTAL_BUDGET" default:"10m"`
	SubmitRetries       int           `envconfig:"GENFORGE_ORCHESTRATOR_SUBMIT_RETRIES" default:"3"`
	SubmitBackoffStep   time.Duration `envconfig:"GENFORGE_ORCHESTRATOR_SUBMIT_BACKOFF_STEP" default:"2s"`
	ImageRetryLimit     int           `envconfig:"GENFORGE_ORCHESTRATOR_IMAGE_RETRY_LIMIT" default:"5"`
	FallbackOnAnalysis  bool          `envconfig:"GENFORGE_ORCHESTRATOR_FALLBACK_ON_ANALYSIS" default:"false"`
	StaleGrace          time.Duration `envconfig:"GENFORGE_ORCHESTRATOR_STALE_GRACE" default:"5m"`
	ShutdownTimeout     time.Duration `envconfig:"GENFORGE_ORCHESTRATOR_SHUTDOWN_TIMEOUT" default:"30s"`
}

// Budgets groups the orchestrator time limits.
type Budgets struct {
	PollInterval  time.Duration
	SimpleImage   time.Duration
	SimpleSoft    time.Duration
	SimpleVideo   time.Duration
	ChainImage    time.Duration
	ChainAnalysis time.Duration
	ChainVideo    time.Duration
	ChainTotal    time.Duration
}

// Budgets returns the typed budget set consumed by the poller and chain packages.
func (o OrchestratorConfig) Budgets() Budgets {
	return Budgets{
		PollInterval:  o.PollInterval,
		SimpleImage:   o.SimpleImageBudget,
		SimpleSoft:    o.SimpleVideoSoft,
		SimpleVideo:   o.SimpleVideoCap,
		ChainImage:    o.ChainImageBudget,
		ChainAnalysis: o.ChainAnalysisBudget,
		ChainVideo:    o.ChainVideoBudget,
		ChainTotal:    o.ChainTotalBudget,
	}
}

// DefaultBudgets mirrors the envconfig defaults for callers that build
// components without loading the environment.
func DefaultBudgets() Budgets {
	return Budgets{
		PollInterval:  15 * time.Second,
		SimpleImage:   3 * time.Minute,
		SimpleSoft:    3 * time.Minute,
		SimpleVideo:   6 * time.Minute,
		ChainImage:    3 * time.Minute,
		ChainAnalysis: 2 * time.Minute,
		ChainVideo:    3 * time.Minute,
		ChainTotal:    10 * time.Minute,
	}
}

func (o OrchestratorConfig) validate() error {
	if o.PollInterval <= 0 {
		return fmt.Errorf("%s must be positive", EnvOrchestratorPollInterval)
	}
	if o.SimpleVideoSoft > o.SimpleVideoCap {
		return fmt.Errorf("simple video soft budget %s exceeds cap %s", o.SimpleVideoSoft, o.SimpleVideoCap)
	}
	if o.SubmitRetries < 0 {
		return fmt.Errorf("%s must not be negative", EnvOrchestratorSubmitRetries)
	}
	return nil
}

type CallbackConfig struct {
	PublicBaseURL string        `envconfig:"GENFORGE_CALLBACK_PUBLIC_BASE_URL"`
	Secret        string        `envconfig:"GENFORGE_CALLBACK_SECRET"`
	Issuer        string        `envconfig:"GENFORGE_CALLBACK_ISSUER" default:"genforge"`
	TokenTTL      time.Duration `envconfig:"GENFORGE_CALLBACK_TOKEN_TTL" default:"1h"`
	SignalTTL     time.Duration `envconfig:"GENFORGE_CALLBACK_SIGNAL_TTL" default:"1h"`
}

// Enabled reports whether providers should be handed a callback URL.
func (c CallbackConfig) Enabled() bool {
	return strings.TrimSpace(c.PublicBaseURL) != "" && c.Secret != ""
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" || useSQLite {
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
