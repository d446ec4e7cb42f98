package config

const (
	EnvPrefix = "GENFORGE"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "GENFORGE_APP_ENV"
	EnvPort     = "GENFORGE_APP_PORT"
	EnvLogLevel = "GENFORGE_LOG_LEVEL"

	EnvDBDSN  = "GENFORGE_DB_DSN"
	EnvDBHost = "GENFORGE_DB_HOST"
	EnvDBUser = "GENFORGE_DB_USER"
	EnvDBName = "GENFORGE_DB_NAME"

	EnvRedisURL = "GENFORGE_REDIS_URL"

	EnvUseSQLite          = "GENFORGE_USE_SQLITE"
	EnvSyntheticProviders = "GENFORGE_SYNTHETIC_PROVIDERS"

	EnvGCPProjectID          = "GENFORGE_GCP_PROJECT_ID"
	EnvPubSubNotificationTop = "GENFORGE_PUBSUB_NOTIFICATION_TOPIC"

	EnvProviderAPIKey  = "GENFORGE_PROVIDER_API_KEY"
	EnvProviderBaseURL = "GENFORGE_PROVIDER_BASE_URL"
	EnvGeminiAPIKey    = "GENFORGE_GEMINI_API_KEY"

	EnvOrchestratorPollInterval  = "GENFORGE_ORCHESTRATOR_POLL_INTERVAL"
	EnvOrchestratorSubmitRetries = "GENFORGE_ORCHESTRATOR_SUBMIT_RETRIES"
	EnvOrchestratorChainTotal    = "GENFORGE_ORCHESTRATOR_CHAIN_TOTAL_BUDGET"

	EnvCallbackPublicBaseURL = "GENFORGE_CALLBACK_PUBLIC_BASE_URL"
	EnvCallbackSecret        = "GENFORGE_CALLBACK_SECRET"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
