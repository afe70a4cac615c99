package config

const (
	EnvPrefix = "MARKETPLACE"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv       = "MARKETPLACE_APP_ENV"
	EnvPort         = "MARKETPLACE_APP_PORT"
	EnvDBDSN        = "MARKETPLACE_DB_DSN"
	EnvDBHost       = "MARKETPLACE_DB_HOST"
	EnvDBUser       = "MARKETPLACE_DB_USER"
	EnvDBName       = "MARKETPLACE_DB_NAME"
	EnvRedisURL     = "MARKETPLACE_REDIS_URL"
	EnvJWTSecret    = "MARKETPLACE_JWT_SECRET"
	EnvJWTIssuer    = "MARKETPLACE_JWT_ISSUER"
	EnvJWTExpMins   = "MARKETPLACE_JWT_EXPIRATION_MINUTES"
	EnvWebhookKey   = "MARKETPLACE_PAYMENTS_WEBHOOK_SECRET"
	EnvOrdersTopic  = "MARKETPLACE_PUBSUB_ORDERS_TOPIC"
	EnvGCPProjectID = "MARKETPLACE_GCP_PROJECT_ID"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
