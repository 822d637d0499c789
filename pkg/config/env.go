package config

const (
	EnvPrefix = "PACKRELAY"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "PACKRELAY_DB_DSN"
	EnvDBHost = "PACKRELAY_DB_HOST"
	EnvDBUser = "PACKRELAY_DB_USER"
	EnvDBName = "PACKRELAY_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
