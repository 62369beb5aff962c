package env

const (
	// Prefix is the ENV variable prefix for all service configuration
	Prefix = "P2PDESK_"

	// DBURLSuffix is the ENV variable suffix for the Postgres DSN
	DBURLSuffix = "DB_URL"
)
