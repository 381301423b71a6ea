package db

// Store drivers selectable through configuration.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)
