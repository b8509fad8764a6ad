package config

// The database holds the normalized clinical/biospecimen tables used to
// select patient cohorts by query.
type databaseConfig struct {
	// path to the SQLite database file
	Path string `yaml:"path"`
}
