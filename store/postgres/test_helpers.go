package postgres

// NewTestClient connects to a local postgres database dedicated to tests,
// the same connection-by-parts convention NewClient uses for the engine's
// --postgres-* flags.
func NewTestClient() (*Client, error) {
	return NewClient(Config{
		Host:     "localhost",
		DBName:   "flowcore_test",
		User:     "postgres",
		Password: "postgres",
		SSLMode:  "disable",
	})
}
