package storage

import (
	"fmt"
	"os"
)

// InitStore connects to Postgres using connStr, falling back to the
// DB_* environment variables when connStr is empty.
func InitStore(connStr string) (*PostgresStore, error) {
	if connStr == "" {
		var err error
		connStr, err = ConnStrFromEnv()
		if err != nil {
			return nil, err
		}
	}
	return NewPostgresStore(connStr)
}

// ConnStrFromEnv assembles a Postgres connection string from the DB_*
// environment variables.
func ConnStrFromEnv() (string, error) {
	username := os.Getenv("DB_USERNAME")
	password := os.Getenv("DB_PASSWORD")
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	name := os.Getenv("DB_NAME")
	if username == "" || password == "" || host == "" || port == "" || name == "" {
		return "", fmt.Errorf("DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT and DB_NAME must all be set")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		username, password, host, port, name), nil
}
