package repository

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "github.com/lib/pq"
)

// openPostgres connects to the shared manifest database used when several
// Kestrel replicas record the models they serve.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	dsn := postgresDSN(cfg)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres manifest store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres manifest store: %w", err)
	}

	return db, nil
}

// postgresDSN builds a URL-form connection string so credentials with spaces
// or quotes need no escaping by the caller.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + dbname,
	}
	if cfg.PostgresUser != "" {
		if cfg.PostgresPassword != "" {
			u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
		} else {
			u.User = url.User(cfg.PostgresUser)
		}
	}

	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("application_name", "kestrel")
	q.Set("connect_timeout", "10")
	u.RawQuery = q.Encode()

	return u.String()
}
