package repository

import (
	"database/sql"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/heron/internal/domain"
)

func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	return openAndPing("postgres", postgresDSN(cfg))
}

// postgresDSN renders cfg as a postgres:// URL so credentials containing
// spaces or quotes survive intact.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := orDefault(cfg.PostgresHost, "localhost")
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}

	q := url.Values{}
	q.Set("sslmode", orDefault(cfg.PostgresSSLMode, "disable"))
	q.Set("application_name", "heron")
	q.Set("connect_timeout", "5")

	u := url.URL{
		Scheme:   "postgres",
		Host:     host + ":" + strconv.Itoa(port),
		Path:     "/" + orDefault(cfg.PostgresDB, "heron"),
		RawQuery: q.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u.String()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
