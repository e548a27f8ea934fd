package storage

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/insiderwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, d: postgresDialect}}, nil
}

var postgresDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS activities (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			device_id TEXT NOT NULL,
			employee_id TEXT NOT NULL,
			username TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL,
			detail_len INTEGER NOT NULL,
			source TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_activities_event ON activities(event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_employee_ts ON activities(employee_id, ts)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			employee_id TEXT NOT NULL,
			username TEXT NOT NULL,
			alert_time TIMESTAMPTZ NOT NULL,
			subject TEXT NOT NULL,
			details TEXT NOT NULL,
			device_ids_json JSONB NOT NULL,
			anomalies_json JSONB NOT NULL,
			channel TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_time ON alerts(alert_time)`,
	},
	bind: func(n int) string { return "$" + strconv.Itoa(n) },
	insertActivity: `INSERT INTO activities (event_id, ts, device_id, employee_id, username, kind, detail, detail_len, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING`,
	encodeTime: func(t time.Time) any {
		return t.UTC()
	},
}
