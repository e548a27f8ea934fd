package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:insiderwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer avoids SQLITE_BUSY between the sink goroutine and dispatches.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, d: sqliteDialect}}, nil
}

// Times are stored as fixed-width RFC 3339 text so ORDER BY sorts them.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var sqliteDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS activities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			ts TEXT NOT NULL,
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
			alert_time TEXT NOT NULL,
			subject TEXT NOT NULL,
			details TEXT NOT NULL,
			device_ids_json TEXT NOT NULL,
			anomalies_json TEXT NOT NULL,
			channel TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_time ON alerts(alert_time)`,
	},
	insertActivity: `INSERT INTO activities (event_id, ts, device_id, employee_id, username, kind, detail, detail_len, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
	encodeTime: func(t time.Time) any {
		return t.UTC().Format(sqliteTimeLayout)
	},
}
