package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"insiderwatch/internal/config"
	"insiderwatch/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// Store is the activity log and alert store. Both drivers share one schema
// shape and differ only in column types and bind syntax.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveActivity(ctx context.Context, ev model.ActivityEvent) error
	SaveAlert(ctx context.Context, alert model.Alert) error
	ListAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	ListActivities(ctx context.Context, employeeID string, limit int) ([]model.ActivityEvent, error)
}

// NewStore returns nil when storage is disabled.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "sqlite3":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql", "pgx":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

type dialect struct {
	schema []string
	bind   func(n int) string
	// insertActivity must ignore a repeated event_id.
	insertActivity string
	encodeTime     func(time.Time) any
}

type baseStore struct {
	db *sql.DB
	d  dialect
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.d.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (b *baseStore) SaveActivity(ctx context.Context, ev model.ActivityEvent) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.d.insertActivity,
		ev.ID,
		b.d.encodeTime(ev.Timestamp),
		ev.DeviceID,
		ev.EmployeeID,
		ev.Username,
		string(ev.Kind),
		ev.Detail,
		ev.DetailLen,
		ev.Source,
	)
	if err != nil {
		return fmt.Errorf("save activity %s: %w", ev.ID, err)
	}
	return nil
}

func (b *baseStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO alerts (id, employee_id, username, alert_time, subject, details, device_ids_json, anomalies_json, channel)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		alert.ID,
		alert.EmployeeID,
		alert.Username,
		b.d.encodeTime(alert.AlertTime),
		alert.Subject,
		alert.Details,
		encodeJSON(alert.DeviceIDs),
		encodeJSON(alert.Anomalies),
		alert.Channel,
	)
	if err != nil {
		return fmt.Errorf("save alert %s: %w", alert.ID, err)
	}
	return nil
}

// ListAlerts returns the newest alerts first.
func (b *baseStore) ListAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT id, employee_id, username, alert_time, subject, details, device_ids_json, anomalies_json, channel
		FROM alerts ORDER BY alert_time DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var (
			a                  model.Alert
			at                 timeScanner
			devices, anomalies string
			channel            sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.EmployeeID, &a.Username, &at, &a.Subject, &a.Details, &devices, &anomalies, &channel); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.AlertTime = at.Time
		a.Channel = channel.String
		if err := decodeJSON(devices, &a.DeviceIDs); err != nil {
			return nil, fmt.Errorf("decode alert %s devices: %w", a.ID, err)
		}
		if err := decodeJSON(anomalies, &a.Anomalies); err != nil {
			return nil, fmt.Errorf("decode alert %s anomalies: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListActivities returns the newest events for employeeID, or for everyone
// when employeeID is empty.
func (b *baseStore) ListActivities(ctx context.Context, employeeID string, limit int) ([]model.ActivityEvent, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT event_id, ts, device_id, employee_id, username, kind, detail, detail_len, source FROM activities`
	args := []any{}
	if employeeID != "" {
		query += ` WHERE employee_id = ?`
		args = append(args, employeeID)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()
	var out []model.ActivityEvent
	for rows.Next() {
		var (
			ev     model.ActivityEvent
			ts     timeScanner
			kind   string
			source sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.DeviceID, &ev.EmployeeID, &ev.Username, &kind, &ev.Detail, &ev.DetailLen, &source); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		ev.Timestamp = ts.Time
		ev.Kind = model.EventKind(kind)
		ev.Source = source.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// rebind rewrites ? placeholders into the dialect's bind syntax.
func (b *baseStore) rebind(query string) string {
	if b.d.bind == nil {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString(b.d.bind(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// timeScanner accepts the native time values of either driver as well as
// the RFC 3339 text sqlite stores.
type timeScanner struct {
	Time time.Time
}

func (t *timeScanner) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = v.UTC()
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
	return nil
}

func (t *timeScanner) parse(s string) error {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = ts.UTC()
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeJSON(raw string, dst any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
