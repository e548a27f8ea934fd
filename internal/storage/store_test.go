package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"insiderwatch/internal/config"
	"insiderwatch/internal/model"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	st, err := NewStore(config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestNewStoreDisabledAndUnsupported(t *testing.T) {
	st, err := NewStore(config.StorageConfig{Enabled: false})
	if err != nil || st != nil {
		t.Fatalf("disabled storage should return nil, nil")
	}
	_, err = NewStore(config.StorageConfig{Enabled: true, Driver: "oracle"})
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
}

func TestSQLiteActivities(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	events := []model.ActivityEvent{
		{ID: "a1", Timestamp: base, DeviceID: "dev-1", EmployeeID: "E1", Username: "alice", Kind: model.KindInput, Detail: "key:a", DetailLen: 5, Source: "local"},
		{ID: "a2", Timestamp: base.Add(time.Second), DeviceID: "dev-2", EmployeeID: "E2", Username: "bob", Kind: model.KindMedia, Detail: "E:", DetailLen: 2},
		{ID: "a3", Timestamp: base.Add(2 * time.Second), DeviceID: "dev-1", EmployeeID: "E1", Username: "alice", Kind: model.KindProcess, Detail: "bash pid=1", DetailLen: 10},
	}
	for _, ev := range events {
		if err := st.SaveActivity(ctx, ev); err != nil {
			t.Fatalf("save activity: %v", err)
		}
	}
	if err := st.SaveActivity(ctx, events[0]); err != nil {
		t.Fatalf("repeated event id should be ignored, got %v", err)
	}

	all, err := st.ListActivities(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 activities, got %d", len(all))
	}
	mine, err := st.ListActivities(ctx, "E1", 10)
	if err != nil {
		t.Fatalf("list E1: %v", err)
	}
	if len(mine) != 2 || mine[0].ID != "a3" || mine[1].ID != "a1" {
		t.Fatalf("unexpected E1 activities %+v", mine)
	}
	if !mine[1].Timestamp.Equal(base) || mine[1].Kind != model.KindInput || mine[1].Source != "local" {
		t.Fatalf("activity did not round-trip: %+v", mine[1])
	}
}

func TestSQLiteAlerts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	older := model.Alert{ID: "al-1", EmployeeID: "E2", Username: "bob", AlertTime: at.Add(-time.Hour), Subject: "s1", Details: "d1"}
	newer := model.Alert{
		ID:         "al-2",
		EmployeeID: "E1",
		Username:   "alice",
		DeviceIDs:  []string{"dev-1"},
		AlertTime:  at,
		Subject:    "[Insider Threat Alert] Security Violation - alice",
		Details:    "body",
		Anomalies:  []model.FeatureTuple{{EventID: "a1", Kind: model.KindMedia, Length: 400, Summary: "xxx"}},
		Channel:    "email",
	}
	for _, a := range []model.Alert{older, newer} {
		if err := st.SaveAlert(ctx, a); err != nil {
			t.Fatalf("save alert: %v", err)
		}
	}
	got, err := st.ListAlerts(ctx, 10)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(got) != 2 || got[0].ID != "al-2" {
		t.Fatalf("expected newest first, got %+v", got)
	}
	a := got[0]
	if !a.AlertTime.Equal(at) || a.Channel != "email" || len(a.DeviceIDs) != 1 || len(a.Anomalies) != 1 || a.Anomalies[0].Length != 400 {
		t.Fatalf("alert did not round-trip: %+v", a)
	}
	limited, err := st.ListAlerts(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit not applied: %v %d", err, len(limited))
	}
}

func TestRebind(t *testing.T) {
	b := &baseStore{d: postgresDialect}
	got := b.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Fatalf("unexpected rebind %q", got)
	}
	s := &baseStore{d: sqliteDialect}
	if s.rebind("a = ?") != "a = ?" {
		t.Fatalf("sqlite should keep ? placeholders")
	}
}
