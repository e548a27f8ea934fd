package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"insiderwatch/internal/alerts"
	"insiderwatch/internal/config"
	"insiderwatch/internal/metrics"
	"insiderwatch/internal/model"
)

// Notifier delivers a rendered alert to a human reviewer.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg model.Notification) error
}

// AlertStore persists dispatched alerts.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert model.Alert) error
}

type Status string

const (
	StatusSent       Status = "sent"
	StatusSuppressed Status = "suppressed"
	StatusInFlight   Status = "in_flight"
	StatusFailed     Status = "failed"
)

var ErrNotifyFailed = errors.New("notification failed")

type Result struct {
	Status Status
	Alert  model.Alert
}

// Sent reports whether the employee has been notified about, either by
// this call or an earlier one.
func (r Result) Sent() bool {
	return r.Status == StatusSent || r.Status == StatusSuppressed
}

// Dispatcher renders, sends and records alerts, moving the gate through
// Pending to Suppressed on success or back to Armed on failure.
type Dispatcher struct {
	logger   *slog.Logger
	gate     *Gate
	notifier Notifier
	store    AlertStore
	history  *alerts.Store
	stats    *metrics.Store
	prom     *metrics.Collectors
	cfg      func() *config.Config
	now      func() time.Time
}

func (d *Dispatcher) Dispatch(ctx context.Context, employeeID, username string, anomalies []model.FeatureTuple) (Result, error) {
	prior, owned := d.gate.claim(employeeID)
	if !owned {
		status := StatusSuppressed
		if prior == GatePending {
			status = StatusInFlight
		}
		d.prom.Dispatched(string(status))
		return Result{Status: status}, nil
	}

	cfg := d.cfg()
	alert := model.Alert{
		ID:         uuid.NewString(),
		EmployeeID: employeeID,
		Username:   username,
		DeviceIDs:  deviceIDs(anomalies),
		AlertTime:  d.now(),
		Anomalies:  append([]model.FeatureTuple(nil), anomalies...),
	}
	if d.notifier != nil {
		alert.Channel = d.notifier.Name()
	}
	msg, err := renderAlert(&alert, cfg.Notify.SubjectPrefix, cfg.Notify.Recipient)
	if err == nil {
		err = d.send(ctx, cfg.Notify.Timeout, msg)
	}
	if err != nil {
		d.gate.release(employeeID)
		d.prom.Dispatched(string(StatusFailed))
		if d.logger != nil {
			d.logger.Error("alert dispatch failed", "employee_id", employeeID, "alert_id", alert.ID, "err", err)
		}
		return Result{Status: StatusFailed, Alert: alert}, fmt.Errorf("dispatch alert for %s: %w", employeeID, err)
	}

	d.gate.suppress(employeeID)
	d.prom.Dispatched(string(StatusSent))
	d.prom.SetSuppressed(len(d.gate.Suppressed()))
	if d.history != nil {
		d.history.Add(alert)
	}
	if d.stats != nil {
		d.stats.RecordAlert(employeeID)
	}
	if d.store != nil {
		if err := d.store.SaveAlert(ctx, alert); err != nil && d.logger != nil {
			d.logger.Warn("alert store write failed", "alert_id", alert.ID, "err", err)
		}
	}
	if d.logger != nil {
		d.logger.Warn("alert dispatched",
			"employee_id", employeeID,
			"username", username,
			"alert_id", alert.ID,
			"anomalies", len(anomalies),
			"channel", alert.Channel,
		)
	}
	return Result{Status: StatusSent, Alert: alert}, nil
}

func (d *Dispatcher) send(ctx context.Context, timeout time.Duration, msg model.Notification) error {
	if d.notifier == nil {
		return fmt.Errorf("%w: no notification channel configured", ErrNotifyFailed)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := d.notifier.Notify(ctx, msg); err != nil {
		return fmt.Errorf("%w via %s: %w", ErrNotifyFailed, d.notifier.Name(), err)
	}
	return nil
}
