// Package ingest carries activity records from remote capture producers
// into the recorder. Every transport normalizes into a shared channel that
// Pump drains.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"insiderwatch/internal/model"
)

// Recorder is the ingestion point transports feed.
type Recorder interface {
	RecordEvent(ctx context.Context, ev model.ActivityEvent) (model.ActivityEvent, bool, error)
}

func SendNonBlocking(ctx context.Context, out chan<- model.ActivityEvent, ev model.ActivityEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "device_id", ev.DeviceID, "kind", ev.Kind, "source", ev.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Pump moves normalized events from the ingest channel into the recorder.
type Pump struct {
	in     <-chan model.ActivityEvent
	rec    Recorder
	logger *slog.Logger
}

func NewPump(in <-chan model.ActivityEvent, rec Recorder, logger *slog.Logger) *Pump {
	return &Pump{in: in, rec: rec, logger: logger}
}

func (p *Pump) Serve(ctx context.Context) error {
	for {
		select {
		case ev := <-p.in:
			if _, _, err := p.rec.RecordEvent(ctx, ev); err != nil && !errors.Is(err, context.Canceled) && p.logger != nil {
				p.logger.Warn("ingest record failed", "event_id", ev.ID, "source", ev.Source, "err", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pump) String() string { return "ingest-pump" }
