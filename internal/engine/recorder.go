package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"insiderwatch/internal/config"
	"insiderwatch/internal/identity"
	"insiderwatch/internal/metrics"
	"insiderwatch/internal/model"
)

// ActivitySink receives every recorded event. Delivery is best effort.
type ActivitySink interface {
	SaveActivity(ctx context.Context, ev model.ActivityEvent) error
}

const (
	defaultSinkQueue = 1024
	sinkSaveTimeout  = 5 * time.Second
)

// Recorder is the single ingestion point. Every producer funnels through
// Record or RecordEvent.
type Recorder struct {
	logger    *slog.Logger
	resolver  func() *identity.Resolver
	sink      ActivitySink
	queue     chan model.ActivityEvent
	window    *RollingWindow
	suspicion *Suspicion
	dedupe    *DedupeCache
	stats     *metrics.Store
	prom      *metrics.Collectors
	cfg       func() *config.Config
	now       func() time.Time
	startOnce sync.Once
	done      chan struct{}
}

// Record builds an event for deviceID with the current time and the
// resolved employee, then records it.
func (r *Recorder) Record(ctx context.Context, deviceID string, kind model.EventKind, detail string) (model.ActivityEvent, error) {
	if err := ctx.Err(); err != nil {
		return model.ActivityEvent{}, err
	}
	if !kind.Valid() {
		return model.ActivityEvent{}, fmt.Errorf("record %q: %w", kind, model.ErrUnknownKind)
	}
	resolver := r.resolver()
	if deviceID == "" {
		deviceID = resolver.DefaultDevice()
	}
	emp, _ := resolver.Resolve(deviceID)
	ev := model.ActivityEvent{
		ID:         uuid.NewString(),
		Timestamp:  r.now(),
		DeviceID:   deviceID,
		EmployeeID: emp.ID,
		Username:   emp.Username,
		Kind:       kind,
		Detail:     detail,
		DetailLen:  len(detail),
		Source:     "local",
	}
	r.accept(ev)
	return ev, nil
}

// RecordEvent records an event built by a transport. Missing ID, timestamp
// or identity are filled in. The bool is false when the event was a
// redelivery inside the dedupe window.
func (r *Recorder) RecordEvent(ctx context.Context, ev model.ActivityEvent) (model.ActivityEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return ev, false, err
	}
	if !ev.Kind.Valid() {
		return ev, false, fmt.Errorf("record %q: %w", ev.Kind, model.ErrUnknownKind)
	}
	now := r.now()
	resolver := r.resolver()
	if ev.DeviceID == "" {
		ev.DeviceID = resolver.DefaultDevice()
	}
	if ev.EmployeeID == "" {
		emp, _ := resolver.Resolve(ev.DeviceID)
		ev.EmployeeID = emp.ID
		if ev.Username == "" {
			ev.Username = emp.Username
		}
	} else if ev.Username == "" {
		if emp, ok := resolver.Employee(ev.EmployeeID); ok {
			ev.Username = emp.Username
		} else {
			ev.Username = identity.Unknown
		}
	}
	if r.dedupe.Seen(ev.ID, now, r.cfg().Detection.DedupeWindow) {
		if r.logger != nil {
			r.logger.Debug("duplicate event dropped", "event_id", ev.ID, "source", ev.Source)
		}
		return ev, false, nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.DetailLen = len(ev.Detail)
	r.accept(ev)
	return ev, true, nil
}

func (r *Recorder) accept(ev model.ActivityEvent) {
	r.enqueue(ev)
	r.window.Append(FeatureOf(ev, r.cfg().Detection.BucketPeriod))
	r.suspicion.Increment(ev.EmployeeID)
	if r.stats != nil {
		r.stats.Observe(ev)
	}
	r.prom.EventRecorded(string(ev.Kind))
	r.prom.SetWindowSize(r.window.Len())
}

func (r *Recorder) enqueue(ev model.ActivityEvent) {
	if r.sink == nil {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.prom.SinkDrop()
		if r.logger != nil {
			r.logger.Warn("activity sink queue full, event not logged", "event_id", ev.ID, "employee_id", ev.EmployeeID)
		}
	}
}

// StartSink runs the sink writer until ctx is done, then flushes what is
// already queued. Calling it more than once has no effect.
func (r *Recorder) StartSink(ctx context.Context) {
	if r.sink == nil {
		return
	}
	r.startOnce.Do(func() {
		go func() {
			defer close(r.done)
			for {
				select {
				case ev := <-r.queue:
					r.save(context.Background(), ev)
				case <-ctx.Done():
					r.flush()
					return
				}
			}
		}()
	})
}

// Done is closed once the sink writer has flushed and exited.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) flush() {
	for {
		select {
		case ev := <-r.queue:
			r.save(context.Background(), ev)
		default:
			return
		}
	}
}

func (r *Recorder) save(ctx context.Context, ev model.ActivityEvent) {
	ctx, cancel := context.WithTimeout(ctx, sinkSaveTimeout)
	defer cancel()
	if err := r.sink.SaveActivity(ctx, ev); err != nil {
		r.prom.SinkFailed()
		if r.logger != nil {
			r.logger.Warn("activity sink write failed", "event_id", ev.ID, "err", err)
		}
	}
}
