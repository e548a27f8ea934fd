package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"insiderwatch/internal/alerts"
	"insiderwatch/internal/config"
	"insiderwatch/internal/identity"
	"insiderwatch/internal/metrics"
	"insiderwatch/internal/model"
)

var ErrTickInProgress = errors.New("tick already in progress")

// Options carries the collaborators of a Pipeline. Every field is optional.
type Options struct {
	Logger   *slog.Logger
	Sink     ActivitySink
	Notifier Notifier
	Alerts   AlertStore
	History  *alerts.Store
	Stats    *metrics.Store
	Prom     *metrics.Collectors
	Now      func() time.Time
}

// Pipeline owns the rolling window, suspicion counters and alert gate, and
// runs the periodic detect, account, gate, dispatch cycle over them.
type Pipeline struct {
	logger     *slog.Logger
	cfg        atomic.Value
	policy     atomic.Value
	resolver   atomic.Pointer[identity.Resolver]
	window     *RollingWindow
	suspicion  *Suspicion
	gate       *Gate
	dedupe     *DedupeCache
	recorder   *Recorder
	dispatcher *Dispatcher
	stats      *metrics.Store
	prom       *metrics.Collectors
	now        func() time.Time
	started    time.Time
	ticking    atomic.Bool
	lastTick   atomic.Pointer[model.TickReport]
	dispatches sync.WaitGroup
}

func NewPipeline(cfg *config.Config, opts Options) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	p := &Pipeline{
		logger:    opts.Logger,
		window:    NewRollingWindow(cfg.Detection.WindowCapacity),
		suspicion: NewSuspicion(),
		gate:      NewGate(cfg.Cooldown),
		dedupe:    NewDedupeCache(),
		stats:     opts.Stats,
		prom:      opts.Prom,
		now:       now,
		started:   now(),
	}
	p.gate.now = now
	p.cfg.Store(cfg)
	p.policy.Store(buildProcessPolicy(cfg))
	p.resolver.Store(identity.NewResolver(cfg.Identity))

	p.recorder = &Recorder{
		logger:    opts.Logger,
		resolver:  p.resolver.Load,
		sink:      opts.Sink,
		queue:     make(chan model.ActivityEvent, sinkQueueSize(cfg)),
		window:    p.window,
		suspicion: p.suspicion,
		dedupe:    p.dedupe,
		stats:     opts.Stats,
		prom:      opts.Prom,
		cfg:       p.config,
		now:       now,
		done:      make(chan struct{}),
	}
	if opts.Sink == nil {
		close(p.recorder.done)
	}
	p.dispatcher = &Dispatcher{
		logger:   opts.Logger,
		gate:     p.gate,
		notifier: opts.Notifier,
		store:    opts.Alerts,
		history:  opts.History,
		stats:    opts.Stats,
		prom:     opts.Prom,
		cfg:      p.config,
		now:      now,
	}
	return p
}

func sinkQueueSize(cfg *config.Config) int {
	if cfg.Ingest.ChannelBuffer > 0 {
		return cfg.Ingest.ChannelBuffer
	}
	return defaultSinkQueue
}

func (p *Pipeline) UpdateConfig(cfg *config.Config) {
	p.cfg.Store(cfg)
	p.policy.Store(buildProcessPolicy(cfg))
	p.resolver.Store(identity.NewResolver(cfg.Identity))
	p.gate.SetPolicy(cfg.Cooldown)
}

func (p *Pipeline) config() *config.Config {
	if v := p.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (p *Pipeline) processPolicy() *ProcessPolicy {
	if v := p.policy.Load(); v != nil {
		if pp, ok := v.(*ProcessPolicy); ok {
			return pp
		}
	}
	return nil
}

func (p *Pipeline) Recorder() *Recorder          { return p.recorder }
func (p *Pipeline) Dispatcher() *Dispatcher      { return p.dispatcher }
func (p *Pipeline) Gate() *Gate                  { return p.gate }
func (p *Pipeline) Window() *RollingWindow       { return p.window }
func (p *Pipeline) Suspicion() *Suspicion        { return p.suspicion }
func (p *Pipeline) Resolver() *identity.Resolver { return p.resolver.Load() }
func (p *Pipeline) Started() time.Time           { return p.started }

func (p *Pipeline) Record(ctx context.Context, deviceID string, kind model.EventKind, detail string) (model.ActivityEvent, error) {
	return p.recorder.Record(ctx, deviceID, kind, detail)
}

// LastTick returns the report of the most recent completed tick.
func (p *Pipeline) LastTick() (model.TickReport, bool) {
	r := p.lastTick.Load()
	if r == nil {
		return model.TickReport{}, false
	}
	return *r, true
}

// Tick runs one evaluation cycle. Dispatches start in the background; use
// Wait to block until they finish. Counters are reset on every completed
// tick whether or not anything was flagged.
func (p *Pipeline) Tick(ctx context.Context) (model.TickReport, error) {
	if !p.ticking.CompareAndSwap(false, true) {
		p.prom.Tick("skipped", 0)
		return model.TickReport{Skipped: "tick in progress"}, ErrTickInProgress
	}
	defer p.ticking.Store(false)

	cfg := p.config()
	start := p.now()
	report := model.TickReport{Started: start}

	snapshot := p.window.Snapshot()
	report.WindowSize = len(snapshot)
	flagged := NewDetector(detectorConfig(cfg.Detection)).Evaluate(snapshot)
	hits := p.processPolicy().Hits(snapshot)
	report.Anomalies = len(flagged)
	report.PolicyHits = len(hits)
	p.prom.Flagged("model", len(flagged))
	p.prom.Flagged("policy", len(hits))

	counts := p.suspicion.Drain()
	if p.stats != nil {
		p.stats.RecordSuspicion(counts, start)
	}
	report.Candidates = candidatesOf(counts, cfg.Detection.SuspicionThreshold)

	switch {
	case len(snapshot) < cfg.Detection.MinSamples && len(hits) == 0:
		report.Skipped = "insufficient samples"
	case len(flagged) == 0 && len(hits) == 0:
		report.Skipped = "no anomalies"
	case len(report.Candidates) == 0:
		report.Skipped = "no candidates"
	}

	byEmployee := attribute(snapshot, flagged, hits)
	resolver := p.resolver.Load()
	for _, id := range report.Candidates {
		own := byEmployee[id]
		if len(own) == 0 {
			continue
		}
		switch p.gate.State(id) {
		case GateSuppressed:
			report.Suppressed = append(report.Suppressed, id)
			continue
		case GatePending:
			report.InFlight = append(report.InFlight, id)
			continue
		}
		report.Dispatched = append(report.Dispatched, id)
		p.dispatchAsync(ctx, id, p.usernameFor(resolver, id), own)
	}

	report.Duration = p.now().Sub(start)
	p.prom.Tick("ok", report.Duration)
	p.prom.SetWindowSize(report.WindowSize)
	p.lastTick.Store(&report)
	if p.logger != nil {
		p.logger.Info("tick complete",
			"window", report.WindowSize,
			"anomalies", report.Anomalies,
			"policy_hits", report.PolicyHits,
			"candidates", len(report.Candidates),
			"dispatched", len(report.Dispatched),
			"suppressed", len(report.Suppressed),
		)
	}
	return report, nil
}

func (p *Pipeline) dispatchAsync(ctx context.Context, employeeID, username string, anomalies []model.FeatureTuple) {
	p.dispatches.Add(1)
	go func() {
		defer p.dispatches.Done()
		defer func() {
			if r := recover(); r != nil {
				p.gate.release(employeeID)
				if p.logger != nil {
					p.logger.Error("dispatch panic", "employee_id", employeeID, "panic", fmt.Sprint(r))
				}
			}
		}()
		_, _ = p.dispatcher.Dispatch(context.WithoutCancel(ctx), employeeID, username, anomalies)
	}()
}

// Wait blocks until every dispatch started by Tick has finished.
func (p *Pipeline) Wait() {
	p.dispatches.Wait()
}

// Run ticks every detection.tick_interval until ctx is done. A failing or
// panicking tick is logged and the loop continues.
func (p *Pipeline) Run(ctx context.Context) error {
	interval := p.config().Detection.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Wait()
			return ctx.Err()
		case <-ticker.C:
			p.safeTick(ctx)
			if next := p.config().Detection.TickInterval; next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (p *Pipeline) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.prom.Tick("panic", 0)
			if p.logger != nil {
				p.logger.Error("tick panic", "panic", fmt.Sprint(r))
			}
		}
	}()
	if _, err := p.Tick(ctx); err != nil && p.logger != nil {
		if errors.Is(err, ErrTickInProgress) {
			p.logger.Debug("tick skipped", "err", err)
			return
		}
		p.logger.Error("tick failed", "err", err)
	}
}

// Reset clears the window, counters, gate and dedupe cache. Suppression
// under the never cooldown policy is kept. A changed window capacity takes
// effect here.
func (p *Pipeline) Reset() {
	p.window.reset(p.config().Detection.WindowCapacity)
	p.suspicion.ResetAll()
	p.gate.clear()
	p.dedupe.clear()
	p.prom.SetWindowSize(0)
	p.prom.SetSuppressed(len(p.gate.Suppressed()))
	if p.logger != nil {
		p.logger.Warn("pipeline reset")
	}
}

// attribute groups flagged and policy tuples by employee in arrival order.
func attribute(snapshot, flagged, hits []model.FeatureTuple) map[string][]model.FeatureTuple {
	if len(flagged) == 0 && len(hits) == 0 {
		return nil
	}
	marked := make(map[string]bool, len(flagged)+len(hits))
	for _, t := range flagged {
		marked[t.EventID] = marked[t.EventID] || t.Policy
	}
	for _, t := range hits {
		marked[t.EventID] = true
	}
	out := make(map[string][]model.FeatureTuple)
	for _, t := range snapshot {
		policy, ok := marked[t.EventID]
		if !ok {
			continue
		}
		t.Policy = policy
		out[t.EmployeeID] = append(out[t.EmployeeID], t)
	}
	return out
}

func (p *Pipeline) usernameFor(r *identity.Resolver, employeeID string) string {
	if emp, ok := r.Employee(employeeID); ok {
		return emp.Username
	}
	if p.stats != nil {
		if st, ok := p.stats.Get(employeeID); ok && st.Username != "" {
			return st.Username
		}
	}
	if employeeID == "" {
		return identity.Unknown
	}
	return employeeID
}
