package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"insiderwatch/internal/alerts"
	"insiderwatch/internal/config"
	"insiderwatch/internal/metrics"
	"insiderwatch/internal/model"
)

type fakeNotifier struct {
	mu   sync.Mutex
	err  error
	sent []model.Notification
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) Notify(ctx context.Context, msg model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeNotifier) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeAlertStore struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (f *fakeAlertStore) SaveAlert(ctx context.Context, a model.Alert) error {
	f.mu.Lock()
	f.alerts = append(f.alerts, a)
	f.mu.Unlock()
	return nil
}

func (f *fakeAlertStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type fakeSink struct {
	mu  sync.Mutex
	err error
	got []model.ActivityEvent
}

func (f *fakeSink) SaveActivity(ctx context.Context, ev model.ActivityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ev)
	return f.err
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Identity.DefaultDevice = "dev-1"
	cfg.Identity.Devices = map[string]config.EmployeeConfig{
		"dev-1": {EmployeeID: "E1", Username: "alice"},
		"dev-2": {EmployeeID: "E2", Username: "bob"},
	}
	cfg.Notify.Recipient = "soc@example.com"
	return cfg
}

type harness struct {
	p        *Pipeline
	notifier *fakeNotifier
	store    *fakeAlertStore
	history  *alerts.Store
	clock    time.Time
}

func newHarness(cfg *config.Config) *harness {
	h := &harness{
		notifier: &fakeNotifier{},
		store:    &fakeAlertStore{},
		history:  alerts.NewStore(100),
		clock:    time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC),
	}
	h.p = NewPipeline(cfg, Options{
		Notifier: h.notifier,
		Alerts:   h.store,
		History:  h.history,
		Stats:    metrics.NewStore(100),
		Prom:     metrics.NewCollectors(),
		Now:      func() time.Time { return h.clock },
	})
	return h
}

func (h *harness) record(t *testing.T, device string, kind model.EventKind, detail string) {
	t.Helper()
	if _, err := h.p.Record(context.Background(), device, kind, detail); err != nil {
		t.Fatalf("record: %v", err)
	}
}

// feedOutlier records eleven identical input events and one long one.
func (h *harness) feedOutlier(t *testing.T, device string) {
	t.Helper()
	for i := 0; i < 11; i++ {
		h.record(t, device, model.KindInput, "key:a")
	}
	h.record(t, device, model.KindMedia, strings.Repeat("x", 400))
}

func tuple(bucket, length float64) model.FeatureTuple {
	return model.FeatureTuple{Bucket: bucket, Length: length}
}

func TestRollingWindowBoundAndOrder(t *testing.T) {
	w := NewRollingWindow(3)
	for i := 0; i < 7; i++ {
		w.Append(model.FeatureTuple{EventID: fmt.Sprint(i)})
		if w.Len() > 3 {
			t.Fatalf("window exceeded capacity: %d", w.Len())
		}
	}
	snap := w.Snapshot()
	want := []string{"4", "5", "6"}
	if len(snap) != len(want) {
		t.Fatalf("expected %d tuples, got %d", len(want), len(snap))
	}
	for i, id := range want {
		if snap[i].EventID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, snap[i].EventID)
		}
	}
	snap[0].EventID = "mutated"
	if w.Snapshot()[0].EventID != "4" {
		t.Fatalf("snapshot must be a copy")
	}
	w.reset(5)
	if w.Len() != 0 || w.Cap() != 5 {
		t.Fatalf("reset: len=%d cap=%d", w.Len(), w.Cap())
	}
}

func TestRollingWindowPartial(t *testing.T) {
	w := NewRollingWindow(4)
	w.Append(model.FeatureTuple{EventID: "a"})
	w.Append(model.FeatureTuple{EventID: "b"})
	snap := w.Snapshot()
	if len(snap) != 2 || snap[0].EventID != "a" || snap[1].EventID != "b" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestDetectorBelowMinSamples(t *testing.T) {
	d := NewDetector(DetectorConfig{MinSamples: 10, Contamination: 0.2, Seed: 42})
	snap := make([]model.FeatureTuple, 9)
	for i := range snap {
		snap[i] = tuple(float64(i), float64(i*100))
	}
	if got := d.Evaluate(snap); len(got) != 0 {
		t.Fatalf("expected no anomalies below min samples, got %d", len(got))
	}
}

func TestDetectorIdenticalPoints(t *testing.T) {
	d := NewDetector(DetectorConfig{MinSamples: 10, Contamination: 0.2, Seed: 42})
	snap := make([]model.FeatureTuple, 20)
	for i := range snap {
		snap[i] = tuple(30, 5)
	}
	if got := d.Evaluate(snap); len(got) != 0 {
		t.Fatalf("expected no anomalies for a constant window, got %d", len(got))
	}
}

func TestDetectorFlagsLengthOutlier(t *testing.T) {
	d := NewDetector(DetectorConfig{MinSamples: 10, Contamination: 0.2, Seed: 42})
	var snap []model.FeatureTuple
	for i := 0; i < 11; i++ {
		snap = append(snap, model.FeatureTuple{Bucket: 900, Length: 5, EventID: fmt.Sprint(i)})
	}
	snap = append(snap, model.FeatureTuple{Bucket: 900, Length: 400, EventID: "outlier"})
	got := d.Evaluate(snap)
	if len(got) != 1 || got[0].EventID != "outlier" {
		t.Fatalf("expected only the outlier, got %+v", got)
	}
}

func TestDetectorDeterministic(t *testing.T) {
	d := NewDetector(DetectorConfig{MinSamples: 10, Contamination: 0.2, Seed: 42})
	var snap []model.FeatureTuple
	for i := 0; i < 60; i++ {
		snap = append(snap, model.FeatureTuple{
			Bucket:  float64((i * 37) % 3600),
			Length:  float64((i * 13) % 50),
			EventID: fmt.Sprint(i),
		})
	}
	first := d.Evaluate(snap)
	if len(first) == 0 {
		t.Fatalf("expected some anomalies")
	}
	for run := 0; run < 3; run++ {
		again := d.Evaluate(snap)
		if len(again) != len(first) {
			t.Fatalf("run %d: %d anomalies, first run had %d", run, len(again), len(first))
		}
		for i := range first {
			if again[i].EventID != first[i].EventID {
				t.Fatalf("run %d: flagged set differs at %d", run, i)
			}
		}
	}
	if limit := int(0.2*float64(len(snap))) + 1; len(first) > limit {
		t.Fatalf("flagged %d points, more than contamination allows (%d)", len(first), limit)
	}
}

func TestTimeBucket(t *testing.T) {
	ts := time.Date(2026, 1, 1, 10, 30, 15, 0, time.UTC)
	if got := timeBucket(ts, time.Hour); got != 30*60+15 {
		t.Fatalf("hour bucket: got %v", got)
	}
	if got := timeBucket(ts, 24*time.Hour); got != 10*3600+30*60+15 {
		t.Fatalf("day bucket: got %v", got)
	}
}

func TestSuspicionCandidatesAndDrain(t *testing.T) {
	s := NewSuspicion()
	s.Increment("E2")
	s.Increment("E1")
	s.Increment("E1")
	s.Increment("E3")
	s.Increment("E3")
	got := s.Candidates(2)
	if len(got) != 2 || got[0] != "E1" || got[1] != "E3" {
		t.Fatalf("unexpected candidates %v", got)
	}
	drained := s.Drain()
	if drained["E1"] != 2 || drained["E2"] != 1 {
		t.Fatalf("unexpected drained counts %v", drained)
	}
	if s.Count("E1") != 0 || len(s.Snapshot()) != 0 {
		t.Fatalf("counters not reset after drain")
	}
}

func TestGateTransitions(t *testing.T) {
	g := NewGate(config.CooldownConfig{Policy: config.CooldownManual})
	if !g.Admit("E1") {
		t.Fatalf("new employee should be armed")
	}
	if _, ok := g.claim("E1"); !ok {
		t.Fatalf("claim on armed employee failed")
	}
	if st, ok := g.claim("E1"); ok || st != GatePending {
		t.Fatalf("second claim should see pending, got %s %v", st, ok)
	}
	g.release("E1")
	if !g.Admit("E1") {
		t.Fatalf("release should re-arm")
	}
	g.claim("E1")
	g.suppress("E1")
	if g.Admit("E1") || g.State("E1") != GateSuppressed {
		t.Fatalf("expected suppressed after confirmed send")
	}
	if _, ok := g.Suppressed()["E1"]; !ok {
		t.Fatalf("suppressed listing missing E1")
	}
	if err := g.Reset("E1"); err != nil {
		t.Fatalf("manual reset: %v", err)
	}
	if !g.Admit("E1") {
		t.Fatalf("reset should re-arm")
	}
}

func TestGateNeverPolicy(t *testing.T) {
	g := NewGate(config.CooldownConfig{Policy: config.CooldownNever})
	g.claim("E1")
	g.suppress("E1")
	if err := g.Reset("E1"); !errors.Is(err, ErrResetDisabled) {
		t.Fatalf("expected ErrResetDisabled, got %v", err)
	}
	if err := g.ResetAll(); !errors.Is(err, ErrResetDisabled) {
		t.Fatalf("expected ErrResetDisabled, got %v", err)
	}
	if g.Admit("E1") {
		t.Fatalf("never policy must keep E1 suppressed")
	}
}

func TestGateExpirePolicy(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGate(config.CooldownConfig{Policy: config.CooldownExpire, TTL: time.Hour})
	g.now = func() time.Time { return now }
	g.claim("E1")
	g.suppress("E1")
	now = now.Add(30 * time.Minute)
	if g.Admit("E1") {
		t.Fatalf("should still be suppressed before ttl")
	}
	now = now.Add(31 * time.Minute)
	if !g.Admit("E1") {
		t.Fatalf("should re-arm after ttl")
	}
}

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache()
	now := time.Now()
	if d.Seen("a", now, time.Minute) {
		t.Fatalf("first sighting is not a duplicate")
	}
	if !d.Seen("a", now.Add(10*time.Second), time.Minute) {
		t.Fatalf("expected duplicate inside window")
	}
	if d.Seen("a", now.Add(2*time.Minute), time.Minute) {
		t.Fatalf("expected fresh sighting after window")
	}
	if d.Seen("", now, time.Minute) || d.Seen("b", now, 0) {
		t.Fatalf("empty id or zero ttl never dedupes")
	}
}

func TestProcessPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = config.PolicyConfig{
		Enabled:          true,
		AllowOnly:        true,
		AllowedProcesses: []string{"code.exe", "Chrome"},
		DeniedProcesses:  []string{"torbrowser"},
	}
	p := buildProcessPolicy(cfg)
	cases := []struct {
		kind   model.EventKind
		detail string
		want   bool
	}{
		{model.KindProcess, `C:\Program Files\Chrome.exe pid=42`, false},
		{model.KindProcess, "process: code pid=7", false},
		{model.KindProcess, "/usr/bin/torbrowser pid=9", true},
		{model.KindProcess, "steam.exe pid=11", true},
		{model.KindInput, "steam.exe", false},
	}
	for _, tc := range cases {
		got := p.Violates(model.FeatureTuple{Kind: tc.kind, Summary: tc.detail})
		if got != tc.want {
			t.Fatalf("%s %q: expected %v, got %v", tc.kind, tc.detail, tc.want, got)
		}
	}
}

func TestRecordRejectsUnknownKind(t *testing.T) {
	h := newHarness(testConfig())
	if _, err := h.p.Record(context.Background(), "dev-1", model.EventKind("telepathy"), ""); !errors.Is(err, model.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if h.p.Window().Len() != 0 || h.p.Suspicion().Count("E1") != 0 {
		t.Fatalf("rejected event must not touch state")
	}
}

func TestRecordResolvesIdentity(t *testing.T) {
	h := newHarness(testConfig())
	ev, err := h.p.Record(context.Background(), "", model.KindInput, "")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if ev.DeviceID != "dev-1" || ev.EmployeeID != "E1" || ev.Username != "alice" || ev.DetailLen != 0 {
		t.Fatalf("unexpected event %+v", ev)
	}
	ev, _ = h.p.Record(context.Background(), "laptop-9", model.KindMedia, "E:")
	if ev.EmployeeID != "unknown" || ev.Username != "unknown" {
		t.Fatalf("unmapped device should resolve to unknown, got %+v", ev)
	}
	if h.p.Window().Len() != 2 || h.p.Suspicion().Count("E1") != 1 || h.p.Suspicion().Count("unknown") != 1 {
		t.Fatalf("window or counters not updated")
	}
}

func TestRecordEventDedupe(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.DedupeWindow = time.Minute
	h := newHarness(cfg)
	ev := model.ActivityEvent{ID: "evt-1", DeviceID: "dev-2", Kind: model.KindProcess, Detail: "bash pid=1"}
	got, ok, err := h.p.Recorder().RecordEvent(context.Background(), ev)
	if err != nil || !ok {
		t.Fatalf("first delivery: ok=%v err=%v", ok, err)
	}
	if got.EmployeeID != "E2" || got.Username != "bob" || got.DetailLen != len("bash pid=1") {
		t.Fatalf("unexpected event %+v", got)
	}
	if _, ok, _ := h.p.Recorder().RecordEvent(context.Background(), ev); ok {
		t.Fatalf("redelivery should be dropped")
	}
	if h.p.Window().Len() != 1 || h.p.Suspicion().Count("E2") != 1 {
		t.Fatalf("duplicate must not be recorded twice")
	}
}

func TestRecordSinkFailureIsNotFatal(t *testing.T) {
	sink := &fakeSink{err: errors.New("disk full")}
	p := NewPipeline(testConfig(), Options{Sink: sink})
	ctx, cancel := context.WithCancel(context.Background())
	p.Recorder().StartSink(ctx)
	for i := 0; i < 3; i++ {
		if _, err := p.Record(context.Background(), "dev-1", model.KindInput, "k"); err != nil {
			t.Fatalf("record must not surface sink errors: %v", err)
		}
	}
	cancel()
	<-p.Recorder().Done()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 3 {
		t.Fatalf("expected 3 sink writes, got %d", len(sink.got))
	}
	if p.Window().Len() != 3 {
		t.Fatalf("window should hold all events despite sink failures")
	}
}

func TestTickResetsCounters(t *testing.T) {
	h := newHarness(testConfig())
	for i := 0; i < 3; i++ {
		h.record(t, "dev-1", model.KindInput, "k")
		h.record(t, "dev-2", model.KindInput, "k")
	}
	report, err := h.p.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.p.Wait()
	if len(report.Candidates) != 2 {
		t.Fatalf("expected two candidates, got %v", report.Candidates)
	}
	if len(h.p.Suspicion().Snapshot()) != 0 {
		t.Fatalf("counters must be zero after a tick")
	}
	if h.p.Window().Len() != 6 {
		t.Fatalf("window must survive a tick")
	}
}

func TestTickInProgress(t *testing.T) {
	h := newHarness(testConfig())
	h.p.ticking.Store(true)
	if _, err := h.p.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Fatalf("expected ErrTickInProgress, got %v", err)
	}
	h.p.ticking.Store(false)
	if _, err := h.p.Tick(context.Background()); err != nil {
		t.Fatalf("tick after release: %v", err)
	}
}

func TestScenarioBelowMinimumSamples(t *testing.T) {
	h := newHarness(testConfig())
	for i := 0; i < 9; i++ {
		h.record(t, "dev-1", model.KindInput, fmt.Sprintf("key:%d", i*i*i))
	}
	report, err := h.p.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.p.Wait()
	if report.Anomalies != 0 || len(report.Dispatched) != 0 {
		t.Fatalf("expected no anomalies or dispatch, got %+v", report)
	}
	if h.notifier.count() != 0 || h.store.count() != 0 {
		t.Fatalf("no alert expected")
	}
}

func TestScenarioOutlierAlert(t *testing.T) {
	h := newHarness(testConfig())
	h.feedOutlier(t, "dev-1")
	if h.p.Suspicion().Count("E1") < 2 {
		t.Fatalf("expected suspicion count >= 2")
	}
	report, err := h.p.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.p.Wait()
	if report.Anomalies != 1 {
		t.Fatalf("expected one anomaly, got %d", report.Anomalies)
	}
	if len(report.Dispatched) != 1 || report.Dispatched[0] != "E1" {
		t.Fatalf("expected dispatch to E1, got %v", report.Dispatched)
	}
	if h.notifier.count() != 1 || h.store.count() != 1 || h.history.Len() != 1 {
		t.Fatalf("expected one notification and one persisted alert")
	}
	if h.p.Gate().State("E1") != GateSuppressed {
		t.Fatalf("gate should be suppressed after send")
	}
	msg := h.notifier.sent[0]
	if msg.Subject != "[Insider Threat Alert] Security Violation - alice" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if msg.Recipient != "soc@example.com" {
		t.Fatalf("unexpected recipient %q", msg.Recipient)
	}
	for _, want := range []string{"Employee ID: E1", "dev-1", "[media]"} {
		if !strings.Contains(msg.Text, want) {
			t.Fatalf("text body missing %q:\n%s", want, msg.Text)
		}
	}
	if !strings.Contains(msg.HTML, "<td>E1</td>") {
		t.Fatalf("html body missing employee id")
	}
	saved := h.store.alerts[0]
	if saved.EmployeeID != "E1" || saved.Username != "alice" || len(saved.Anomalies) != 1 || saved.Channel != "fake" {
		t.Fatalf("unexpected stored alert %+v", saved)
	}
}

func TestScenarioRepeatIsSuppressed(t *testing.T) {
	h := newHarness(testConfig())
	h.feedOutlier(t, "dev-1")
	if _, err := h.p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.p.Wait()

	h.feedOutlier(t, "dev-1")
	report, err := h.p.Tick(context.Background())
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	h.p.Wait()
	if len(report.Dispatched) != 0 || len(report.Suppressed) != 1 {
		t.Fatalf("expected suppression on second tick, got %+v", report)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("suppressed employee must not be notified again, sends=%d", h.notifier.count())
	}

	res, err := h.p.Dispatcher().Dispatch(context.Background(), "E1", "alice", []model.FeatureTuple{{EventID: "x"}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Status != StatusSuppressed || !res.Sent() {
		t.Fatalf("expected suppressed no-op reported as sent, got %s", res.Status)
	}
	if h.notifier.count() != 1 || h.store.count() != 1 {
		t.Fatalf("suppressed dispatch must not touch external systems")
	}
}

func TestScenarioFailingChannel(t *testing.T) {
	h := newHarness(testConfig())
	h.notifier.setErr(errors.New("smtp: connection refused"))
	anomalies := []model.FeatureTuple{{EventID: "e1", EmployeeID: "E1", DeviceID: "dev-1", Kind: model.KindInput, Summary: "k"}}

	res, err := h.p.Dispatcher().Dispatch(context.Background(), "E1", "alice", anomalies)
	if !errors.Is(err, ErrNotifyFailed) || res.Status != StatusFailed {
		t.Fatalf("expected failed dispatch wrapping ErrNotifyFailed, got %s %v", res.Status, err)
	}
	if !h.p.Gate().Admit("E1") {
		t.Fatalf("gate must stay armed after a failed send")
	}
	if h.store.count() != 0 {
		t.Fatalf("failed dispatch must not persist an alert")
	}

	h.notifier.setErr(nil)
	res, err = h.p.Dispatcher().Dispatch(context.Background(), "E1", "alice", anomalies)
	if err != nil || res.Status != StatusSent {
		t.Fatalf("expected sent on retry, got %s %v", res.Status, err)
	}
	res, _ = h.p.Dispatcher().Dispatch(context.Background(), "E1", "alice", anomalies)
	if res.Status != StatusSuppressed {
		t.Fatalf("expected suppressed after success, got %s", res.Status)
	}
	if h.notifier.count() != 1 || h.store.count() != 1 {
		t.Fatalf("expected exactly one send, got %d", h.notifier.count())
	}
}

func TestConcurrentDispatchSendsOnce(t *testing.T) {
	h := newHarness(testConfig())
	anomalies := []model.FeatureTuple{{EventID: "e1", EmployeeID: "E1"}}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.p.Dispatcher().Dispatch(context.Background(), "E1", "alice", anomalies)
		}()
	}
	wg.Wait()
	if h.notifier.count() != 1 {
		t.Fatalf("expected a single send, got %d", h.notifier.count())
	}
}

func TestPolicyHitTriggersAlert(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = config.PolicyConfig{Enabled: true, DeniedProcesses: []string{"torbrowser"}}
	h := newHarness(cfg)
	h.record(t, "dev-2", model.KindProcess, "torbrowser pid=31")
	h.record(t, "dev-2", model.KindProcess, "bash pid=32")
	report, err := h.p.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.p.Wait()
	if report.PolicyHits != 1 || len(report.Dispatched) != 1 || report.Dispatched[0] != "E2" {
		t.Fatalf("expected policy dispatch for E2, got %+v", report)
	}
	if !strings.Contains(h.notifier.sent[0].Text, "policy: torbrowser") {
		t.Fatalf("policy hit not rendered:\n%s", h.notifier.sent[0].Text)
	}
}

func TestResetClearsState(t *testing.T) {
	h := newHarness(testConfig())
	h.feedOutlier(t, "dev-1")
	if _, err := h.p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.p.Wait()
	h.record(t, "dev-1", model.KindInput, "k")
	h.p.Reset()
	if h.p.Window().Len() != 0 || h.p.Suspicion().Count("E1") != 0 || !h.p.Gate().Admit("E1") {
		t.Fatalf("reset left state behind")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.TickInterval = 10 * time.Millisecond
	p := NewPipeline(cfg, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	if _, ok := p.LastTick(); !ok {
		t.Fatalf("expected at least one tick")
	}
}

func TestAlertSubjectDropsControlCharacters(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()
	ev := model.ActivityEvent{
		EmployeeID: "X9",
		Username:   "mallory\r\nBcc: attacker@evil.test",
		DeviceID:   "dev-9",
		Kind:       model.KindInput,
		Detail:     "key:a",
	}
	for i := 0; i < 11; i++ {
		if _, _, err := h.p.Recorder().RecordEvent(ctx, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	ev.Kind = model.KindMedia
	ev.Detail = strings.Repeat("x", 400)
	if _, _, err := h.p.Recorder().RecordEvent(ctx, ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := h.p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.p.Wait()
	if h.notifier.count() != 1 {
		t.Fatalf("expected one notification, got %d", h.notifier.count())
	}
	subject := h.notifier.sent[0].Subject
	if strings.ContainsAny(subject, "\r\n") {
		t.Fatalf("subject carries a line break: %q", subject)
	}
	if subject != "[Insider Threat Alert] Security Violation - malloryBcc: attacker@evil.test" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestResetKeepsNeverSuppression(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown.Policy = config.CooldownNever
	h := newHarness(cfg)
	h.feedOutlier(t, "dev-1")
	if _, err := h.p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.p.Wait()
	if h.notifier.count() != 1 {
		t.Fatalf("expected first alert, got %d sends", h.notifier.count())
	}

	h.p.Reset()
	if h.p.Window().Len() != 0 || h.p.Suspicion().Count("E1") != 0 {
		t.Fatalf("reset left window or counters behind")
	}
	if h.p.Gate().Admit("E1") {
		t.Fatalf("never policy must survive a pipeline reset")
	}

	h.feedOutlier(t, "dev-1")
	report, err := h.p.Tick(context.Background())
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	h.p.Wait()
	if len(report.Dispatched) != 0 || h.notifier.count() != 1 {
		t.Fatalf("suppressed employee alerted again after reset: %+v sends=%d", report, h.notifier.count())
	}
}

func TestConcurrentRecordAndSnapshot(t *testing.T) {
	const (
		writers  = 8
		perWrite = 50
		capacity = 64
	)
	cfg := testConfig()
	cfg.Detection.WindowCapacity = capacity
	h := newHarness(cfg)
	ctx := context.Background()

	stop := make(chan struct{})
	readErr := make(chan error, 1)
	go func() {
		defer close(readErr)
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := h.p.Window().Snapshot()
			if len(snap) > capacity {
				readErr <- fmt.Errorf("snapshot of %d exceeds capacity %d", len(snap), capacity)
				return
			}
			for i, ft := range snap {
				if ft.EventID == "" {
					readErr <- fmt.Errorf("zero-value tuple at %d of %d", i, len(snap))
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWrite; i++ {
				if _, err := h.p.Record(ctx, "dev-1", model.KindInput, "k"); err != nil {
					t.Errorf("record: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	if err := <-readErr; err != nil {
		t.Fatalf("reader: %v", err)
	}

	if got := h.p.Suspicion().Count("E1"); got != writers*perWrite {
		t.Fatalf("expected count %d, got %d", writers*perWrite, got)
	}
	if got := h.p.Window().Len(); got != min(writers*perWrite, capacity) {
		t.Fatalf("expected window length %d, got %d", min(writers*perWrite, capacity), got)
	}
}
