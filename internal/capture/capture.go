// Package capture runs the local producers: periodic process and
// removable-media scanners that report what changed since their last pass.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"

	"insiderwatch/internal/config"
	"insiderwatch/internal/model"
)

type Recorder interface {
	Record(ctx context.Context, deviceID string, kind model.EventKind, detail string) (model.ActivityEvent, error)
}

// listFunc returns the current observation set keyed by a stable identity,
// with the detail to record when the key first appears.
type listFunc func(ctx context.Context) (map[string]string, error)

// Scanner polls a list function and records one event per new key. The
// first pass only establishes the baseline.
type Scanner struct {
	name   string
	kind   model.EventKind
	list   listFunc
	cfg    *config.Manager
	rec    Recorder
	logger *slog.Logger
	seen   map[string]struct{}
	primed bool
}

func NewProcessScanner(cfg *config.Manager, rec Recorder, logger *slog.Logger) *Scanner {
	return &Scanner{name: "capture-processes", kind: model.KindProcess, list: listProcesses, cfg: cfg, rec: rec, logger: logger}
}

func NewMediaScanner(cfg *config.Manager, rec Recorder, logger *slog.Logger) *Scanner {
	return &Scanner{name: "capture-media", kind: model.KindMedia, list: listPartitions, cfg: cfg, rec: rec, logger: logger}
}

func (s *Scanner) String() string { return s.name }

func (s *Scanner) Serve(ctx context.Context) error {
	interval := s.interval()
	if s.logger != nil {
		s.logger.Info("capture scanner started", "scanner", s.name, "interval", interval)
	}
	s.Scan(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Scan(ctx)
			if next := s.interval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (s *Scanner) interval() time.Duration {
	if d := s.cfg.Get().Capture.Interval; d > 0 {
		return d
	}
	return 5 * time.Second
}

// Scan runs one pass and returns how many events were recorded.
func (s *Scanner) Scan(ctx context.Context) int {
	current, err := s.list(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("capture scan failed", "scanner", s.name, "err", err)
		}
		return 0
	}
	if !s.primed {
		s.seen = keysOf(current)
		s.primed = true
		return 0
	}

	fresh := make([]string, 0)
	for key := range current {
		if _, ok := s.seen[key]; !ok {
			fresh = append(fresh, key)
		}
	}
	sort.Strings(fresh)
	device := s.cfg.Get().Identity.DefaultDevice
	recorded := 0
	for _, key := range fresh {
		if _, err := s.rec.Record(ctx, device, s.kind, current[key]); err != nil {
			if s.logger != nil {
				s.logger.Warn("capture record failed", "scanner", s.name, "err", err)
			}
			continue
		}
		recorded++
	}
	s.seen = keysOf(current)
	return recorded
}

func keysOf(m map[string]string) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func listProcesses(ctx context.Context) (map[string]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make(map[string]string, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		out[fmt.Sprintf("%d/%s", p.Pid, name)] = fmt.Sprintf("%s pid=%d", name, p.Pid)
	}
	return out, nil
}

func listPartitions(ctx context.Context) (map[string]string, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	out := make(map[string]string, len(parts))
	for _, p := range parts {
		out[p.Device+"@"+p.Mountpoint] = fmt.Sprintf("%s mounted at %s (%s)", p.Device, p.Mountpoint, p.Fstype)
	}
	return out, nil
}
