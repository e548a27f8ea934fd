package engine

import (
	"path"
	"strings"

	"insiderwatch/internal/config"
	"insiderwatch/internal/model"
)

// ProcessPolicy flags process events naming an application outside the
// configured allow/deny lists.
type ProcessPolicy struct {
	Enabled   bool
	AllowOnly bool
	Allowed   map[string]struct{}
	Denied    map[string]struct{}
}

func buildProcessPolicy(cfg *config.Config) *ProcessPolicy {
	p := &ProcessPolicy{Enabled: cfg.Policy.Enabled, AllowOnly: cfg.Policy.AllowOnly}
	if !p.Enabled {
		return p
	}
	p.Allowed = buildNameSet(cfg.Policy.AllowedProcesses)
	p.Denied = buildNameSet(cfg.Policy.DeniedProcesses)
	return p
}

func buildNameSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		name := processName(v)
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// Violates reports whether t is a process tuple the policy rejects.
func (p *ProcessPolicy) Violates(t model.FeatureTuple) bool {
	if p == nil || !p.Enabled || t.Kind != model.KindProcess {
		return false
	}
	name := processName(t.Summary)
	if name == "" {
		return false
	}
	if _, ok := p.Denied[name]; ok {
		return true
	}
	if p.AllowOnly {
		_, ok := p.Allowed[name]
		return !ok
	}
	return false
}

// Hits returns the policy-violating tuples of snapshot, marked as policy hits.
func (p *ProcessPolicy) Hits(snapshot []model.FeatureTuple) []model.FeatureTuple {
	if p == nil || !p.Enabled {
		return nil
	}
	var out []model.FeatureTuple
	for _, t := range snapshot {
		if p.Violates(t) {
			t.Policy = true
			out = append(out, t)
		}
	}
	return out
}

// processName reduces a process detail such as "C:\Apps\Chrome.exe pid=42"
// to "chrome".
func processName(detail string) string {
	s := strings.TrimSpace(detail)
	if i := strings.IndexByte(s, ':'); i >= 0 && strings.EqualFold(strings.TrimSpace(s[:i]), "process") {
		s = strings.TrimSpace(s[i+1:])
	}
	if i := strings.Index(s, " pid="); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.ReplaceAll(s, "\\", "/")
	s = strings.ToLower(path.Base(s))
	s = strings.TrimSuffix(s, ".exe")
	if s == "." || s == "/" {
		return ""
	}
	return s
}
