package engine

import (
	"time"

	"insiderwatch/internal/config"
	"insiderwatch/internal/model"
)

type DetectorConfig struct {
	MinSamples    int
	Contamination float64
	Trees         int
	SampleSize    int
	Seed          int64
}

func detectorConfig(d config.DetectionConfig) DetectorConfig {
	return DetectorConfig{
		MinSamples:    d.MinSamples,
		Contamination: d.Contamination,
		Trees:         d.Trees,
		SampleSize:    d.SampleSize,
		Seed:          d.Seed,
	}
}

// Detector flags outliers in a window snapshot. Each call fits a fresh
// isolation forest on the snapshot and scores the same points.
type Detector struct {
	cfg DetectorConfig
}

func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.MinSamples < 2 {
		cfg.MinSamples = 10
	}
	if cfg.Contamination <= 0 || cfg.Contamination > 0.5 {
		cfg.Contamination = 0.2
	}
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 256
	}
	return &Detector{cfg: cfg}
}

// Evaluate returns the anomalous tuples of snapshot in their original order.
// Too few samples or fewer than two distinct feature combinations yield an
// empty result rather than an error.
func (d *Detector) Evaluate(snapshot []model.FeatureTuple) []model.FeatureTuple {
	if len(snapshot) < d.cfg.MinSamples {
		return nil
	}
	points := make([]point, len(snapshot))
	distinct := make(map[point]struct{}, 2)
	for i, t := range snapshot {
		points[i] = point{t.Bucket, t.Length}
		if len(distinct) < 2 {
			distinct[points[i]] = struct{}{}
		}
	}
	if len(distinct) < 2 {
		return nil
	}

	forest := fitForest(points, d.cfg.Trees, d.cfg.SampleSize, d.cfg.Seed)
	scores := make([]float64, len(points))
	for i, p := range points {
		scores[i] = forest.score(p)
	}
	threshold := quantile(scores, 1-d.cfg.Contamination)

	var out []model.FeatureTuple
	for i, s := range scores {
		if s > threshold {
			out = append(out, snapshot[i])
		}
	}
	return out
}

// FeatureOf projects an event onto the scoring features.
func FeatureOf(ev model.ActivityEvent, period time.Duration) model.FeatureTuple {
	return model.FeatureTuple{
		Bucket:     timeBucket(ev.Timestamp, period),
		Length:     float64(ev.DetailLen),
		EventID:    ev.ID,
		EmployeeID: ev.EmployeeID,
		DeviceID:   ev.DeviceID,
		Kind:       ev.Kind,
		Timestamp:  ev.Timestamp,
		Summary:    summarize(ev.Detail, 160),
	}
}

func timeBucket(ts time.Time, period time.Duration) float64 {
	if period <= 0 {
		period = time.Hour
	}
	ns := ts.UnixNano() % int64(period)
	if ns < 0 {
		ns += int64(period)
	}
	return time.Duration(ns).Seconds()
}

func summarize(detail string, limit int) string {
	r := []rune(detail)
	if len(r) <= limit {
		return detail
	}
	return string(r[:limit-3]) + "..."
}
