package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"insiderwatch/internal/model"
)

// ActivityFields is a transport record before validation. Every field is
// the raw text the producer sent.
type ActivityFields struct {
	ID         string
	Timestamp  string
	DeviceID   string
	EmployeeID string
	Username   string
	Kind       string
	Detail     string
	Extras     map[string]string
	Raw        string
}

// Normalize validates fields into an ActivityEvent. Identity left empty is
// resolved later by the recorder; a missing timestamp means "now".
func Normalize(fields ActivityFields, source string) (model.ActivityEvent, error) {
	kind, err := model.ParseEventKind(fields.Kind)
	if err != nil {
		return model.ActivityEvent{}, fmt.Errorf("kind %q: %w", fields.Kind, err)
	}
	var ts time.Time
	if strings.TrimSpace(fields.Timestamp) != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, time.UTC)
		if err != nil {
			return model.ActivityEvent{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}
	return model.ActivityEvent{
		ID:         cleanIdentifier(fields.ID),
		Timestamp:  ts,
		DeviceID:   cleanIdentifier(fields.DeviceID),
		EmployeeID: cleanIdentifier(fields.EmployeeID),
		Username:   cleanIdentifier(fields.Username),
		Kind:       kind,
		Detail:     fields.Detail,
		DetailLen:  len(fields.Detail),
		Source:     source,
	}, nil
}

// cleanIdentifier drops control characters from identity fields. They end
// up in alert subjects and mail headers.
func cleanIdentifier(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05.000000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05Z0700",
}

// ParseTimestamp accepts RFC 3339, common SQL-style layouts, Unix seconds,
// Unix milliseconds and fractional Unix seconds.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dots := 0
	for _, ch := range value {
		if ch == '.' {
			dots++
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0 && dots <= 1
}

func parseUnix(value string) (time.Time, error) {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
