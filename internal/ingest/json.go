package ingest

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"insiderwatch/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.ActivityFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]interface{}) *normalize.ActivityFields {
	extras := make(map[string]string, len(obj))
	for key, val := range obj {
		if val == nil {
			continue
		}
		extras[strings.ToLower(key)] = fmt.Sprint(val)
	}
	return fieldsFromMap(extras)
}

func fieldsFromMap(m map[string]string) *normalize.ActivityFields {
	return &normalize.ActivityFields{
		ID:         firstNonEmpty(m, "id", "event_id", "eventid"),
		Timestamp:  firstNonEmpty(m, "timestamp", "time", "ts"),
		DeviceID:   firstNonEmpty(m, "device_id", "device", "deviceid", "host", "hostname"),
		EmployeeID: firstNonEmpty(m, "employee_id", "employee", "employeeid"),
		Username:   firstNonEmpty(m, "username", "user"),
		Kind:       firstNonEmpty(m, "kind", "type", "event_type"),
		Detail:     firstRaw(m, "detail", "details", "data", "message"),
		Extras:     m,
	}
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// firstRaw is firstNonEmpty without trimming, since detail length is a
// scoring feature.
func firstRaw(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != "" {
			return v
		}
	}
	return ""
}
