package ingest

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"insiderwatch/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+\-Z]+)`)
	reKV        = regexp.MustCompile(`([a-zA-Z_]+)=("(?:[^"\\]|\\.)*"|\S+)`)
)

var errNoFields = errors.New("no recognizable fields")

// ParseLine reads one producer line: a JSON object, or key=value pairs with
// an optional leading timestamp, e.g.
//
//	2026-02-23 12:34:56 device=dev-1 kind=process detail="chrome.exe pid=42"
//
// Blank lines yield nil, nil.
func ParseLine(line string) (*normalize.ActivityFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		fields, err := ParseJSONBytes([]byte(trim))
		if err != nil {
			return nil, err
		}
		fields.Raw = line
		return fields, nil
	}
	fields, err := parsePlain(trim)
	if err != nil {
		return nil, err
	}
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) (*normalize.ActivityFields, error) {
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		val := match[2]
		if strings.HasPrefix(val, `"`) {
			if unq, err := strconv.Unquote(val); err == nil {
				val = unq
			}
		}
		kv[strings.ToLower(match[1])] = val
	}
	if len(kv) == 0 {
		return nil, errNoFields
	}
	fields := fieldsFromMap(kv)
	if fields.Timestamp == "" {
		if m := reTimestamp.FindStringSubmatch(line); len(m) == 2 {
			fields.Timestamp = strings.TrimSpace(m[1])
		}
	}
	return fields, nil
}
