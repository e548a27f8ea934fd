package normalize

import (
	"errors"
	"testing"
	"time"

	"insiderwatch/internal/model"
)

func TestNormalizeKindAliases(t *testing.T) {
	cases := map[string]model.EventKind{
		"keyboard": model.KindInput,
		"Mouse":    model.KindInput,
		"proc":     model.KindProcess,
		"usb":      model.KindMedia,
	}
	for raw, want := range cases {
		ev, err := Normalize(ActivityFields{Kind: raw, Detail: "x"}, "test")
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if ev.Kind != want || ev.Source != "test" || ev.DetailLen != 1 {
			t.Fatalf("%s: unexpected event %+v", raw, ev)
		}
	}
}

func TestNormalizeRejectsUnknownKind(t *testing.T) {
	_, err := Normalize(ActivityFields{Kind: "printer"}, "test")
	if !errors.Is(err, model.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	ev, err := Normalize(ActivityFields{Kind: "input", Timestamp: "2026-02-23T12:34:56Z"}, "test")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !ev.Timestamp.Equal(time.Date(2026, 2, 23, 12, 34, 56, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", ev.Timestamp)
	}
	ev, _ = Normalize(ActivityFields{Kind: "input"}, "test")
	if !ev.Timestamp.IsZero() {
		t.Fatalf("missing timestamp should stay zero for the recorder to fill")
	}
	if _, err := Normalize(ActivityFields{Kind: "input", Timestamp: "yesterday"}, "test"); err == nil {
		t.Fatalf("expected timestamp error")
	}
}

func TestParseTimestampFormats(t *testing.T) {
	want := time.Date(2026, 2, 23, 12, 34, 56, 0, time.UTC)
	for _, v := range []string{
		"2026-02-23T12:34:56Z",
		"2026-02-23 12:34:56",
		"1771850096",
		"1771850096000",
		"1771850096.0",
	} {
		got, err := ParseTimestamp(v, time.UTC)
		if err != nil {
			t.Fatalf("%s: %v", v, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%s: got %v want %v", v, got, want)
		}
	}
}

func TestNormalizeStripsControlCharacters(t *testing.T) {
	ev, err := Normalize(ActivityFields{
		Kind:       "input",
		DeviceID:   "dev-1\n",
		EmployeeID: "X9\r",
		Username:   "mallory\r\nBcc: attacker@evil.test",
		Detail:     "line\nbreak",
	}, "rest")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Username != "malloryBcc: attacker@evil.test" || ev.EmployeeID != "X9" || ev.DeviceID != "dev-1" {
		t.Fatalf("control characters survived: %+v", ev)
	}
	if ev.Detail != "line\nbreak" || ev.DetailLen != 10 {
		t.Fatalf("detail must stay untouched: %q", ev.Detail)
	}
}
