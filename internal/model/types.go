package model

import (
	"errors"
	"strings"
	"time"
)

type EventKind string

const (
	KindInput   EventKind = "input"
	KindProcess EventKind = "process"
	KindMedia   EventKind = "media"
)

var ErrUnknownKind = errors.New("unknown event kind")

// ParseEventKind maps capture-side names onto the three recognized kinds.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "input", "keyboard", "key", "mouse", "click":
		return KindInput, nil
	case "process", "process-snapshot", "process_snapshot", "proc":
		return KindProcess, nil
	case "media", "usb", "removable-media", "removable_media", "drive":
		return KindMedia, nil
	}
	return "", ErrUnknownKind
}

func (k EventKind) Valid() bool {
	switch k {
	case KindInput, KindProcess, KindMedia:
		return true
	}
	return false
}

type Employee struct {
	ID       string `json:"employee_id" yaml:"employee_id" toml:"employee_id"`
	Username string `json:"username" yaml:"username" toml:"username"`
}

type ActivityEvent struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	DeviceID   string    `json:"device_id"`
	EmployeeID string    `json:"employee_id"`
	Username   string    `json:"username"`
	Kind       EventKind `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	DetailLen  int       `json:"detail_len"`
	Source     string    `json:"source,omitempty"`
}

// FeatureTuple is the scoring projection of one ActivityEvent. Only Bucket
// and Length feed the detector; the rest is carried for alert rendering.
type FeatureTuple struct {
	Bucket     float64   `json:"bucket"`
	Length     float64   `json:"length"`
	EventID    string    `json:"event_id"`
	EmployeeID string    `json:"employee_id"`
	DeviceID   string    `json:"device_id"`
	Kind       EventKind `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	Summary    string    `json:"summary"`
	Policy     bool      `json:"policy,omitempty"`
}

type Alert struct {
	ID         string         `json:"id"`
	EmployeeID string         `json:"employee_id"`
	Username   string         `json:"username"`
	DeviceIDs  []string       `json:"device_ids,omitempty"`
	AlertTime  time.Time      `json:"alert_time"`
	Subject    string         `json:"subject"`
	Details    string         `json:"details"`
	Anomalies  []FeatureTuple `json:"anomalies"`
	Channel    string         `json:"channel,omitempty"`
}

type TickReport struct {
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	WindowSize int           `json:"window_size"`
	Anomalies  int           `json:"anomalies"`
	PolicyHits int           `json:"policy_hits"`
	Candidates []string      `json:"candidates"`
	Dispatched []string      `json:"dispatched"`
	Suppressed []string      `json:"suppressed"`
	InFlight   []string      `json:"in_flight,omitempty"`
	Skipped    string        `json:"skipped,omitempty"`
}

// Notification is one rendered alert as handed to a notification channel.
type Notification struct {
	Recipient string `json:"recipient,omitempty"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	HTML      string `json:"html,omitempty"`
	AlertID   string `json:"alert_id"`
}
