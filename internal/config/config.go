package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format" toml:"log_format"`
	Identity  IdentityConfig  `json:"identity" yaml:"identity" toml:"identity"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest" toml:"ingest"`
	Capture   CaptureConfig   `json:"capture" yaml:"capture" toml:"capture"`
	Detection DetectionConfig `json:"detection" yaml:"detection" toml:"detection"`
	Cooldown  CooldownConfig  `json:"cooldown" yaml:"cooldown" toml:"cooldown"`
	Policy    PolicyConfig    `json:"policy" yaml:"policy" toml:"policy"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify" toml:"notify"`
	API       APIConfig       `json:"api" yaml:"api" toml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage" toml:"storage"`
	Sink      SinkConfig      `json:"sink" yaml:"sink" toml:"sink"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" toml:"metrics"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts" toml:"alerts"`
}

type IdentityConfig struct {
	DefaultDevice string                    `json:"default_device" yaml:"default_device" toml:"default_device"`
	Devices       map[string]EmployeeConfig `json:"devices" yaml:"devices" toml:"devices"`
}

type EmployeeConfig struct {
	EmployeeID string `json:"employee_id" yaml:"employee_id" toml:"employee_id"`
	Username   string `json:"username" yaml:"username" toml:"username"`
}

type IngestConfig struct {
	ChannelBuffer int            `json:"channel_buffer" yaml:"channel_buffer" toml:"channel_buffer"`
	REST          RESTConfig     `json:"rest" yaml:"rest" toml:"rest"`
	FileTail      FileTailConfig `json:"file_tail" yaml:"file_tail" toml:"file_tail"`
	Kafka         KafkaConfig    `json:"kafka" yaml:"kafka" toml:"kafka"`
	TCPStream     TCPConfig      `json:"tcp_stream" yaml:"tcp_stream" toml:"tcp_stream"`
}

type TCPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end" toml:"start_at_end"`
	Files      []string `json:"files" yaml:"files" toml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers" toml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" toml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id" toml:"group_id"`
}

type CaptureConfig struct {
	Processes bool          `json:"processes" yaml:"processes" toml:"processes"`
	Media     bool          `json:"media" yaml:"media" toml:"media"`
	Interval  time.Duration `json:"interval" yaml:"interval" toml:"interval"`
}

type DetectionConfig struct {
	WindowCapacity     int           `json:"window_capacity" yaml:"window_capacity" toml:"window_capacity"`
	MinSamples         int           `json:"min_samples" yaml:"min_samples" toml:"min_samples"`
	Contamination      float64       `json:"contamination" yaml:"contamination" toml:"contamination"`
	Seed               int64         `json:"seed" yaml:"seed" toml:"seed"`
	Trees              int           `json:"trees" yaml:"trees" toml:"trees"`
	SampleSize         int           `json:"sample_size" yaml:"sample_size" toml:"sample_size"`
	BucketPeriod       time.Duration `json:"bucket_period" yaml:"bucket_period" toml:"bucket_period"`
	SuspicionThreshold int           `json:"suspicion_threshold" yaml:"suspicion_threshold" toml:"suspicion_threshold"`
	TickInterval       time.Duration `json:"tick_interval" yaml:"tick_interval" toml:"tick_interval"`
	DedupeWindow       time.Duration `json:"dedupe_window" yaml:"dedupe_window" toml:"dedupe_window"`
}

const (
	CooldownManual = "manual"
	CooldownNever  = "never"
	CooldownExpire = "expire"
)

type CooldownConfig struct {
	Policy string        `json:"policy" yaml:"policy" toml:"policy"`
	TTL    time.Duration `json:"ttl" yaml:"ttl" toml:"ttl"`
}

type PolicyConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowOnly        bool     `json:"allow_only" yaml:"allow_only" toml:"allow_only"`
	AllowedProcesses []string `json:"allowed_processes" yaml:"allowed_processes" toml:"allowed_processes"`
	DeniedProcesses  []string `json:"denied_processes" yaml:"denied_processes" toml:"denied_processes"`
}

type NotifyConfig struct {
	Driver        string        `json:"driver" yaml:"driver" toml:"driver"`
	Recipient     string        `json:"recipient" yaml:"recipient" toml:"recipient"`
	SubjectPrefix string        `json:"subject_prefix" yaml:"subject_prefix" toml:"subject_prefix"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	Email         EmailConfig   `json:"email" yaml:"email" toml:"email"`
	Webhook       WebhookConfig `json:"webhook" yaml:"webhook" toml:"webhook"`
	Breaker       BreakerConfig `json:"breaker" yaml:"breaker" toml:"breaker"`
}

type EmailConfig struct {
	Host     string `json:"host" yaml:"host" toml:"host"`
	Port     int    `json:"port" yaml:"port" toml:"port"`
	Username string `json:"username" yaml:"username" toml:"username"`
	Password string `json:"password" yaml:"password" toml:"password"`
	From     string `json:"from" yaml:"from" toml:"from"`
	FromName string `json:"from_name" yaml:"from_name" toml:"from_name"`
	UseTLS   bool   `json:"use_tls" yaml:"use_tls" toml:"use_tls"`
}

type WebhookConfig struct {
	URL       string            `json:"url" yaml:"url" toml:"url"`
	Headers   map[string]string `json:"headers" yaml:"headers" toml:"headers"`
	RateLimit time.Duration     `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

type BreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	FailureThreshold uint32        `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout" yaml:"open_timeout" toml:"open_timeout"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Driver  string `json:"driver" yaml:"driver" toml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn" toml:"dsn"`
}

type SinkConfig struct {
	Kafka KafkaSinkConfig `json:"kafka" yaml:"kafka" toml:"kafka"`
}

type KafkaSinkConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers" toml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" toml:"topic"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit" toml:"store_limit"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit" toml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Identity: IdentityConfig{
			DefaultDevice: "device_001",
			Devices:       map[string]EmployeeConfig{},
		},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			TCPStream:     TCPConfig{Enabled: false, Addr: ":9515"},
		},
		Capture: CaptureConfig{Processes: false, Media: false, Interval: 5 * time.Second},
		Detection: DetectionConfig{
			WindowCapacity:     500,
			MinSamples:         10,
			Contamination:      0.2,
			Seed:               42,
			Trees:              100,
			SampleSize:         256,
			BucketPeriod:       time.Hour,
			SuspicionThreshold: 2,
			TickInterval:       60 * time.Second,
			DedupeWindow:       0,
		},
		Cooldown: CooldownConfig{Policy: CooldownManual},
		Notify: NotifyConfig{
			Driver:        "log",
			SubjectPrefix: "[Insider Threat Alert]",
			Timeout:       10 * time.Second,
			Email:         EmailConfig{Port: 587, FromName: "insiderwatch", UseTLS: true},
			Webhook:       WebhookConfig{RateLimit: 500 * time.Millisecond},
			Breaker:       BreakerConfig{Enabled: true, FailureThreshold: 5, OpenTimeout: 60 * time.Second},
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:insiderwatch.db?_pragma=busy_timeout(5000)"},
		Sink:    SinkConfig{Kafka: KafkaSinkConfig{Enabled: false, Topic: "insiderwatch.activity"}},
		Metrics: MetricsConfig{StoreLimit: 5000},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	switch {
	case strings.EqualFold(filepath.Ext(path), ".toml"):
		decodeErr = toml.Unmarshal([]byte(trimmed), cfg)
	case looksLikeJSON(trimmed):
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	default:
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".toml":
		var b strings.Builder
		err = toml.NewEncoder(&b).Encode(cfg)
		data = []byte(b.String())
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv overrides secrets and deployment-specific values from
// INSIDERWATCH_* variables so they can stay out of the config file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("INSIDERWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("INSIDERWATCH_SMTP_USERNAME"); v != "" {
		cfg.Notify.Email.Username = v
	}
	if v := os.Getenv("INSIDERWATCH_SMTP_PASSWORD"); v != "" {
		cfg.Notify.Email.Password = v
	}
	if v := os.Getenv("INSIDERWATCH_ALERT_RECIPIENT"); v != "" {
		cfg.Notify.Recipient = v
	}
	if v := os.Getenv("INSIDERWATCH_WEBHOOK_URL"); v != "" {
		cfg.Notify.Webhook.URL = v
	}
	if v := os.Getenv("INSIDERWATCH_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("INSIDERWATCH_DEVICE_ID"); v != "" {
		cfg.Identity.DefaultDevice = v
	}
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Capture.Interval <= 0 {
		cfg.Capture.Interval = def.Capture.Interval
	}
	d := &cfg.Detection
	if d.WindowCapacity <= 0 {
		d.WindowCapacity = def.Detection.WindowCapacity
	}
	if d.MinSamples <= 0 {
		d.MinSamples = def.Detection.MinSamples
	}
	if d.Contamination == 0 {
		d.Contamination = def.Detection.Contamination
	}
	if d.Trees <= 0 {
		d.Trees = def.Detection.Trees
	}
	if d.SampleSize <= 0 {
		d.SampleSize = def.Detection.SampleSize
	}
	if d.BucketPeriod <= 0 {
		d.BucketPeriod = def.Detection.BucketPeriod
	}
	if d.SuspicionThreshold <= 0 {
		d.SuspicionThreshold = def.Detection.SuspicionThreshold
	}
	if d.TickInterval <= 0 {
		d.TickInterval = def.Detection.TickInterval
	}
	if cfg.Cooldown.Policy == "" {
		cfg.Cooldown.Policy = CooldownManual
	}
	cfg.Cooldown.Policy = strings.ToLower(cfg.Cooldown.Policy)
	if cfg.Notify.Driver == "" {
		cfg.Notify.Driver = def.Notify.Driver
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = def.Notify.Timeout
	}
	if cfg.Notify.Email.Port == 0 {
		cfg.Notify.Email.Port = def.Notify.Email.Port
	}
	if cfg.Notify.Breaker.FailureThreshold == 0 {
		cfg.Notify.Breaker.FailureThreshold = def.Notify.Breaker.FailureThreshold
	}
	if cfg.Notify.Breaker.OpenTimeout <= 0 {
		cfg.Notify.Breaker.OpenTimeout = def.Notify.Breaker.OpenTimeout
	}
	if cfg.Identity.Devices == nil {
		cfg.Identity.Devices = map[string]EmployeeConfig{}
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Sink.Kafka.Enabled && (len(cfg.Sink.Kafka.Brokers) == 0 || cfg.Sink.Kafka.Topic == "") {
		return errors.New("sink.kafka requires brokers and topic")
	}
	d := cfg.Detection
	if d.Contamination <= 0 || d.Contamination > 0.5 {
		return fmt.Errorf("detection.contamination must be in (0, 0.5]: %v", d.Contamination)
	}
	if d.MinSamples < 2 {
		return errors.New("detection.min_samples must be >= 2")
	}
	if d.WindowCapacity < d.MinSamples {
		return errors.New("detection.window_capacity must be >= detection.min_samples")
	}
	switch cfg.Cooldown.Policy {
	case CooldownManual, CooldownNever:
	case CooldownExpire:
		if cfg.Cooldown.TTL <= 0 {
			return errors.New("cooldown.ttl must be > 0 when cooldown.policy is expire")
		}
	default:
		return fmt.Errorf("unsupported cooldown.policy: %q", cfg.Cooldown.Policy)
	}
	switch strings.ToLower(cfg.Notify.Driver) {
	case "log":
	case "email":
		if cfg.Notify.Email.Host == "" || cfg.Notify.Email.From == "" || cfg.Notify.Recipient == "" {
			return errors.New("notify.email requires host, from and notify.recipient")
		}
	case "webhook":
		if cfg.Notify.Webhook.URL == "" {
			return errors.New("notify.webhook.url required when notify.driver is webhook")
		}
	default:
		return fmt.Errorf("unsupported notify.driver: %q", cfg.Notify.Driver)
	}
	for device, emp := range cfg.Identity.Devices {
		if strings.TrimSpace(emp.EmployeeID) == "" {
			return fmt.Errorf("identity.devices[%s].employee_id is empty", device)
		}
	}
	return nil
}

type Manager struct {
	path string
	cfg  atomic.Value

	// mu serialises writes to the file and guards modTime.
	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// Static wraps an in-memory config. Reload, Update and Watch are no-ops
// without a backing file.
func Static(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.statLocked()
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path == "" {
		m.cfg.Store(cfg)
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := Save(m.path, cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	m.statLocked()
	return nil
}

func (m *Manager) statLocked() {
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		<-stop
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
