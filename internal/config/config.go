// Package config provides application configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort          = 8080
	DefaultStationName      = "ZuidWest FM"
	DefaultAlertThreshold   = 80.0
	DefaultAlertCooldownMs  = 2000
	DefaultSampleIntervalMs = 50
	DefaultRecordIntervalMs = 500
	DefaultDisplayWindow    = 120
	DefaultZabbixPort       = 10051
	DefaultSessionsFile     = "sessions.json"
	DefaultS3Key            = "noisemeter/sessions.json"
)

// Alert threshold bounds on the normalized 0-120 scale.
const (
	MinAlertThreshold = 50.0
	MaxAlertThreshold = 110.0
)

// Storage backends.
const (
	StorageFile = "file"
	StorageS3   = "s3"
)

// Validation patterns define regular expressions for configuration value validation.
var (
	// Station name: any printable characters except control chars (blocks CRLF injection in emails)
	stationNamePattern = regexp.MustCompile(`^[^\x00-\x1F\x7F]+$`)
)

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	FFmpegPath   string `json:"ffmpeg_path"`    // Path to FFmpeg binary (empty = use PATH)
	Port         int    `json:"port"`           // HTTP server port
	APIKey       string `json:"api_key"`        // API key for mutating REST and WebSocket commands
	EventLogPath string `json:"event_log_path"` // Event log file (empty = platform default)
}

// StationConfig holds station identity used in notifications.
type StationConfig struct {
	Name string `json:"name"` // Station display name
}

// AudioConfig holds audio input device settings.
type AudioConfig struct {
	Input string `json:"input"` // Audio input device identifier
}

// AlertConfig holds the noise alert settings.
type AlertConfig struct {
	Enabled    bool    `json:"enabled"`     // Fire notifications on threshold crossings
	Threshold  float64 `json:"threshold"`   // Normalized level (50-110)
	CooldownMs int64   `json:"cooldown_ms"` // Minimum time between fired alerts
}

// MonitorConfig holds sampling loop settings.
type MonitorConfig struct {
	SampleIntervalMs int64 `json:"sample_interval_ms"` // Fast tick: level sampling
	RecordIntervalMs int64 `json:"record_interval_ms"` // Slow tick: reading recording
	DisplayWindow    int   `json:"display_window"`     // Readings shown to observers
	AutoStart        bool  `json:"auto_start"`         // Start monitoring at launch
}

// S3Config holds S3-compatible storage settings for the session document.
type S3Config struct {
	Endpoint        string `json:"endpoint"`          // Custom endpoint (empty = AWS)
	Bucket          string `json:"bucket"`            // Bucket name
	Key             string `json:"key"`               // Object key of the session document
	AccessKeyID     string `json:"access_key_id"`     // Access key
	SecretAccessKey string `json:"secret_access_key"` // Secret key
}

// StorageConfig holds session storage settings.
type StorageConfig struct {
	Backend string   `json:"backend"` // "file" or "s3"
	Path    string   `json:"path"`    // Session document path for the file backend
	S3      S3Config `json:"s3"`      // Settings for the s3 backend
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL string `json:"url"` // Webhook URL for noise alerts
}

// LogConfig holds log file notification settings.
type LogConfig struct {
	Path string `json:"path"` // Log file path for noise alerts
}

// EmailConfig holds Microsoft Graph email notification settings.
type EmailConfig struct {
	TenantID     string `json:"tenant_id"`     // Azure AD tenant ID
	ClientID     string `json:"client_id"`     // App registration client ID
	ClientSecret string `json:"client_secret"` // App registration client secret
	FromAddress  string `json:"from_address"`  // Shared mailbox sender address
	Recipients   string `json:"recipients"`    // Comma-separated recipient addresses
}

// ZabbixConfig holds Zabbix trapper settings.
type ZabbixConfig struct {
	Server string `json:"server"` // Zabbix server or proxy host
	Port   int    `json:"port"`   // Trapper port
	Host   string `json:"host"`   // Monitored host name in Zabbix
	Key    string `json:"key"`    // Trapper item key
}

// KafkaConfig holds Kafka alert publishing settings.
type KafkaConfig struct {
	Brokers string `json:"brokers"` // Comma-separated broker addresses
	Topic   string `json:"topic"`   // Alert topic
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	Webhook WebhookConfig `json:"webhook"` // Webhook settings
	Log     LogConfig     `json:"log"`     // Log file settings
	Email   EmailConfig   `json:"email"`   // Email settings
	Zabbix  ZabbixConfig  `json:"zabbix"`  // Zabbix settings
	Kafka   KafkaConfig   `json:"kafka"`   // Kafka settings
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System        SystemConfig        `json:"system"`
	Station       StationConfig       `json:"station"`
	Audio         AudioConfig         `json:"audio"`
	Alert         AlertConfig         `json:"alert"`
	Monitor       MonitorConfig       `json:"monitor"`
	Storage       StorageConfig       `json:"storage"`
	Notifications NotificationsConfig `json:"notifications"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	c := &Config{
		System:  SystemConfig{Port: DefaultWebPort},
		Station: StationConfig{Name: DefaultStationName},
		Alert: AlertConfig{
			Enabled:    true,
			Threshold:  DefaultAlertThreshold,
			CooldownMs: DefaultAlertCooldownMs,
		},
		Monitor: MonitorConfig{
			SampleIntervalMs: DefaultSampleIntervalMs,
			RecordIntervalMs: DefaultRecordIntervalMs,
			DisplayWindow:    DefaultDisplayWindow,
		},
		Storage:  StorageConfig{Backend: StorageFile},
		filePath: filePath,
	}
	c.applyDefaults()
	return c
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	c.applyDefaults()

	return c.validate()
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	name := c.Station.Name
	if name == "" || len(name) > 30 || !stationNamePattern.MatchString(name) {
		return fmt.Errorf("invalid station name %q: must be 1-30 printable characters", name)
	}
	if err := ValidateThreshold(c.Alert.Threshold); err != nil {
		return err
	}
	if c.Alert.CooldownMs < 0 {
		return fmt.Errorf("invalid alert cooldown_ms %d: must not be negative", c.Alert.CooldownMs)
	}
	if c.Monitor.SampleIntervalMs <= 0 || c.Monitor.RecordIntervalMs < c.Monitor.SampleIntervalMs {
		return fmt.Errorf("invalid monitor intervals: sample %dms, record %dms (record must be >= sample > 0)",
			c.Monitor.SampleIntervalMs, c.Monitor.RecordIntervalMs)
	}
	if c.Monitor.DisplayWindow <= 0 {
		return fmt.Errorf("invalid display_window %d: must be positive", c.Monitor.DisplayWindow)
	}
	switch c.Storage.Backend {
	case StorageFile:
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage backend s3 requires a bucket")
		}
	default:
		return fmt.Errorf("invalid storage backend %q: must be %q or %q", c.Storage.Backend, StorageFile, StorageS3)
	}
	if c.System.Port <= 0 || c.System.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.System.Port)
	}
	return nil
}

// ValidateThreshold checks an alert threshold against the allowed range.
func ValidateThreshold(threshold float64) error {
	if threshold < MinAlertThreshold || threshold > MaxAlertThreshold {
		return fmt.Errorf("invalid alert threshold %.1f: must be between %.0f and %.0f",
			threshold, MinAlertThreshold, MaxAlertThreshold)
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	if c.System.Port == 0 {
		c.System.Port = DefaultWebPort
	}
	if c.Station.Name == "" {
		c.Station.Name = DefaultStationName
	}
	if c.Alert.Threshold == 0 {
		c.Alert.Threshold = DefaultAlertThreshold
	}
	if c.Monitor.SampleIntervalMs == 0 {
		c.Monitor.SampleIntervalMs = DefaultSampleIntervalMs
	}
	if c.Monitor.RecordIntervalMs == 0 {
		c.Monitor.RecordIntervalMs = DefaultRecordIntervalMs
	}
	if c.Monitor.DisplayWindow == 0 {
		c.Monitor.DisplayWindow = DefaultDisplayWindow
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageFile
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(filepath.Dir(c.filePath), DefaultSessionsFile)
	}
	if c.Storage.S3.Key == "" {
		c.Storage.S3.Key = DefaultS3Key
	}
	if c.Notifications.Zabbix.Port == 0 {
		c.Notifications.Zabbix.Port = DefaultZabbixPort
	}
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// --- Getters for individual settings ---

// AudioInput returns the configured audio input device.
func (c *Config) AudioInput() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Audio.Input
}

// FFmpegPath returns the configured FFmpeg binary path.
func (c *Config) FFmpegPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.FFmpegPath
}

// APIKey returns the API key for mutating endpoints.
func (c *Config) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.APIKey
}

// --- Setters for individual settings ---

// SetAlert updates the alert settings and saves the configuration.
func (c *Config) SetAlert(enabled bool, threshold float64, cooldownMs int64) error {
	if err := ValidateThreshold(threshold); err != nil {
		return err
	}
	if cooldownMs < 0 {
		return fmt.Errorf("invalid alert cooldown_ms %d: must not be negative", cooldownMs)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Alert = AlertConfig{Enabled: enabled, Threshold: threshold, CooldownMs: cooldownMs}
	return c.saveLocked()
}

// SetAudioInput updates the audio input device and saves the configuration.
func (c *Config) SetAudioInput(input string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Audio.Input = input
	return c.saveLocked()
}

// SetStationName updates the station name and saves the configuration.
func (c *Config) SetStationName(name string) error {
	if name == "" || len(name) > 30 || !stationNamePattern.MatchString(name) {
		return fmt.Errorf("invalid station name %q: must be 1-30 printable characters", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Station.Name = name
	return c.saveLocked()
}

// SetWebhookURL updates the webhook URL and saves the configuration.
func (c *Config) SetWebhookURL(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Webhook.URL = url
	return c.saveLocked()
}

// SetLogPath updates the log file path and saves the configuration.
func (c *Config) SetLogPath(path string) error {
	if path != "" {
		if err := util.ValidatePath("log path", path); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Log.Path = path
	return c.saveLocked()
}

// SetGraphConfig updates all Microsoft Graph/Email configuration fields and saves.
func (c *Config) SetGraphConfig(tenantID, clientID, clientSecret, fromAddress, recipients string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Email = EmailConfig{
		TenantID:     tenantID,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		FromAddress:  fromAddress,
		Recipients:   recipients,
	}
	return c.saveLocked()
}

// SetZabbixConfig updates the Zabbix trapper settings and saves.
func (c *Config) SetZabbixConfig(server string, port int, host, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Zabbix = ZabbixConfig{
		Server: server,
		Port:   cmp.Or(port, DefaultZabbixPort),
		Host:   host,
		Key:    key,
	}
	return c.saveLocked()
}

// SetKafkaConfig updates the Kafka settings and saves.
func (c *Config) SetKafkaConfig(brokers, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Kafka = KafkaConfig{Brokers: brokers, Topic: topic}
	return c.saveLocked()
}

// SetAPIKey updates the API key and saves the configuration.
func (c *Config) SetAPIKey(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.System.APIKey = key
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	WebPort      int
	FFmpegPath   string
	APIKey       string
	EventLogPath string

	// Station
	StationName string

	// Audio
	AudioInput string

	// Alert
	AlertEnabled    bool
	AlertThreshold  float64
	AlertCooldownMs int64

	// Monitor
	SampleIntervalMs int64
	RecordIntervalMs int64
	DisplayWindow    int
	AutoStart        bool

	// Storage
	StorageBackend    string
	StoragePath       string
	S3Endpoint        string
	S3Bucket          string
	S3Key             string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// Notifications
	WebhookURL        string
	LogPath           string
	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphFromAddress  string
	GraphRecipients   string
	ZabbixServer      string
	ZabbixPort        int
	ZabbixHost        string
	ZabbixKey         string
	KafkaBrokers      []string
	KafkaTopic        string
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		// System
		WebPort:      c.System.Port,
		FFmpegPath:   c.System.FFmpegPath,
		APIKey:       c.System.APIKey,
		EventLogPath: c.System.EventLogPath,

		// Station
		StationName: c.Station.Name,

		// Audio
		AudioInput: c.Audio.Input,

		// Alert (with defaults)
		AlertEnabled:    c.Alert.Enabled,
		AlertThreshold:  cmp.Or(c.Alert.Threshold, DefaultAlertThreshold),
		AlertCooldownMs: c.Alert.CooldownMs,

		// Monitor (with defaults)
		SampleIntervalMs: cmp.Or(c.Monitor.SampleIntervalMs, DefaultSampleIntervalMs),
		RecordIntervalMs: cmp.Or(c.Monitor.RecordIntervalMs, DefaultRecordIntervalMs),
		DisplayWindow:    cmp.Or(c.Monitor.DisplayWindow, DefaultDisplayWindow),
		AutoStart:        c.Monitor.AutoStart,

		// Storage
		StorageBackend:    cmp.Or(c.Storage.Backend, StorageFile),
		StoragePath:       c.Storage.Path,
		S3Endpoint:        c.Storage.S3.Endpoint,
		S3Bucket:          c.Storage.S3.Bucket,
		S3Key:             cmp.Or(c.Storage.S3.Key, DefaultS3Key),
		S3AccessKeyID:     c.Storage.S3.AccessKeyID,
		S3SecretAccessKey: c.Storage.S3.SecretAccessKey,

		// Notifications
		WebhookURL:        c.Notifications.Webhook.URL,
		LogPath:           c.Notifications.Log.Path,
		GraphTenantID:     c.Notifications.Email.TenantID,
		GraphClientID:     c.Notifications.Email.ClientID,
		GraphClientSecret: c.Notifications.Email.ClientSecret,
		GraphFromAddress:  c.Notifications.Email.FromAddress,
		GraphRecipients:   c.Notifications.Email.Recipients,
		ZabbixServer:      c.Notifications.Zabbix.Server,
		ZabbixPort:        cmp.Or(c.Notifications.Zabbix.Port, DefaultZabbixPort),
		ZabbixHost:        c.Notifications.Zabbix.Host,
		ZabbixKey:         c.Notifications.Zabbix.Key,
		KafkaBrokers:      splitList(c.Notifications.Kafka.Brokers),
		KafkaTopic:        c.Notifications.Kafka.Topic,
	}
}

// AlertConfig returns the alert detector settings.
func (s *Snapshot) AlertConfig() audio.AlertConfig {
	return audio.AlertConfig{
		Enabled:   s.AlertEnabled,
		Threshold: s.AlertThreshold,
		Cooldown:  time.Duration(s.AlertCooldownMs) * time.Millisecond,
	}
}

// HasWebhook reports whether a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.WebhookURL != ""
}

// HasGraph reports whether Microsoft Graph email notifications are configured.
func (s *Snapshot) HasGraph() bool {
	return s.GraphTenantID != "" && s.GraphClientID != "" && s.GraphClientSecret != "" &&
		s.GraphFromAddress != "" && s.GraphRecipients != ""
}

// HasLogPath reports whether a log path is configured.
func (s *Snapshot) HasLogPath() bool {
	return s.LogPath != ""
}

// HasZabbix reports whether Zabbix trapper notifications are configured.
func (s *Snapshot) HasZabbix() bool {
	return s.ZabbixServer != "" && s.ZabbixHost != "" && s.ZabbixKey != ""
}

// HasKafka reports whether Kafka alert publishing is configured.
func (s *Snapshot) HasKafka() bool {
	return len(s.KafkaBrokers) > 0 && s.KafkaTopic != ""
}

// HasAPIKey reports whether mutating endpoints require an API key.
func (s *Snapshot) HasAPIKey() bool {
	return s.APIKey != ""
}

// --- Utility functions ---

// splitList splits a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
