package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := New(path)
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	snap := cfg.Snapshot()
	if snap.WebPort != DefaultWebPort || snap.StationName != DefaultStationName {
		t.Errorf("port %d, station %q", snap.WebPort, snap.StationName)
	}
	if !snap.AlertEnabled || snap.AlertThreshold != DefaultAlertThreshold || snap.AlertCooldownMs != DefaultAlertCooldownMs {
		t.Errorf("alert = %v %v %v", snap.AlertEnabled, snap.AlertThreshold, snap.AlertCooldownMs)
	}
	if snap.SampleIntervalMs != DefaultSampleIntervalMs || snap.RecordIntervalMs != DefaultRecordIntervalMs {
		t.Errorf("intervals = %d/%d", snap.SampleIntervalMs, snap.RecordIntervalMs)
	}
	if snap.StorageBackend != StorageFile || snap.StoragePath != filepath.Join(dir, DefaultSessionsFile) {
		t.Errorf("storage = %q at %q", snap.StorageBackend, snap.StoragePath)
	}
	if snap.ZabbixPort != DefaultZabbixPort {
		t.Errorf("zabbix port = %d", snap.ZabbixPort)
	}
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	cfg := New(writeConfig(t, `{"alert": {"enabled": true, "threshold": 95}, "monitor": {"auto_start": true}}`))
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	snap := cfg.Snapshot()
	if snap.AlertThreshold != 95 || !snap.AutoStart {
		t.Errorf("threshold %v, auto_start %v", snap.AlertThreshold, snap.AutoStart)
	}
	if snap.DisplayWindow != DefaultDisplayWindow || snap.StationName != DefaultStationName {
		t.Errorf("display window %d, station %q", snap.DisplayWindow, snap.StationName)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"threshold too low", `{"alert": {"threshold": 10}}`, "threshold"},
		{"threshold too high", `{"alert": {"threshold": 111}}`, "threshold"},
		{"negative cooldown", `{"alert": {"threshold": 80, "cooldown_ms": -1}}`, "cooldown"},
		{"record faster than sample", `{"monitor": {"sample_interval_ms": 500, "record_interval_ms": 50}}`, "intervals"},
		{"unknown backend", `{"storage": {"backend": "ftp"}}`, "backend"},
		{"s3 without bucket", `{"storage": {"backend": "s3"}}`, "bucket"},
		{"bad port", `{"system": {"port": 70000}}`, "port"},
		{"malformed", `{`, "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(writeConfig(t, tt.body)).Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestSetAlertPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := New(path)
	if err := cfg.SetAlert(false, 100, 1500); err != nil {
		t.Fatalf("SetAlert() = %v", err)
	}
	if err := cfg.SetAlert(true, 40, 0); err == nil {
		t.Error("SetAlert(40) accepted a threshold below the minimum")
	}
	if err := cfg.SetAlert(true, 80, -5); err == nil {
		t.Error("SetAlert() accepted a negative cooldown")
	}

	reloaded := New(path)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	snap := reloaded.Snapshot()
	if snap.AlertEnabled || snap.AlertThreshold != 100 || snap.AlertCooldownMs != 1500 {
		t.Errorf("reloaded alert = %v %v %v", snap.AlertEnabled, snap.AlertThreshold, snap.AlertCooldownMs)
	}
}

func TestSnapshotAlertConfig(t *testing.T) {
	cfg := New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.SetAlert(true, 85, 2500); err != nil {
		t.Fatal(err)
	}
	snap := cfg.Snapshot()
	ac := snap.AlertConfig()
	if !ac.Enabled || ac.Threshold != 85 || ac.Cooldown != 2500*time.Millisecond {
		t.Errorf("AlertConfig() = %+v", ac)
	}
}

func TestNotificationHelpers(t *testing.T) {
	cfg := New(filepath.Join(t.TempDir(), "config.json"))
	snap := cfg.Snapshot()
	if snap.HasWebhook() || snap.HasGraph() || snap.HasLogPath() || snap.HasZabbix() || snap.HasKafka() || snap.HasAPIKey() {
		t.Fatal("fresh config reports a configured channel")
	}

	if err := cfg.SetKafkaConfig(" broker1:9092, ,broker2:9092 ", "noise"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetZabbixConfig("zbx", 0, "studio", "noise.alert"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetGraphConfig("tenant", "client", "secret", "from@example.com", "a@example.com"); err != nil {
		t.Fatal(err)
	}

	snap = cfg.Snapshot()
	if want := []string{"broker1:9092", "broker2:9092"}; !slices.Equal(snap.KafkaBrokers, want) {
		t.Errorf("brokers = %q, want %q", snap.KafkaBrokers, want)
	}
	if !snap.HasKafka() || !snap.HasZabbix() || !snap.HasGraph() {
		t.Error("configured channels not reported")
	}
	if snap.ZabbixPort != DefaultZabbixPort {
		t.Errorf("zabbix port = %d, want default", snap.ZabbixPort)
	}
}

func TestSetStationName(t *testing.T) {
	cfg := New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.SetStationName("Studio 2"); err != nil {
		t.Fatalf("SetStationName() = %v", err)
	}
	if err := cfg.SetStationName(strings.Repeat("x", 31)); err == nil {
		t.Error("SetStationName() accepted a 31-character name")
	}
	if got := cfg.Snapshot().StationName; got != "Studio 2" {
		t.Errorf("station = %q", got)
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateAPIKey()
	if len(a) != 32 || a == b {
		t.Errorf("keys %q and %q", a, b)
	}
}

func TestSetLogPathRejectsTraversal(t *testing.T) {
	cfg := New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.SetLogPath("/var/log/../../etc/passwd"); err == nil {
		t.Error("SetLogPath() accepted a path with '..'")
	}
	if err := cfg.SetLogPath(""); err != nil {
		t.Errorf("SetLogPath(\"\") = %v, want nil to disable the channel", err)
	}
}
