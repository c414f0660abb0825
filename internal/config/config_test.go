package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/ispflash/internal/isp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ispctl.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}

	got := cfg.ISP()
	want := isp.DefaultConfig()
	if got.AckTimeout != want.AckTimeout || got.PacketSize != want.PacketSize ||
		got.TxMaxChunk != want.TxMaxChunk || got.AckDonePolicy != want.AckDonePolicy {
		t.Errorf("ISP() = %+v, want defaults %+v", got, want)
	}
	if cfg.GetSerialPort() != DefaultSerialPort {
		t.Errorf("GetSerialPort() = %q, want %q", cfg.GetSerialPort(), DefaultSerialPort)
	}
	if cfg.GetDebug() {
		t.Error("GetDebug() = true, want false")
	}
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if cfg.ISP().NackLimit != isp.DefaultConfig().NackLimit {
		t.Errorf("NackLimit = %d, want default", cfg.ISP().NackLimit)
	}
	if cfg.GetDBPath() != DefaultDBPath {
		t.Errorf("GetDBPath() = %q, want %q", cfg.GetDBPath(), DefaultDBPath)
	}
	if cfg.GetListenAddr() != DefaultListenAddr {
		t.Errorf("GetListenAddr() = %q, want %q", cfg.GetListenAddr(), DefaultListenAddr)
	}
	opts, err := cfg.PortOptions().Normalise()
	if err != nil {
		t.Fatalf("Normalise() = %v", err)
	}
	if opts.BaudRate != 115200 || opts.Parity != "N" {
		t.Errorf("PortOptions = %+v, want 115200 8N1", opts)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
  "ack_timeout": "250ms",
  "reack_timeout": "1s",
  "packet_size": 32,
  "tx_max_chunk": 1024,
  "nack_limit": 5,
  "ack_done_policy": "fail",
  "serial_port": "/dev/ttyACM1",
  "baud_rate": 57600,
  "parity": "even",
  "db_path": "/var/lib/ispflash/transfers.db",
  "debug": true
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	c := cfg.ISP()
	if c.AckTimeout != 250*time.Millisecond {
		t.Errorf("AckTimeout = %s, want 250ms", c.AckTimeout)
	}
	if c.ReAckTimeout != time.Second {
		t.Errorf("ReAckTimeout = %s, want 1s", c.ReAckTimeout)
	}
	if c.PacketSize != 32 || c.TxMaxChunk != 1024 || c.NackLimit != 5 {
		t.Errorf("sizes = %d/%d/%d, want 32/1024/5", c.PacketSize, c.TxMaxChunk, c.NackLimit)
	}
	if c.AckDonePolicy != isp.AckDoneFail {
		t.Errorf("AckDonePolicy = %s, want fail", c.AckDonePolicy)
	}
	// Unset fields keep defaults.
	if c.AckDoneTimeout != isp.DefaultConfig().AckDoneTimeout {
		t.Errorf("AckDoneTimeout = %s, want default", c.AckDoneTimeout)
	}

	opts, err := cfg.PortOptions().Normalise()
	if err != nil {
		t.Fatalf("Normalise() = %v", err)
	}
	if opts.BaudRate != 57600 || opts.Parity != "E" || opts.DataBits != 8 {
		t.Errorf("PortOptions = %+v", opts)
	}
	if cfg.GetSerialPort() != "/dev/ttyACM1" {
		t.Errorf("GetSerialPort() = %q", cfg.GetSerialPort())
	}
	if cfg.GetDBPath() != "/var/lib/ispflash/transfers.db" {
		t.Errorf("GetDBPath() = %q", cfg.GetDBPath())
	}
	if !cfg.GetDebug() {
		t.Error("GetDebug() = false, want true")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/config.json"); err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{"packet_size": "big"`)
	if _, err := Load(path); err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestLoadRejectsNonJSON(t *testing.T) {
	if _, err := Load("/some/path/config.yaml"); err == nil {
		t.Error("Expected error for non-.json extension, got nil")
	}
}

func TestLoadRejectsLargeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "large.json")
	if err := os.WriteFile(path, make([]byte, 2*1024*1024), 0o644); err != nil {
		t.Fatalf("Failed to write large file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected error for file size > 1MB, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"empty", `{}`, false},
		{"zero settle delay", `{"settle_delay": "0s"}`, false},
		{"bad duration", `{"ack_timeout": "soon"}`, true},
		{"negative duration", `{"settle_delay": "-5ms"}`, true},
		{"zero ack timeout", `{"ack_timeout": "0s"}`, true},
		{"packet too large", `{"packet_size": 300}`, true},
		{"zero packet", `{"packet_size": 0}`, true},
		{"zero nack limit", `{"nack_limit": 0}`, true},
		{"unknown policy", `{"ack_done_policy": "maybe"}`, true},
		{"bad baud", `{"baud_rate": 12345}`, true},
		{"bad parity", `{"parity": "M"}`, true},
		{"empty port", `{"serial_port": ""}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if (err != nil) != tt.wantErr {
				t.Errorf("Load(%s) error = %v, wantErr %v", tt.body, err, tt.wantErr)
			}
		})
	}
}

func TestLoadExampleConfig(t *testing.T) {
	var path string
	for _, p := range []string{
		"config/ispctl.example.json",
		"../config/ispctl.example.json",
		"../../config/ispctl.example.json",
	} {
		if _, err := os.Stat(p); err == nil {
			path = p
			break
		}
	}
	if path == "" {
		t.Skip("example config not found")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load %s: %v", path, err)
	}
	got, want := cfg.ISP(), isp.DefaultConfig()
	if got.PacketSize != want.PacketSize || got.TxMaxChunk != want.TxMaxChunk || got.RxMaxChunk != want.RxMaxChunk {
		t.Errorf("example sizes %d/%d/%d drift from defaults %d/%d/%d",
			got.PacketSize, got.TxMaxChunk, got.RxMaxChunk, want.PacketSize, want.TxMaxChunk, want.RxMaxChunk)
	}
}
