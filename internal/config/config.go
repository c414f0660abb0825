// Package config loads the JSON settings file shared by ispctl and the
// admin server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/ispflash/internal/isp"
	"github.com/banshee-data/ispflash/internal/serialmux"
)

const maxConfigSize = 1 * 1024 * 1024

// Default values for settings that isp.DefaultConfig does not cover.
const (
	DefaultSerialPort = "/dev/ttyUSB0"
	DefaultDBPath     = "ispflash.db"
	DefaultListenAddr = "localhost:8089"
)

// Config is the flat settings file. Every field is optional: a nil pointer
// takes the protocol default, so a partial file only overrides what it names.
type Config struct {
	AckTimeout     *string `json:"ack_timeout,omitempty"`
	AckDoneTimeout *string `json:"ack_done_timeout,omitempty"`
	ReAckTimeout   *string `json:"reack_timeout,omitempty"`
	SettleDelay    *string `json:"settle_delay,omitempty"`
	CommandTimeout *string `json:"command_timeout,omitempty"`
	PollInterval   *string `json:"poll_interval,omitempty"`
	WatchInterval  *string `json:"watch_interval,omitempty"`

	PacketSize *int `json:"packet_size,omitempty"`
	TxMaxChunk *int `json:"tx_max_chunk,omitempty"`
	RxMaxChunk *int `json:"rx_max_chunk,omitempty"`

	AckTimeoutLimit       *int    `json:"ack_timeout_limit,omitempty"`
	NackLimit             *int    `json:"nack_limit,omitempty"`
	DuplicateAckLimit     *int    `json:"duplicate_ack_limit,omitempty"`
	OutOfOrderLimit       *int    `json:"out_of_order_limit,omitempty"`
	ReAckLimit            *int    `json:"reack_limit,omitempty"`
	DuplicateLogThreshold *int    `json:"duplicate_log_threshold,omitempty"`
	AckDonePolicy         *string `json:"ack_done_policy,omitempty"`

	SerialPort *string `json:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	DataBits   *int    `json:"data_bits,omitempty"`
	StopBits   *int    `json:"stop_bits,omitempty"`
	Parity     *string `json:"parity,omitempty"`

	DBPath     *string `json:"db_path,omitempty"`
	ListenAddr *string `json:"listen_addr,omitempty"`
	Debug      *bool   `json:"debug,omitempty"`
}

func ptrString(s string) *string { return &s }
func ptrInt(i int) *int          { return &i }
func ptrBool(b bool) *bool       { return &b }

// Default returns a Config with every field populated.
func Default() *Config {
	d := isp.DefaultConfig()
	return &Config{
		AckTimeout:            ptrString(d.AckTimeout.String()),
		AckDoneTimeout:        ptrString(d.AckDoneTimeout.String()),
		ReAckTimeout:          ptrString(d.ReAckTimeout.String()),
		SettleDelay:           ptrString(d.SettleDelay.String()),
		CommandTimeout:        ptrString(d.CommandTimeout.String()),
		PollInterval:          ptrString(d.PollInterval.String()),
		WatchInterval:         ptrString(d.WatchInterval.String()),
		PacketSize:            ptrInt(d.PacketSize),
		TxMaxChunk:            ptrInt(d.TxMaxChunk),
		RxMaxChunk:            ptrInt(d.RxMaxChunk),
		AckTimeoutLimit:       ptrInt(d.AckTimeoutLimit),
		NackLimit:             ptrInt(d.NackLimit),
		DuplicateAckLimit:     ptrInt(d.DuplicateAckLimit),
		OutOfOrderLimit:       ptrInt(d.OutOfOrderLimit),
		ReAckLimit:            ptrInt(d.ReAckLimit),
		DuplicateLogThreshold: ptrInt(d.DuplicateLogThreshold),
		AckDonePolicy:         ptrString(d.AckDonePolicy.String()),
		SerialPort:            ptrString(DefaultSerialPort),
		BaudRate:              ptrInt(serialmux.DefaultBaudRate),
		DataBits:              ptrInt(8),
		StopBits:              ptrInt(1),
		Parity:                ptrString("N"),
		DBPath:                ptrString(DefaultDBPath),
		ListenAddr:            ptrString(DefaultListenAddr),
		Debug:                 ptrBool(false),
	}
}

// Load reads a settings file. The path must end in .json and the file may
// not exceed 1MB. Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	if strings.ToLower(filepath.Ext(path)) != ".json" {
		return nil, fmt.Errorf("config file must have .json extension: %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks that durations parse and that the resulting protocol and
// port settings are usable.
func (c *Config) Validate() error {
	for name, p := range map[string]*string{
		"ack_timeout":      c.AckTimeout,
		"ack_done_timeout": c.AckDoneTimeout,
		"reack_timeout":    c.ReAckTimeout,
		"settle_delay":     c.SettleDelay,
		"command_timeout":  c.CommandTimeout,
		"poll_interval":    c.PollInterval,
		"watch_interval":   c.WatchInterval,
	} {
		if p == nil {
			continue
		}
		d, err := time.ParseDuration(*p)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *p, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, *p)
		}
	}
	if c.AckDonePolicy != nil {
		if _, err := isp.ParseAckDonePolicy(*c.AckDonePolicy); err != nil {
			return err
		}
	}
	if c.SerialPort != nil && *c.SerialPort == "" {
		return fmt.Errorf("serial_port must not be empty")
	}
	if _, err := c.PortOptions().Normalise(); err != nil {
		return fmt.Errorf("serial options: %w", err)
	}
	return c.ISP().Validate()
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func stringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

// ISP returns the protocol configuration. Unparseable values fall back to
// the defaults; call Validate to reject them instead.
func (c *Config) ISP() isp.Config {
	d := isp.DefaultConfig()
	d.AckTimeout = durationOr(c.AckTimeout, d.AckTimeout)
	d.AckDoneTimeout = durationOr(c.AckDoneTimeout, d.AckDoneTimeout)
	d.ReAckTimeout = durationOr(c.ReAckTimeout, d.ReAckTimeout)
	d.SettleDelay = durationOr(c.SettleDelay, d.SettleDelay)
	d.CommandTimeout = durationOr(c.CommandTimeout, d.CommandTimeout)
	d.PollInterval = durationOr(c.PollInterval, d.PollInterval)
	d.WatchInterval = durationOr(c.WatchInterval, d.WatchInterval)
	d.PacketSize = intOr(c.PacketSize, d.PacketSize)
	d.TxMaxChunk = intOr(c.TxMaxChunk, d.TxMaxChunk)
	d.RxMaxChunk = intOr(c.RxMaxChunk, d.RxMaxChunk)
	d.AckTimeoutLimit = intOr(c.AckTimeoutLimit, d.AckTimeoutLimit)
	d.NackLimit = intOr(c.NackLimit, d.NackLimit)
	d.DuplicateAckLimit = intOr(c.DuplicateAckLimit, d.DuplicateAckLimit)
	d.OutOfOrderLimit = intOr(c.OutOfOrderLimit, d.OutOfOrderLimit)
	d.ReAckLimit = intOr(c.ReAckLimit, d.ReAckLimit)
	d.DuplicateLogThreshold = intOr(c.DuplicateLogThreshold, d.DuplicateLogThreshold)
	if c.AckDonePolicy != nil {
		if p, err := isp.ParseAckDonePolicy(*c.AckDonePolicy); err == nil {
			d.AckDonePolicy = p
		}
	}
	return d
}

// PortOptions returns the serial line settings. Zero values are filled in by
// serialmux.PortOptions.Normalise.
func (c *Config) PortOptions() serialmux.PortOptions {
	return serialmux.PortOptions{
		BaudRate: intOr(c.BaudRate, 0),
		DataBits: intOr(c.DataBits, 0),
		StopBits: intOr(c.StopBits, 0),
		Parity:   stringOr(c.Parity, ""),
	}
}

func (c *Config) GetSerialPort() string { return stringOr(c.SerialPort, DefaultSerialPort) }
func (c *Config) GetDBPath() string     { return stringOr(c.DBPath, DefaultDBPath) }
func (c *Config) GetListenAddr() string { return stringOr(c.ListenAddr, DefaultListenAddr) }

func (c *Config) GetDebug() bool {
	if c.Debug == nil {
		return false
	}
	return *c.Debug
}
