// Package config loads the hostcalld configuration file.
//
// Example:
//
//	[log]
//	level = "info"
//	file = "log/hostcalld.log"
//
//	[server]
//	metrics_addr = "127.0.0.1:9100"
//	rate_limit = 5000
//	burst = 500
//	scratch_max = "256MiB"
//
//	[discovery]
//	etcd_endpoints = ["127.0.0.1:2379"]
//
//	[[sessions]]
//	device = 0
//	listen = "127.0.0.1:7100"
//	capacity = "1GiB"
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"hostcall/codec"
	"hostcall/loadbalance"
)

// ByteSize is a byte count written as a human-readable string ("64KiB", "1 GB") or an
// integer.
type ByteSize uint64

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

const defaultShutdownTimeout = 10 * time.Second

// Duration is a time.Duration written as a string ("10s", "500ms").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Config struct {
	Log       Log       `toml:"log"`
	Server    Server    `toml:"server"`
	Discovery Discovery `toml:"discovery"`
	Client    Client    `toml:"client"`
	Sessions  []Session `toml:"sessions"`
}

type Log struct {
	Level      string `toml:"level"`
	File       string `toml:"file"` // Empty disables the rotating file
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type Server struct {
	MetricsAddr     string   `toml:"metrics_addr"` // Empty disables the ops HTTP server
	RateLimit       float64  `toml:"rate_limit"`   // Hostcalls per second per session, 0 disables
	Burst           int      `toml:"burst"`
	ScratchMax      ByteSize `toml:"scratch_max"`
	ScratchIdle     int      `toml:"scratch_idle"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type Discovery struct {
	EtcdEndpoints []string `toml:"etcd_endpoints"` // Empty uses in-process discovery
	TTL           int64    `toml:"ttl"`
}

// Client configures device-side producers (hostcall-probe).
type Client struct {
	Codec    string `toml:"codec"`
	Balancer string `toml:"balancer"`
	PoolSize int    `toml:"pool_size"`
}

// Session is one device session: one registry, one listener.
type Session struct {
	Device    uint32   `toml:"device"`
	Listen    string   `toml:"listen"`
	Advertise string   `toml:"advertise"` // Address announced to producers, defaults to Listen
	Capacity  ByteSize `toml:"capacity"`
}

// Load reads, defaults and validates the file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes a TOML document, fills defaults and validates the result.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given: one session for
// device 0 on the loopback interface.
func Default() Config {
	var cfg Config
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 7
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = 1
	}
	if c.Server.ScratchMax == 0 {
		c.Server.ScratchMax = 256 << 20
	}
	if c.Server.ScratchIdle == 0 {
		c.Server.ScratchIdle = 8
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(defaultShutdownTimeout)
	}
	if c.Discovery.TTL == 0 {
		c.Discovery.TTL = 10
	}
	if c.Client.Codec == "" {
		c.Client.Codec = "binary"
	}
	if c.Client.Balancer == "" {
		c.Client.Balancer = "round_robin"
	}
	if c.Client.PoolSize == 0 {
		c.Client.PoolSize = 2
	}
	if len(c.Sessions) == 0 {
		c.Sessions = []Session{{Device: 0, Listen: "127.0.0.1:7100"}}
	}
	for i := range c.Sessions {
		if c.Sessions[i].Capacity == 0 {
			c.Sessions[i].Capacity = 1 << 30
		}
	}
}

// MaxDevice is the largest device id an address can carry.
const MaxDevice = 255

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var err error
	if _, ok := codec.ParseCodecType(c.Client.Codec); !ok {
		err = multierr.Append(err, fmt.Errorf("client.codec: unknown codec %q", c.Client.Codec))
	}
	if _, lbErr := loadbalance.New(c.Client.Balancer, ""); lbErr != nil {
		err = multierr.Append(err, fmt.Errorf("client.balancer: %w", lbErr))
	}
	if c.Client.PoolSize < 0 {
		err = multierr.Append(err, errors.New("client.pool_size must not be negative"))
	}
	if c.Server.RateLimit < 0 {
		err = multierr.Append(err, errors.New("server.rate_limit must not be negative"))
	}
	if c.Server.ScratchMax > ByteSize(maxInt) {
		err = multierr.Append(err, fmt.Errorf("server.scratch_max %s is too large", c.Server.ScratchMax))
	}
	if c.Discovery.TTL < 0 {
		err = multierr.Append(err, errors.New("discovery.ttl must not be negative"))
	}

	devices := make(map[uint32]bool, len(c.Sessions))
	listens := make(map[string]bool, len(c.Sessions))
	for i, s := range c.Sessions {
		if s.Device > MaxDevice {
			err = multierr.Append(err, fmt.Errorf("sessions[%d]: device %d exceeds %d", i, s.Device, MaxDevice))
		}
		if devices[s.Device] {
			err = multierr.Append(err, fmt.Errorf("sessions[%d]: device %d has more than one session", i, s.Device))
		}
		devices[s.Device] = true
		if s.Listen == "" {
			err = multierr.Append(err, fmt.Errorf("sessions[%d]: listen address is required", i))
		} else if listens[s.Listen] {
			err = multierr.Append(err, fmt.Errorf("sessions[%d]: listen address %s is already used", i, s.Listen))
		}
		listens[s.Listen] = true
	}
	return err
}

const maxInt = int(^uint(0) >> 1)
