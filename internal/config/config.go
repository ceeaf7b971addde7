// Package config loads the driver's tunables from YAML, fills defaults, and
// validates the combinations the core cannot operate under.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level driver configuration.
type Config struct {
	// CopyBreak is the largest frame the receive path copies instead of
	// handing off zero-copy.
	CopyBreak int `yaml:"copy_break"`

	// BatchLimit caps the events one handler invocation processes.
	BatchLimit int `yaml:"batch_limit"`

	// QueueDepth is the deferred work queue capacity, a power of two.
	QueueDepth int `yaml:"queue_depth"`

	// RxBudget bounds frames drained per receive event.
	RxBudget int `yaml:"rx_budget"`

	// StackSize is the private interrupt stack size in bytes.
	StackSize int `yaml:"stack_size"`

	// CorruptionCeiling is how many guard corruptions the driver
	// tolerates before halting interrupt service.
	CorruptionCeiling int `yaml:"corruption_ceiling"`

	// ForceTier overrides cache-policy selection: "coherent",
	// "selective-flush", "full-flush", "software-barrier", "no-dma", or
	// empty for automatic selection.
	ForceTier string `yaml:"force_tier"`

	// Virtualized marks the CPU mode where whole-cache flushes fault.
	// Normally detected; settable for testing the conservative path.
	Virtualized bool `yaml:"virtualized"`

	Devices []Device `yaml:"devices"`
}

// Device describes one adapter.
type Device struct {
	Name   string `yaml:"name"`
	IRQ    uint8  `yaml:"irq"`
	IOBase uint16 `yaml:"iobase"`

	// Mode is "pio" or "busmaster".
	Mode string `yaml:"mode"`

	// RingSize is the upload ring slot count, busmaster only.
	RingSize int `yaml:"ring_size"`
}

// Defaults mirror the values the original adapters shipped with.
const (
	DefaultCopyBreak         = 256
	DefaultBatchLimit        = 10
	DefaultQueueDepth        = 64
	DefaultRxBudget          = 32
	DefaultStackSize         = 4096
	DefaultCorruptionCeiling = 8
	DefaultRingSize          = 16
)

// Load reads path, applies env overrides and defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given: one
// busmaster adapter on the conventional EtherLink settings.
func Default() *Config {
	cfg := &Config{
		Devices: []Device{{Name: "eth0", IRQ: 10, IOBase: 0x300, Mode: "busmaster"}},
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Environment overrides, highest precedence. Only the tunables someone
// would flip per-run without editing a file.
func (c *Config) applyEnv() {
	if v, ok := intEnv("ELCORE_COPY_BREAK"); ok {
		c.CopyBreak = v
	}
	if v, ok := intEnv("ELCORE_BATCH_LIMIT"); ok {
		c.BatchLimit = v
	}
	if v, ok := intEnv("ELCORE_RX_BUDGET"); ok {
		c.RxBudget = v
	}
	if v := os.Getenv("ELCORE_FORCE_TIER"); v != "" {
		c.ForceTier = v
	}
}

func intEnv(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Config) applyDefaults() {
	if c.CopyBreak == 0 {
		c.CopyBreak = DefaultCopyBreak
	}
	if c.BatchLimit == 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.RxBudget == 0 {
		c.RxBudget = DefaultRxBudget
	}
	if c.StackSize == 0 {
		c.StackSize = DefaultStackSize
	}
	if c.CorruptionCeiling == 0 {
		c.CorruptionCeiling = DefaultCorruptionCeiling
	}
	for i := range c.Devices {
		dev := &c.Devices[i]
		if dev.Mode == "" {
			dev.Mode = "pio"
		}
		if dev.Mode == "busmaster" && dev.RingSize == 0 {
			dev.RingSize = DefaultRingSize
		}
	}
}

var validTiers = map[string]bool{
	"coherent": true, "selective-flush": true, "full-flush": true,
	"software-barrier": true, "no-dma": true,
}

// Validate rejects combinations the core cannot run under.
func (c *Config) Validate() error {
	if c.QueueDepth&(c.QueueDepth-1) != 0 {
		return fmt.Errorf("config: queue_depth %d is not a power of two", c.QueueDepth)
	}
	if c.BatchLimit < 1 {
		return fmt.Errorf("config: batch_limit %d", c.BatchLimit)
	}
	if c.ForceTier != "" && !validTiers[c.ForceTier] {
		return fmt.Errorf("config: unknown force_tier %q", c.ForceTier)
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("config: no devices")
	}
	seen := map[string]bool{}
	for i, dev := range c.Devices {
		if dev.Name == "" {
			return fmt.Errorf("config: device %d has no name", i)
		}
		if seen[dev.Name] {
			return fmt.Errorf("config: duplicate device name %q", dev.Name)
		}
		seen[dev.Name] = true
		if dev.Mode != "pio" && dev.Mode != "busmaster" {
			return fmt.Errorf("config: device %q: unknown mode %q", dev.Name, dev.Mode)
		}
		if dev.IRQ == 2 || dev.IRQ > 15 {
			return fmt.Errorf("config: device %q: irq %d is not assignable", dev.Name, dev.IRQ)
		}
		if dev.IOBase == 0 {
			return fmt.Errorf("config: device %q: no iobase", dev.Name)
		}
	}
	return nil
}
