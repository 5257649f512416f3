// Package config describes a VM to run: its vcpus, memory layout, guest
// image and tracing outputs. Files are YAML or TOML, chosen by extension.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmm/internal/memory"
)

const (
	DefaultDevice       = "/dev/kvm"
	DefaultKickSignal   = "SIGCHLD"
	DefaultDebugConPort = 0xe9
	DefaultLoadAddr     = 0x1000
	DefaultMemorySize   = 64 << 20

	maxVcpus = 255
)

var ErrUnknownFormat = errors.New("config: unknown file format")

type Config struct {
	// Device is the KVM device node.
	Device string `yaml:"device,omitempty" toml:"device,omitempty"`

	Vcpus  int      `yaml:"vcpus" toml:"vcpus"`
	Memory []Region `yaml:"memory" toml:"memory"`

	// IrqChip creates the in-kernel interrupt controller.
	IrqChip bool `yaml:"irqchip" toml:"irqchip"`
	// KickSignal is the signal name used to interrupt running vcpus.
	KickSignal string `yaml:"kickSignal,omitempty" toml:"kick_signal,omitempty"`

	Guest Guest `yaml:"guest" toml:"guest"`

	DebugConPort uint16 `yaml:"debugConPort,omitempty" toml:"debug_con_port,omitempty"`
	// Serial adds a 16550 on COM1 whose output shares the console.
	Serial bool `yaml:"serial,omitempty" toml:"serial,omitempty"`

	// Trace and Timeslice are output paths; empty disables them.
	Trace     string `yaml:"trace,omitempty" toml:"trace,omitempty"`
	Timeslice string `yaml:"timeslice,omitempty" toml:"timeslice,omitempty"`
}

// Region is a guest RAM range. Both fields must be page aligned.
type Region struct {
	Base uint64 `yaml:"base" toml:"base"`
	Size uint64 `yaml:"size" toml:"size"`
}

// Guest is a flat binary loaded into RAM and entered at LoadAddr.
type Guest struct {
	Image    string `yaml:"image" toml:"image"`
	LoadAddr uint64 `yaml:"loadAddr,omitempty" toml:"load_addr,omitempty"`
}

// Default returns a one vcpu VM with 64MiB of RAM at 0.
func Default() Config {
	c := Config{}
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.Vcpus == 0 {
		c.Vcpus = 1
	}
	if len(c.Memory) == 0 {
		c.Memory = []Region{{Base: 0, Size: DefaultMemorySize}}
	}
	if c.KickSignal == "" {
		c.KickSignal = DefaultKickSignal
	}
	if c.DebugConPort == 0 {
		c.DebugConPort = DefaultDebugConPort
	}
	if c.Guest.LoadAddr == 0 {
		c.Guest.LoadAddr = DefaultLoadAddr
	}
}

// Signal resolves KickSignal.
func (c *Config) Signal() (unix.Signal, error) {
	name := strings.ToUpper(c.KickSignal)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("config: unknown kick signal %q", c.KickSignal)
	}
	return sig, nil
}

// Ranges returns the memory layout for guest memory construction.
func (c *Config) Ranges() []memory.Range {
	out := make([]memory.Range, len(c.Memory))
	for i, r := range c.Memory {
		out[i] = memory.Range{GuestAddr: r.Base, Size: r.Size}
	}
	return out
}

// Validate checks the configuration without touching the host.
func (c *Config) Validate() error {
	var errs []error

	if c.Vcpus < 1 || c.Vcpus > maxVcpus {
		errs = append(errs, fmt.Errorf("vcpus must be between 1 and %d, got %d", maxVcpus, c.Vcpus))
	}

	layout := memory.NewRangeMap[int]()
	for i, r := range c.Memory {
		if r.Base%hostarch.PageSize != 0 || r.Size%hostarch.PageSize != 0 {
			errs = append(errs, fmt.Errorf("memory[%d] at %#x size %#x is not page aligned", i, r.Base, r.Size))
			continue
		}
		if err := layout.Insert(r.Base, r.Size, i); err != nil {
			errs = append(errs, fmt.Errorf("memory[%d] at %#x size %#x: empty, wrapping or overlapping", i, r.Base, r.Size))
		}
	}
	if len(c.Memory) == 0 {
		errs = append(errs, errors.New("no memory regions"))
	}

	if c.Guest.Image == "" {
		errs = append(errs, errors.New("guest image is not set"))
	}
	if _, end, _, ok := layout.Lookup(c.Guest.LoadAddr); !ok {
		errs = append(errs, fmt.Errorf("guest load address %#x is not in memory", c.Guest.LoadAddr))
	} else if info, err := os.Stat(c.Guest.Image); err == nil && c.Guest.LoadAddr+uint64(info.Size()) > end {
		errs = append(errs, fmt.Errorf("guest image of %d bytes does not fit at %#x", info.Size(), c.Guest.LoadAddr))
	}

	if _, err := c.Signal(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

type format int

const (
	formatYAML format = iota
	formatTOML
)

func formatOf(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".toml":
		return formatTOML, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// Load reads the file at path and fills in defaults. Relative guest image
// paths are resolved against the file's directory.
func Load(path string) (Config, error) {
	f, err := formatOf(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	switch f {
	case formatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case formatTOML:
		md, err := toml.Decode(string(data), &c)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config: parse %s: unknown keys %v", path, undecoded)
		}
	}

	c.normalize()
	if c.Guest.Image != "" && !filepath.IsAbs(c.Guest.Image) {
		c.Guest.Image = filepath.Join(filepath.Dir(path), c.Guest.Image)
	}
	return c, nil
}

// Write stores c at path in the format its extension names.
func Write(path string, c Config) error {
	f, err := formatOf(path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	switch f {
	case formatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&c); err != nil {
			return fmt.Errorf("config: encode %s: %w", path, err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("config: encode %s: %w", path, err)
		}
	case formatTOML:
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("config: encode %s: %w", path, err)
		}
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
