// Package config loads the job configuration tree from a YAML file via
// github.com/spf13/viper, reproducing original_source/src/config.rs's
// CncConfig field-for-field while using mapstructure tags the way the
// ambient stack's config layer is specified to (SPEC_FULL.md "AMBIENT
// STACK / Configuration").
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the root of the job description: logging, transport,
// controller parameters, GPIO inputs, and the ordered step list.
type Config struct {
	Logs       LogsConfig       `mapstructure:"logs"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Grbl       GrblConfig       `mapstructure:"grbl"`
	Inputs     InputsConfig     `mapstructure:"inputs"`
	Steps      []StepConfig     `mapstructure:"steps"`
}

// LogsConfig mirrors original_source's LogsConfig.
type LogsConfig struct {
	Verbose bool   `mapstructure:"verbose"`
	Save    bool   `mapstructure:"save"`
	Path    string `mapstructure:"path"`
}

// ConnectionConfig selects and configures one transport. Exactly one of
// TCP/Serial should be set per Kind; SPEC_FULL.md's domain stack adds the
// serial variant the distilled spec only gestures at ("serial").
type ConnectionConfig struct {
	Kind   string       `mapstructure:"kind"` // "tcp" or "serial"
	TCP    TCPConfig    `mapstructure:"tcp"`
	Serial SerialConfig `mapstructure:"serial"`
}

type TCPConfig struct {
	Address        string        `mapstructure:"address"`
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
}

type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// GrblConfig carries the RX_CAPACITY the flow-control scheduler accounts
// against (spec Open Question #1: always config-sourced, default 1024).
type GrblConfig struct {
	RxBufferSizeBytes int `mapstructure:"rx_buffer_size_bytes"`
}

// InputsConfig names the three GPIO lines the interrupt injector binds:
// the probe_xy/probe_z pins spec.md §4.G mentions, and the signal
// (start-gate) pin original_source/config.rs models.
type InputsConfig struct {
	Chip    string        `mapstructure:"chip"`
	Signal  *InputPinSpec `mapstructure:"signal"`
	ProbeXY *InputPinSpec `mapstructure:"probe_xy"`
	ProbeZ  *InputPinSpec `mapstructure:"probe_z"`
}

type InputPinSpec struct {
	Offset     int `mapstructure:"offset"`
	DebounceMs int `mapstructure:"debounce_ms"`
}

// StepConfig is one entry of the ordered step list: exactly one of Gcode
// or Bash is set, selected by Type ("gcode" or "bash"), matching
// original_source's #[serde(tag = "type")] enum.
type StepConfig struct {
	Type  string           `mapstructure:"type"`
	Gcode *GcodeStepConfig `mapstructure:"gcode"`
	Bash  *BashStepConfig  `mapstructure:"bash"`
}

type GcodeStepConfig struct {
	Path  string       `mapstructure:"path"`
	Probe *ProbeConfig `mapstructure:"probe"`
	// WaitForSignal and Check are pointers so an absent YAML key can be
	// told apart from an explicit false, matching original_source's serde
	// defaults (default_wait_for_signal -> true, default_check -> true).
	WaitForSignal *bool `mapstructure:"wait_for_signal"`
	Check         *bool `mapstructure:"check"`
}

// ShouldWaitForSignal reports the effective wait_for_signal value,
// defaulting to true when unset.
func (g *GcodeStepConfig) ShouldWaitForSignal() bool {
	return g.WaitForSignal == nil || *g.WaitForSignal
}

// ShouldCheck reports the effective check value, defaulting to true when
// unset.
func (g *GcodeStepConfig) ShouldCheck() bool {
	return g.Check == nil || *g.Check
}

type ProbeConfig struct {
	SavePath string `mapstructure:"save_path"`
}

type BashStepConfig struct {
	Command       string `mapstructure:"command"`
	WaitForSignal bool   `mapstructure:"wait_for_signal"`
}

// Defaults, applied before unmarshalling, including the spec's own default
// for RX_CAPACITY. The gcode wait_for_signal/check defaults (true) live in
// GcodeStepConfig's accessors; bash wait_for_signal defaults to false as
// the bool's zero value.
func setDefaults(v *viper.Viper) {
	v.SetDefault("grbl.rx_buffer_size_bytes", 1024)
	v.SetDefault("inputs.chip", "gpiochip0")
	v.SetDefault("connection.kind", "tcp")
	v.SetDefault("connection.tcp.connect_timeout", 5*time.Second)
	v.SetDefault("connection.tcp.read_timeout", 50*time.Millisecond)
	v.SetDefault("connection.serial.read_timeout", 50*time.Millisecond)
	v.SetDefault("logs.path", "~/.local/share/cnc-ctrl/cnc-ctrl.log")
}

// Load reads and parses path (or the default
// ~/.config/cnc-ctrl/config.yml if path is empty), the way
// original_source's CncConfig::load/get_config_path does.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = defaultPath()
		if err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	return &cfg, nil
}

func defaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving home directory")
	}
	return filepath.Join(home, ".config", "cnc-ctrl", "config.yml"), nil
}

// ExpandPath expands a leading "~" to the user's home directory, matching
// original_source's expand_path.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return strings.Replace(path, "~", home, 1)
}

// ApplyTemplate substitutes "{%t}" with timestamp, matching
// original_source's apply_template.
func ApplyTemplate(text, timestamp string) string {
	return strings.ReplaceAll(text, "{%t}", timestamp)
}
