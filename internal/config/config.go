// Package config loads the watch list of the unitywatch tool from a TOML file
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/zhuweiyou/unitymemory/internal/logger"
	"github.com/zhuweiyou/unitymemory/unity"
	"github.com/zhuweiyou/unitymemory/unity/il2cpp"
	"github.com/zhuweiyou/unitymemory/unity/mono"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

const defaultInterval = time.Second

// Backend selects the scripting runtime reader
type Backend string

const (
	BackendAuto   Backend = "auto"
	BackendIL2CPP Backend = "il2cpp"
	BackendMono   Backend = "mono"
)

// ValueType is how the address at the end of a watch path is read
type ValueType string

const (
	TypeInt32   ValueType = "int32"
	TypeUint32  ValueType = "uint32"
	TypeInt64   ValueType = "int64"
	TypeFloat32 ValueType = "float32"
	TypeFloat64 ValueType = "float64"
	TypeBool    ValueType = "bool"
	TypePointer ValueType = "pointer"
	TypeString  ValueType = "string"
)

var valueTypes = []ValueType{
	TypeInt32, TypeUint32, TypeInt64, TypeFloat32, TypeFloat64, TypeBool, TypePointer, TypeString,
}

// UnityVersion overrides version detection
type UnityVersion struct {
	Major int
	Minor int
}

func (v UnityVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Watch is one pointer path printed every tick
type Watch struct {
	Name     string
	Assembly string
	Class    string
	Parents  int
	Hops     []unity.Hop
	Type     ValueType
}

// Config is the validated content of a config file
type Config struct {
	Process string
	Backend Backend
	// UnityVersion is nil when the version is detected from the process
	UnityVersion *UnityVersion
	// RuntimeVersion names the structure generation directly ("V2022", "V1Cattrs")
	// and wins over UnityVersion. It requires an explicit backend.
	RuntimeVersion string
	Interval       time.Duration
	LogLevel       logger.Severity
	Watches        []Watch
}

type tomlConfig struct {
	Process        string      `toml:"process"`
	Backend        string      `toml:"backend"`
	UnityVersion   string      `toml:"unity_version"`
	RuntimeVersion string      `toml:"runtime_version"`
	Interval       string      `toml:"interval"`
	LogLevel       string      `toml:"log_level"`
	Watch          []tomlWatch `toml:"watch"`
}

type tomlWatch struct {
	Name     string   `toml:"name"`
	Assembly string   `toml:"assembly"`
	Class    string   `toml:"class"`
	Parents  int      `toml:"parents"`
	Path     []string `toml:"path"`
	Type     string   `toml:"type"`
}

// Load reads and validates a config file
func Load(path string) (*Config, error) {
	var raw tomlConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return build(raw, meta)
}

// Parse decodes and validates config text
func Parse(text string) (*Config, error) {
	var raw tomlConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return build(raw, meta)
}

func build(raw tomlConfig, meta toml.MetaData) (*Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}

	conf := &Config{
		Process:  strings.TrimSpace(raw.Process),
		Backend:  Backend(strings.ToLower(strings.TrimSpace(raw.Backend))),
		Interval: defaultInterval,
	}
	if conf.Backend == "" {
		conf.Backend = BackendAuto
	}

	if raw.UnityVersion != "" {
		var v UnityVersion
		if n, err := fmt.Sscanf(raw.UnityVersion, "%d.%d", &v.Major, &v.Minor); err != nil || n != 2 {
			return nil, fmt.Errorf("%w: unity_version %q is not major.minor", ErrInvalidConfig, raw.UnityVersion)
		}
		conf.UnityVersion = &v
	}

	conf.RuntimeVersion = strings.TrimSpace(raw.RuntimeVersion)

	if raw.Interval != "" {
		interval, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return nil, fmt.Errorf("%w: interval: %w", ErrInvalidConfig, err)
		}
		conf.Interval = interval
	}

	level, err := logger.ParseSeverity(raw.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	conf.LogLevel = level

	for i, w := range raw.Watch {
		watch, err := buildWatch(w)
		if err != nil {
			name := w.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}
			return nil, fmt.Errorf("%w: watch %s: %w", ErrInvalidConfig, name, err)
		}
		conf.Watches = append(conf.Watches, watch)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func buildWatch(w tomlWatch) (Watch, error) {
	hops, err := unity.ParseHops(w.Path)
	if err != nil {
		return Watch{}, err
	}

	watch := Watch{
		Name:     w.Name,
		Assembly: w.Assembly,
		Class:    w.Class,
		Parents:  w.Parents,
		Hops:     hops,
		Type:     ValueType(strings.ToLower(w.Type)),
	}
	if watch.Assembly == "" {
		watch.Assembly = unity.DefaultImageName
	}
	if watch.Type == "" {
		watch.Type = TypeInt32
	}
	return watch, nil
}

// Validate checks the fields that have no usable default
func (c *Config) Validate() error {
	if c.Process == "" {
		return fmt.Errorf("%w: process is required", ErrInvalidConfig)
	}
	switch c.Backend {
	case BackendAuto, BackendIL2CPP, BackendMono:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if err := c.validateRuntimeVersion(); err != nil {
		return fmt.Errorf("%w: runtime_version: %w", ErrInvalidConfig, err)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	if len(c.Watches) == 0 {
		return fmt.Errorf("%w: no watch entries", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.Watches))
	for _, w := range c.Watches {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("%w: watch %s: %w", ErrInvalidConfig, w.Name, err)
		}
		if seen[w.Name] {
			return fmt.Errorf("%w: duplicate watch %s", ErrInvalidConfig, w.Name)
		}
		seen[w.Name] = true
	}
	return nil
}

func (c *Config) validateRuntimeVersion() error {
	if c.RuntimeVersion == "" {
		return nil
	}
	var err error
	switch c.Backend {
	case BackendIL2CPP:
		_, err = il2cpp.ParseVersion(c.RuntimeVersion)
	case BackendMono:
		_, err = mono.ParseVersion(c.RuntimeVersion)
	default:
		err = errors.New("requires backend il2cpp or mono")
	}
	return err
}

// Validate checks a single watch entry
func (w Watch) Validate() error {
	if w.Name == "" {
		return errors.New("name is required")
	}
	if w.Class == "" {
		return errors.New("class is required")
	}
	if w.Parents < 0 {
		return fmt.Errorf("parents must not be negative, got %d", w.Parents)
	}
	if !slices.Contains(valueTypes, w.Type) {
		return fmt.Errorf("unknown type %q", w.Type)
	}
	if w.Type == TypeString && len(w.Hops) == 0 {
		return errors.New("a string watch needs at least one hop")
	}
	return nil
}
