// Package config loads the dispatcher configuration from starmap.yaml and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Distribution selects and sizes the execution backend.
type Distribution struct {
	// Backend is one of no, processpool, threadpool, remote, cluster.
	Backend string `mapstructure:"backend" yaml:"backend"`
	// NumCores overrides the pool size; 0 means all visible cores.
	NumCores int `mapstructure:"num_cores" yaml:"num_cores"`
	// Compress enables zstd compression of argument and result blobs.
	Compress bool `mapstructure:"compress" yaml:"compress"`
	// HostCores lists remote workers as "host cores,host cores".
	HostCores string `mapstructure:"host_cores" yaml:"host_cores"`
	// CtrlPort is the port remote workers listen on for submissions.
	CtrlPort int `mapstructure:"ctrl_port" yaml:"ctrl_port"`
	// StrictSlowTasks escalates the slow-task report to an error.
	StrictSlowTasks bool `mapstructure:"strict_slow_tasks" yaml:"strict_slow_tasks"`
}

// Memory bounds worker admission as percentages of system RAM.
type Memory struct {
	SoftMemLimit int `mapstructure:"soft_mem_limit" yaml:"soft_mem_limit"`
	HardMemLimit int `mapstructure:"hard_mem_limit" yaml:"hard_mem_limit"`
	PmapMaxMB    int `mapstructure:"pmap_max_mb" yaml:"pmap_max_mb"`
	PmapMaxGB    int `mapstructure:"pmap_max_gb" yaml:"pmap_max_gb"`
}

// Ingress configures the dispatcher's inbound result stream.
type Ingress struct {
	// ReceiverHost is the address advertised to remote workers; empty
	// means the local hostname.
	ReceiverHost string `mapstructure:"receiver_host" yaml:"receiver_host"`
	// Port is the listen port; 0 picks an ephemeral port.
	Port int `mapstructure:"port" yaml:"port"`
}

// Cluster configures the kafka-based cluster backend.
type Cluster struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// Telemetry configures the OpenTelemetry export of dispatcher metrics and
// task spans. Disabled by default.
type Telemetry struct {
	MetricsEnabled bool `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
	TracingEnabled bool `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	// Exporter is one of none, stdout, otlp-grpc, otlp-http.
	Exporter string `mapstructure:"exporter" yaml:"exporter"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure bool   `mapstructure:"insecure" yaml:"insecure"`
}

// Config is the full dispatcher configuration.
type Config struct {
	Distribution Distribution `mapstructure:"distribution" yaml:"distribution"`
	Memory       Memory       `mapstructure:"memory" yaml:"memory"`
	Ingress      Ingress      `mapstructure:"ingress" yaml:"ingress"`
	Cluster      Cluster      `mapstructure:"cluster" yaml:"cluster"`
	Telemetry    Telemetry    `mapstructure:"telemetry" yaml:"telemetry"`
	// DataDir holds autogenerated telemetry stores. Env DATA overrides.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Distribution: Distribution{
			Backend:  "processpool",
			CtrlPort: 1909,
		},
		Memory: Memory{
			SoftMemLimit: 80,
			HardMemLimit: 99,
			PmapMaxGB:    1,
		},
		Cluster: Cluster{
			Topic: "starmap-tasks",
		},
		DataDir: defaultDataDir(),
	}
}

var (
	mu     sync.RWMutex
	loaded *Config
)

// Load reads starmap.yaml from path (or the working directory when empty),
// applies defaults and environment overrides, and installs the result as the
// active configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("starmap")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.starmap")
	}
	cfg := Default()
	err := v.ReadInConfig()
	switch {
	case err == nil:
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	case isNotFound(err):
		// no file: defaults plus environment
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	applyEnv(cfg)
	normalize(cfg)
	Set(cfg)
	return cfg, nil
}

// Get returns the active configuration, loading defaults on first use.
func Get() *Config {
	mu.RLock()
	c := loaded
	mu.RUnlock()
	if c != nil {
		return c
	}
	c, _ = Load("")
	return c
}

// Set installs cfg as the active configuration.
func Set(cfg *Config) {
	normalize(cfg)
	mu.Lock()
	loaded = cfg
	mu.Unlock()
}

func applyEnv(cfg *Config) {
	if dist := os.Getenv("DISTRIBUTE"); dist != "" {
		cfg.Distribution.Backend = dist
	}
	if data := os.Getenv("DATA"); data != "" {
		cfg.DataDir = data
	}
}

func normalize(cfg *Config) {
	if cfg.Distribution.Backend == "" {
		cfg.Distribution.Backend = "processpool"
	}
	if cfg.Distribution.NumCores <= 0 {
		cfg.Distribution.NumCores = runtime.NumCPU()
	}
	if cfg.Distribution.CtrlPort == 0 {
		cfg.Distribution.CtrlPort = 1909
	}
	if cfg.Memory.SoftMemLimit <= 0 {
		cfg.Memory.SoftMemLimit = 80
	}
	if cfg.Memory.HardMemLimit <= 0 {
		cfg.Memory.HardMemLimit = 99
	}
	if cfg.Cluster.Topic == "" {
		cfg.Cluster.Topic = "starmap-tasks"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
}

// Hosts returns the remote worker hosts with their advertised core counts.
func (c *Config) Hosts() []Host {
	var out []Host
	for _, part := range strings.Split(c.Distribution.HostCores, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		h := Host{Name: fields[0], Cores: 1}
		if len(fields) > 1 {
			fmt.Sscanf(fields[1], "%d", &h.Cores)
		}
		out = append(out, h)
	}
	return out
}

// Host is one remote worker endpoint.
type Host struct {
	Name  string
	Cores int
}

// Fingerprint hashes the configuration; workers refuse tasks whose monitor
// carries a different fingerprint than their own.
func (c *Config) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Marshal renders the configuration as yaml, used to ship the master's
// configuration to spawned pool workers.
func Marshal(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

// Unmarshal parses a yaml configuration produced by Marshal.
func Unmarshal(data string) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(data), cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	normalize(cfg)
	return cfg, nil
}

// TaskNo reports the debug single-task ordinal from the TASK_NO environment
// variable; ok is false when unset.
func TaskNo() (int, bool) {
	s := os.Getenv("TASK_NO")
	if s == "" {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "starmap-data")
	}
	return filepath.Join(home, "stardata")
}

func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}
