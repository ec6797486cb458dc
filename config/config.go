// Package config loads the agent IPC configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fzft/agent-ipc/resp"
	"gopkg.in/yaml.v3"
)

const (
	TypeUnix = "unix"
	TypeTCP  = "tcp"

	CallbackEcho = "echo"
	CallbackPing = "ping"

	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

const (
	DefaultSocketDir       = "/tmp/agent-ipc"
	DefaultTCPHost         = "127.0.0.1"
	DefaultMaxEvents       = 256
	DefaultWorkers         = 4
	DefaultShutdownTimeout = 5 * time.Second
	DefaultMetricsInterval = 30 * time.Second
)

type Config struct {
	IPC     IPC     `yaml:"ipc"`
	Pool    Pool    `yaml:"pool"`
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

type IPC struct {
	Type         string     `yaml:"type"`
	SocketDir    string     `yaml:"socket_dir"`
	TCPHost      string     `yaml:"tcp_host"`
	MaxEvents    int        `yaml:"max_events"`
	MaxFrameSize int        `yaml:"max_frame_size"`
	Endpoints    []Endpoint `yaml:"endpoints"`
}

// Endpoint is one listening channel. Port is only used for tcp; 0 picks a free port.
type Endpoint struct {
	Name     string `yaml:"name"`
	Port     int    `yaml:"port"`
	Callback string `yaml:"callback"`
}

type Pool struct {
	Workers         int           `yaml:"workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Metrics struct {
	Enabled  bool          `yaml:"enabled"`
	Exporter string        `yaml:"exporter"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns a configuration with a single echo endpoint over a unix socket.
func Default() *Config {
	return &Config{
		IPC: IPC{
			Type:         TypeUnix,
			SocketDir:    DefaultSocketDir,
			TCPHost:      DefaultTCPHost,
			MaxEvents:    DefaultMaxEvents,
			MaxFrameSize: resp.DefaultMaxFrameSize,
			Endpoints: []Endpoint{
				{Name: "command-channel", Callback: CallbackEcho},
			},
		},
		Pool: Pool{
			Workers:         DefaultWorkers,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Log: Log{Level: "info"},
		Metrics: Metrics{
			Exporter: ExporterNone,
			Interval: DefaultMetricsInterval,
		},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.IPC.Type {
	case TypeUnix:
		if c.IPC.SocketDir == "" {
			errs = append(errs, errors.New("ipc.socket_dir is required for unix sockets"))
		}
	case TypeTCP:
		if c.IPC.TCPHost == "" {
			errs = append(errs, errors.New("ipc.tcp_host is required for tcp"))
		}
	default:
		errs = append(errs, fmt.Errorf("ipc.type %q is not one of unix, tcp", c.IPC.Type))
	}
	if c.IPC.MaxEvents <= 0 {
		errs = append(errs, errors.New("ipc.max_events must be positive"))
	}
	if c.IPC.MaxFrameSize <= 0 {
		errs = append(errs, errors.New("ipc.max_frame_size must be positive"))
	}
	if len(c.IPC.Endpoints) == 0 {
		errs = append(errs, errors.New("ipc.endpoints must not be empty"))
	}

	seen := make(map[string]bool)
	for i, ep := range c.IPC.Endpoints {
		if ep.Name == "" {
			errs = append(errs, fmt.Errorf("ipc.endpoints[%d]: name is required", i))
			continue
		}
		if seen[ep.Name] {
			errs = append(errs, fmt.Errorf("ipc.endpoints[%d]: duplicate name %q", i, ep.Name))
		}
		seen[ep.Name] = true
		if ep.Port < 0 || ep.Port > 65535 {
			errs = append(errs, fmt.Errorf("ipc.endpoints[%d]: port %d out of range", i, ep.Port))
		}
	}

	if c.Pool.Workers <= 0 {
		errs = append(errs, errors.New("pool.workers must be positive"))
	}
	if c.Pool.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("pool.shutdown_timeout must be positive"))
	}

	if c.Metrics.Enabled {
		switch c.Metrics.Exporter {
		case ExporterNone, ExporterStdout:
		default:
			errs = append(errs, fmt.Errorf("metrics.exporter %q is not one of none, stdout", c.Metrics.Exporter))
		}
		if c.Metrics.Interval <= 0 {
			errs = append(errs, errors.New("metrics.interval must be positive"))
		}
	}

	return errors.Join(errs...)
}

// SocketPath is where the unix socket of ep lives.
func (c *Config) SocketPath(ep Endpoint) string {
	return filepath.Join(c.IPC.SocketDir, ep.Name+".sock")
}

// TCPAddress is the host:port ep listens on.
func (c *Config) TCPAddress(ep Endpoint) string {
	return fmt.Sprintf("%s:%d", c.IPC.TCPHost, ep.Port)
}
