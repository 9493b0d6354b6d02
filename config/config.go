// Package config loads the gateway configuration: where to listen, how callers are
// admitted, and which processes can be launched.
//
// The file is YAML. Before parsing, ${VAR} and $VAR references are replaced from the
// environment so secrets can stay out of the file; write $$ for a literal dollar sign.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/guseggert/stdiogateway/internal/files"
	"github.com/guseggert/stdiogateway/supervisor"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the file name searched for when no path is given.
const DefaultFileName = "gateway.yaml"

type Config struct {
	ListenAddr     string    `yaml:"listen_addr"`
	AuthToken      string    `yaml:"auth_token"`
	AllowedIPs     []string  `yaml:"allowed_ips"`
	AllowedOrigins []string  `yaml:"allowed_origins"`
	RateLimit      RateLimit `yaml:"rate_limit"`
	TLS            TLS       `yaml:"tls"`

	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	StopGracePeriod   time.Duration `yaml:"stop_grace_period"`
	SubscriberQueue   int           `yaml:"subscriber_queue"`
	// MaxSubscribers caps simultaneous subscribers per process, 0 means unlimited.
	MaxSubscribers int `yaml:"max_subscribers"`

	Processes []Process `yaml:"processes"`
}

// RateLimit allows MaxRequests per Window for each client address. A zero MaxRequests disables limiting.
type RateLimit struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// TLS enables HTTPS when CertFile and KeyFile are set, and requires client
// certificates signed by ClientCAFile when that is set too.
type TLS struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

func (t TLS) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != ""
}

type Process struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`
}

func Default() Config {
	return Config{
		ListenAddr:        "0.0.0.0:3001",
		AllowedIPs:        []string{"127.0.0.1", "::1"},
		AllowedOrigins:    []string{"http://localhost:3000"},
		RateLimit:         RateLimit{Window: 15 * time.Minute, MaxRequests: 100},
		KeepAliveInterval: supervisor.DefaultKeepAliveInterval,
		StopGracePeriod:   supervisor.DefaultGracePeriod,
		SubscriberQueue:   supervisor.DefaultQueueSize,
		MaxSubscribers:    supervisor.DefaultMaxSubscribers,
	}
}

// Find looks for DefaultFileName in dir and its parents. It returns "" if there is none.
func Find(dir string) (string, error) {
	return files.FindUp(DefaultFileName, dir)
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands environment references in b and decodes it over the defaults.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expand(string(b)))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func expand(s string) string {
	return os.Expand(s, func(k string) string {
		if k == "$" {
			return "$"
		}
		return os.Getenv(k)
	})
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.TLS.Enabled() && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("tls requires both cert_file and key_file")
	}
	if c.RateLimit.MaxRequests < 0 {
		return errors.New("rate_limit.max_requests must not be negative")
	}
	if c.RateLimit.MaxRequests > 0 && c.RateLimit.Window <= 0 {
		return errors.New("rate_limit.window must be positive")
	}
	if c.KeepAliveInterval < 0 {
		return errors.New("keepalive_interval must not be negative")
	}
	if c.MaxSubscribers < 0 {
		return errors.New("max_subscribers must not be negative")
	}
	seen := map[string]bool{}
	for i, p := range c.Processes {
		if p.Name == "" {
			return fmt.Errorf("processes[%d]: name is required", i)
		}
		if p.Command == "" {
			return fmt.Errorf("process %q: command is required", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("process %q is defined twice", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Definitions converts the process list, keeping its order.
func (c Config) Definitions() []supervisor.Definition {
	defs := make([]supervisor.Definition, 0, len(c.Processes))
	for _, p := range c.Processes {
		defs = append(defs, supervisor.Definition{
			Name: p.Name,
			Spec: supervisor.LaunchSpec{
				Command: p.Command,
				Args:    p.Args,
				Env:     p.Env,
				Dir:     p.Dir,
			},
		})
	}
	return defs
}

func (c Config) SupervisorOptions() supervisor.Options {
	return supervisor.Options{
		Broadcast: supervisor.BroadcastOptions{
			QueueSize:      c.SubscriberQueue,
			MaxSubscribers: c.MaxSubscribers,
			KeepAlive:      c.KeepAliveInterval,
		},
		GracePeriod: c.StopGracePeriod,
	}
}
