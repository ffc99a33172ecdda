// Package config handles blendchat configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/blendchat/internal/memory"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/blendchat/config.yaml, /etc/blendchat/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "blendchat", "config.yaml"))
	}

	paths = append(paths, "/etc/blendchat/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all blendchat configuration.
type Config struct {
	Channel     ChannelConfig `yaml:"channel"`
	Memory      MemoryConfig  `yaml:"memory"`
	Ollama      OllamaConfig  `yaml:"ollama"`
	Worker      WorkerConfig  `yaml:"worker"`
	MQTT        MQTTConfig    `yaml:"mqtt"`
	PersonaFile string        `yaml:"persona_file"`
	DataDir     string        `yaml:"data_dir"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"` // text (default) or json
}

// ChannelConfig locates the request/response directory shared with the
// worker.
type ChannelConfig struct {
	// Dir defaults to <data_dir>/channel.
	Dir          string        `yaml:"dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// AutoRefresh starts watching for the answer as soon as a request is
	// sent.
	AutoRefresh bool `yaml:"auto_refresh"`
	// WakeOnChange polls immediately when a response file appears instead
	// of waiting for the next tick.
	WakeOnChange bool `yaml:"wake_on_change"`
}

// MemoryConfig controls the conversation history.
type MemoryConfig struct {
	// Dir defaults to <data_dir>/memory.
	Dir            string `yaml:"dir"`
	Enabled        bool   `yaml:"enabled"`
	TokenBudget    int    `yaml:"token_budget"`
	ReinforceEvery int    `yaml:"reinforce_every"` // 0 disables periodic reinforcement
	// ImportantPhrases and TopicKeyword override the persona's values
	// when set.
	ImportantPhrases []string `yaml:"important_phrases"`
	TopicKeyword     string   `yaml:"topic_keyword"`
}

// OllamaConfig points at the model backend.
type OllamaConfig struct {
	URL          string        `yaml:"url"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
}

// WorkerConfig tunes the worker daemon.
type WorkerConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// MQTTConfig publishes worker status to Home Assistant. Leaving Broker
// empty disables it.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"` // mqtt://, mqtts://, tcp://, ssl://
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DeviceName      string        `yaml:"device_name"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Values absent from the file
// keep their [Default]; the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration with directories resolved.
func Default() *Config {
	cfg := &Config{
		Channel: ChannelConfig{
			PollInterval: 2 * time.Second,
			AutoRefresh:  true,
			WakeOnChange: true,
		},
		Memory: MemoryConfig{
			Enabled:        true,
			TokenBudget:    memory.DefaultBudget.Tokens(),
			ReinforceEvery: memory.DefaultReinforceEvery,
		},
		Ollama: OllamaConfig{
			URL:          "http://localhost:11434",
			DefaultModel: "qwen3:4b",
			Timeout:      5 * time.Minute,
		},
		Worker: WorkerConfig{
			Debounce: 150 * time.Millisecond,
		},
		DataDir:   "~/.local/share/blendchat",
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills values the file left empty and expands ~ in paths.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "~/.local/share/blendchat"
	}
	c.DataDir = ExpandHome(c.DataDir)

	if c.Channel.Dir == "" {
		c.Channel.Dir = filepath.Join(c.DataDir, "channel")
	}
	c.Channel.Dir = ExpandHome(c.Channel.Dir)
	if c.Channel.PollInterval <= 0 {
		c.Channel.PollInterval = 2 * time.Second
	}

	if c.Memory.Dir == "" {
		c.Memory.Dir = filepath.Join(c.DataDir, "memory")
	}
	c.Memory.Dir = ExpandHome(c.Memory.Dir)
	if c.Memory.TokenBudget == 0 {
		c.Memory.TokenBudget = memory.DefaultBudget.Tokens()
	}

	if c.PersonaFile != "" {
		c.PersonaFile = ExpandHome(c.PersonaFile)
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	c.Ollama.URL = strings.TrimRight(c.Ollama.URL, "/")
	if c.Ollama.DefaultModel == "" {
		c.Ollama.DefaultModel = "qwen3:4b"
	}
	if c.Ollama.Timeout <= 0 {
		c.Ollama.Timeout = 5 * time.Minute
	}
	if c.Worker.Debounce <= 0 {
		c.Worker.Debounce = 150 * time.Millisecond
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "blendchat"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishInterval <= 0 {
		c.MQTT.PublishInterval = time.Minute
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if !memory.TokenBudget(c.Memory.TokenBudget).Valid() {
		return fmt.Errorf("memory.token_budget: %d is not one of %v", c.Memory.TokenBudget, memory.Budgets)
	}
	if c.Memory.ReinforceEvery < 0 {
		return fmt.Errorf("memory.reinforce_every: must not be negative (got %d)", c.Memory.ReinforceEvery)
	}
	u, err := url.Parse(c.Ollama.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("ollama.url: %q is not an http(s) URL", c.Ollama.URL)
	}
	if c.MQTT.Configured() {
		b, err := url.Parse(c.MQTT.Broker)
		if err != nil || b.Host == "" {
			return fmt.Errorf("mqtt.broker: %q is not a URL", c.MQTT.Broker)
		}
		switch b.Scheme {
		case "mqtt", "mqtts", "tcp", "ssl", "ws", "wss":
		default:
			return fmt.Errorf("mqtt.broker: unsupported scheme %q", b.Scheme)
		}
		if strings.ContainsAny(c.MQTT.DeviceName, "/+#") {
			return fmt.Errorf("mqtt.device_name: %q must not contain topic separators or wildcards", c.MQTT.DeviceName)
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format: unknown format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}

// StatePath is the preferences database.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "blendchat.db")
}

// ExpandHome replaces a leading ~ with the user's home directory. Paths
// are returned unchanged if the home directory is unknown.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
