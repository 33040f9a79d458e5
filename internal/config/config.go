package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the bridge server. Values are
// seeded from the environment, overridden by flags, and a config file,
// when given, overlays last.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	ConfigFile string `yaml:"-"`
	LogLevel   string `yaml:"log_level"`

	UpstreamURL   string `yaml:"upstream_url"`
	UpstreamToken string `yaml:"upstream_token"`
	APIKey        string `yaml:"api_key"`

	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	ReadyWait         time.Duration `yaml:"ready_wait"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	SessionIdle       time.Duration `yaml:"session_idle"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`

	// Identities maps bearer tokens or API keys to caller identities
	// injected into tool-call arguments. File-only; never from env.
	Identities map[string]string `yaml:"identities"`
}

// ApplyEnv populates the config from environment variables, falling back
// to built-in defaults for unset values.
func (c *ServerConfig) ApplyEnv() {
	c.Port = getInt("PORT", 8080)
	c.ConfigFile = getEnv("CONFIG_FILE", c.ConfigFile)
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.UpstreamURL = getEnv("UPSTREAM_SSE_URL", c.UpstreamURL)
	c.UpstreamToken = getEnv("UPSTREAM_TOKEN", c.UpstreamToken)
	c.APIKey = getEnv("API_KEY", c.APIKey)
	c.HandshakeTimeout = getDuration("HANDSHAKE_TIMEOUT", 5*time.Second)
	c.CallTimeout = getDuration("CALL_TIMEOUT", 30*time.Second)
	c.ReadyWait = getDuration("READY_WAIT", 5*time.Second)
	c.KeepAliveInterval = getDuration("KEEPALIVE_INTERVAL", 15*time.Second)
	c.SweepInterval = getDuration("SWEEP_INTERVAL", time.Minute)
	c.SessionIdle = getDuration("SESSION_IDLE_TIMEOUT", 5*time.Minute)
	c.MaxBodyBytes = int64(getInt("MAX_BODY_BYTES", 10<<20))
}

// LoadFile overlays values from a YAML config file.
func (c *ServerConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// BindFlags registers command line flags using the current values as
// defaults so main can call flag.Parse().
func (c *ServerConfig) BindFlags() {
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "path to YAML config file")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	flag.StringVar(&c.UpstreamURL, "upstream-sse-url", c.UpstreamURL, "upstream SSE endpoint URL")
	flag.StringVar(&c.UpstreamToken, "upstream-token", c.UpstreamToken, "bearer token sent to the upstream")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "client API key required for HTTP requests; empty disables auth")
	flag.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "timeout for the upstream initialize handshake")
	flag.DurationVar(&c.CallTimeout, "call-timeout", c.CallTimeout, "default timeout for forwarded tool calls")
	flag.DurationVar(&c.ReadyWait, "ready-wait", c.ReadyWait, "how long a post may wait for endpoint discovery")
	flag.DurationVar(&c.KeepAliveInterval, "keepalive-interval", c.KeepAliveInterval, "SSE keep-alive comment interval")
	flag.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "idle session sweep interval")
	flag.DurationVar(&c.SessionIdle, "session-idle-timeout", c.SessionIdle, "idle threshold after which sessions are evicted")
	flag.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "maximum accepted request body size")
}

// Validate reports configuration errors main should refuse to start with.
func (c *ServerConfig) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream SSE URL is required")
	}
	return nil
}

func getEnv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getInt(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return d
}

func getDuration(k string, d time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if p, err := time.ParseDuration(v); err == nil {
			return p
		}
	}
	return d
}
