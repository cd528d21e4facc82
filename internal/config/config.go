// Package config handles inkclock configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/inkclock/config.yaml, /etc/inkclock/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "inkclock", "config.yaml"))
	}

	paths = append(paths, "/etc/inkclock/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all inkclock configuration.
type Config struct {
	WiFi           WiFiConfig           `yaml:"wifi"`
	Timezone       string               `yaml:"timezone"`
	TimezoneOffset *float64             `yaml:"timezone_offset"` // hours; fallback when the zone lookup fails
	TimezoneLookup TimezoneLookupConfig `yaml:"timezone_lookup"`
	MQTT           MQTTConfig           `yaml:"mqtt"`
	Display        DisplayConfig        `yaml:"display"`
	Status         StatusConfig         `yaml:"status"`

	// RefreshMins is the number of minutes between display refreshes.
	RefreshMins int `yaml:"refresh_mins"`

	// LEDsOnMinsThreshold turns the indicator on once the elapsed time
	// reaches this many minutes. Negative disables the indicator.
	LEDsOnMinsThreshold *int `yaml:"leds_on_mins_threshold"`

	// LEDsAlwaysOffBeforeHour keeps the indicator off while the "now"
	// hour of day is below this value. 24 disables the curfew.
	LEDsAlwaysOffBeforeHour *int `yaml:"leds_always_off_before_hour"`

	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
}

// WiFiConfig names the network the device is expected to join. The host
// OS owns the actual association; inkclock only reports the SSID.
type WiFiConfig struct {
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
}

// TimezoneLookupConfig selects how offset-less timestamps are localized.
type TimezoneLookupConfig struct {
	Provider  string `yaml:"provider"` // local (default) or worldtimeapi
	URL       string `yaml:"url"`
	CacheSize int    `yaml:"cache_size"`
	TTLMins   int    `yaml:"ttl_mins"`
}

// TTL returns the cache lifetime for remote timezone lookups.
func (c TimezoneLookupConfig) TTL() time.Duration {
	return time.Duration(c.TTLMins) * time.Minute
}

// MQTTConfig defines the broker connection and the two time topics.
type MQTTConfig struct {
	// Broker is the broker host. Empty means discover one over mDNS.
	Broker       string `yaml:"broker"`
	Port         int    `yaml:"port"`
	TLS          bool   `yaml:"tls"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ClientID     string `yaml:"client_id"`
	TopicPast    string `yaml:"topic_past"`
	TopicNow     string `yaml:"topic_now"`
	KeepAliveSec int    `yaml:"keep_alive_sec"`

	// DeviceName appears in Home Assistant discovery and in the
	// availability topic (inkclock/<device_name>/availability).
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	RateLimit          int `yaml:"rate_limit"`
	RateLimitWindowSec int `yaml:"rate_limit_window_sec"`
}

// URL returns the broker URL for the configured host and port. It
// returns an empty string when the broker must be discovered.
func (c MQTTConfig) URL() string {
	if c.Broker == "" {
		return ""
	}
	scheme := "mqtt"
	if c.TLS {
		scheme = "mqtts"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Broker, c.Port)
}

// DisplayConfig selects and shapes the output surface.
type DisplayConfig struct {
	Kind            string `yaml:"kind"` // stdout, file, mqtt
	Path            string `yaml:"path"`
	MaxChars        int    `yaml:"max_chars"`
	Style           string `yaml:"style"` // words or clock
	Placeholder     string `yaml:"placeholder"`
	MinRefreshSec   int    `yaml:"min_refresh_sec"`
	RenderOnMessage bool   `yaml:"render_on_message"`
}

// StatusConfig defines the optional health and metrics endpoint.
type StatusConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // 0 disables the endpoint
}

// Configured reports whether the status endpoint should be started.
func (c StatusConfig) Configured() bool {
	return c.Port > 0
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every optional key defaulted.
// The topics are left empty and must be supplied before Validate passes.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.TimezoneLookup.Provider == "" {
		c.TimezoneLookup.Provider = "local"
	}
	if c.TimezoneLookup.URL == "" {
		c.TimezoneLookup.URL = "https://worldtimeapi.org/api/timezone"
	}
	if c.TimezoneLookup.CacheSize <= 0 {
		c.TimezoneLookup.CacheSize = 32
	}
	if c.TimezoneLookup.TTLMins <= 0 {
		c.TimezoneLookup.TTLMins = 60
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 15
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "inkclock"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.RateLimit == 0 {
		c.MQTT.RateLimit = 100
	}
	if c.MQTT.RateLimitWindowSec == 0 {
		c.MQTT.RateLimitWindowSec = 10
	}
	if c.Display.Kind == "" {
		c.Display.Kind = "stdout"
	}
	if c.Display.MaxChars == 0 {
		c.Display.MaxChars = 16
	}
	if c.Display.Style == "" {
		c.Display.Style = "words"
	}
	if c.Display.Placeholder == "" {
		c.Display.Placeholder = "--"
	}
	if c.Display.MinRefreshSec == 0 {
		c.Display.MinRefreshSec = 30
	}
	if c.RefreshMins == 0 {
		c.RefreshMins = 1
	}
	if c.LEDsOnMinsThreshold == nil {
		v := -1
		c.LEDsOnMinsThreshold = &v
	}
	if c.LEDsAlwaysOffBeforeHour == nil {
		v := 24
		c.LEDsAlwaysOffBeforeHour = &v
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// Validate reports every configuration problem at once so a bad file
// can be fixed in a single edit.
func (c *Config) Validate() error {
	var errs []error

	if c.MQTT.TopicPast == "" {
		errs = append(errs, errors.New("mqtt.topic_past is required"))
	}
	if c.MQTT.TopicNow == "" {
		errs = append(errs, errors.New("mqtt.topic_now is required"))
	}
	if c.MQTT.TopicPast != "" && c.MQTT.TopicPast == c.MQTT.TopicNow {
		errs = append(errs, errors.New("mqtt.topic_past and mqtt.topic_now must differ"))
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if c.MQTT.KeepAliveSec < 0 || c.MQTT.KeepAliveSec > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.keep_alive_sec must be 0-65535, got %d", c.MQTT.KeepAliveSec))
	}
	if c.MQTT.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("mqtt.rate_limit must be positive, got %d", c.MQTT.RateLimit))
	}
	if c.MQTT.RateLimitWindowSec <= 0 {
		errs = append(errs, fmt.Errorf("mqtt.rate_limit_window_sec must be positive, got %d", c.MQTT.RateLimitWindowSec))
	}
	if c.Display.MinRefreshSec <= 0 {
		errs = append(errs, fmt.Errorf("display.min_refresh_sec must be positive, got %d", c.Display.MinRefreshSec))
	}
	if c.RefreshMins < 0 {
		errs = append(errs, fmt.Errorf("refresh_mins must be positive, got %d", c.RefreshMins))
	}
	if h := *c.LEDsAlwaysOffBeforeHour; h < 0 || h > 24 {
		errs = append(errs, fmt.Errorf("leds_always_off_before_hour must be 0-24, got %d", h))
	}

	switch c.TimezoneLookup.Provider {
	case "local":
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
		}
	case "worldtimeapi":
		if !strings.HasPrefix(c.TimezoneLookup.URL, "http://") && !strings.HasPrefix(c.TimezoneLookup.URL, "https://") {
			errs = append(errs, fmt.Errorf("timezone_lookup.url %q must be http(s)", c.TimezoneLookup.URL))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown timezone_lookup.provider %q (valid: local, worldtimeapi)", c.TimezoneLookup.Provider))
	}

	switch c.Display.Kind {
	case "stdout", "mqtt":
	case "file":
		if c.Display.Path == "" {
			errs = append(errs, errors.New("display.path is required for the file display"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown display.kind %q (valid: stdout, file, mqtt)", c.Display.Kind))
	}
	if c.Display.Style != "words" && c.Display.Style != "clock" {
		errs = append(errs, fmt.Errorf("unknown display.style %q (valid: words, clock)", c.Display.Style))
	}
	if c.Display.MaxChars < 0 {
		errs = append(errs, fmt.Errorf("display.max_chars must not be negative, got %d", c.Display.MaxChars))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// RefreshInterval returns the time between display refreshes.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshMins) * time.Minute
}

// FallbackOffset returns the configured fixed offset in seconds east of
// UTC, and whether one was configured.
func (c *Config) FallbackOffset() (int, bool) {
	if c.TimezoneOffset == nil {
		return 0, false
	}
	return int(*c.TimezoneOffset * 3600), true
}
