// Package config loads the relay's configuration (spec §6): a YAML document
// covering database, server, NIP-11 info, policy toggles, and rate
// limiting, layered with an environment-variable overlay. Shape is
// generalized from the teacher's flat .env loader (internal/config in the
// source tree this was distilled from) to the nested structure the relay
// needs, using gopkg.in/yaml.v3 for the document itself.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full relay configuration (spec §6).
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Server       ServerConfig       `yaml:"server"`
	Info         InfoConfig         `yaml:"info"`
	Policies     PoliciesConfig     `yaml:"policies"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
	Identity     IdentityConfig     `yaml:"identity"`
}

// IdentityConfig carries the relay's own signing key, used to author
// moderation/metadata events for NIP-29 groups (spec §4.H) and to answer
// its own NIP-11 pubkey field.
type IdentityConfig struct {
	SecretKeyHex string `yaml:"secret_key"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	Path   string `yaml:"path"`   // sqlite file path; ignored for "memory"
}

// ServerConfig is the WebSocket/HTTP listener configuration.
type ServerConfig struct {
	Host       string     `yaml:"host"`
	Port       int        `yaml:"port"`
	SSL        bool       `yaml:"ssl"`
	SSLOptions SSLOptions `yaml:"ssl_options"`
}

// SSLOptions names the certificate pair used when ServerConfig.SSL is set.
type SSLOptions struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// InfoConfig is the NIP-11 relay information document, served over HTTP.
type InfoConfig struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	PubKey        string `yaml:"pubkey"`
	Contact       string `yaml:"contact"`
	SupportedNIPs []int  `yaml:"supported_nips"`
	Software      string `yaml:"software"`
	Version       string `yaml:"version"`
	Icon          string `yaml:"icon"`
	PaymentsURL   string `yaml:"payments_url"`
}

// PoliciesConfig declaratively enables the standard policies of spec §4.D.
// A zero value for a numeric limit means "no limit"; an empty slice means
// "no restriction from this policy".
type PoliciesConfig struct {
	ClassifyMode         string   `yaml:"classify_mode"` // "broad" (default) or "strict", spec §9
	ForbidKinds          []int    `yaml:"forbid_kinds"`
	MaxTags              int      `yaml:"max_tags"`
	MaxContentBytes      int      `yaml:"max_content_bytes"`
	MaxFutureSkewSeconds int      `yaml:"max_future_skew_seconds"`
	MaxPastSeconds       int      `yaml:"max_past_seconds"`
	BlockPubkeys         []string `yaml:"block_pubkeys"`
	AllowPubkeys         []string `yaml:"allow_pubkeys"`
	RequireAuthKinds     []int    `yaml:"require_auth_kinds"`
}

// RateLimitingConfig is the rate_limiting section. The core only defines
// the hook (policy.RateLimiter); a real limiter is out of scope (spec §1
// non-goal). Enabled is loaded but nothing reads it: the pipeline always
// runs with the no-op limiter.
type RateLimitingConfig struct {
	Enabled bool `yaml:"enabled"`
}

var knownTopLevelKeys = map[string]bool{
	"database": true, "server": true, "info": true, "policies": true, "rate_limiting": true, "identity": true,
}

// Default returns the documented defaults (spec §6: "all keys have
// documented defaults").
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "memory"},
		Server:   ServerConfig{Host: "0.0.0.0", Port: 7447},
		Info: InfoConfig{
			Name:        "nostr relay",
			Description: "a Nostr relay",
			Software:    "https://github.com/keanuklestil/nostrrelay",
			Version:     "0.1.0",
		},
		Policies: PoliciesConfig{
			ClassifyMode:         "broad",
			MaxTags:              2000,
			MaxContentBytes:      64 * 1024,
			MaxFutureSkewSeconds: 900,
		},
	}
}

// Load reads path (a YAML document), merges it onto Default(), applies the
// environment overlay, and returns the result. A missing file is not an
// error — the defaults (plus env overlay) are used as-is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else {
			warnUnknownKeys(data)
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func warnUnknownKeys(data []byte) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return
	}
	for key := range raw {
		if !knownTopLevelKeys[key] {
			log.Printf("[Config] ignoring unknown key %q", key)
		}
	}
}

// applyEnvOverrides lets environment variables win over the file and the
// defaults, generalizing the teacher's "only set if not already set" .env
// idiom to the documented RELAY_<SECTION>_<KEY> naming scheme instead of a
// flat file, covering every key Config declares.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("RELAY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("RELAY_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v, ok := envInt("RELAY_SERVER_PORT"); ok {
		cfg.Server.Port = v
	}
	if v, ok := envBool("RELAY_SERVER_SSL"); ok {
		cfg.Server.SSL = v
	}
	if v := os.Getenv("RELAY_SERVER_SSL_CERT_FILE"); v != "" {
		cfg.Server.SSLOptions.CertFile = v
	}
	if v := os.Getenv("RELAY_SERVER_SSL_KEY_FILE"); v != "" {
		cfg.Server.SSLOptions.KeyFile = v
	}

	if v := os.Getenv("RELAY_INFO_NAME"); v != "" {
		cfg.Info.Name = v
	}
	if v := os.Getenv("RELAY_INFO_DESCRIPTION"); v != "" {
		cfg.Info.Description = v
	}
	if v := os.Getenv("RELAY_INFO_PUBKEY"); v != "" {
		cfg.Info.PubKey = v
	}
	if v := os.Getenv("RELAY_INFO_CONTACT"); v != "" {
		cfg.Info.Contact = v
	}
	if v, ok := envIntSlice("RELAY_INFO_SUPPORTED_NIPS"); ok {
		cfg.Info.SupportedNIPs = v
	}
	if v := os.Getenv("RELAY_INFO_SOFTWARE"); v != "" {
		cfg.Info.Software = v
	}
	if v := os.Getenv("RELAY_INFO_VERSION"); v != "" {
		cfg.Info.Version = v
	}
	if v := os.Getenv("RELAY_INFO_ICON"); v != "" {
		cfg.Info.Icon = v
	}
	if v := os.Getenv("RELAY_INFO_PAYMENTS_URL"); v != "" {
		cfg.Info.PaymentsURL = v
	}

	if v := os.Getenv("RELAY_POLICIES_CLASSIFY_MODE"); v != "" {
		cfg.Policies.ClassifyMode = v
	}
	if v, ok := envIntSlice("RELAY_POLICIES_FORBID_KINDS"); ok {
		cfg.Policies.ForbidKinds = v
	}
	if v, ok := envInt("RELAY_POLICIES_MAX_TAGS"); ok {
		cfg.Policies.MaxTags = v
	}
	if v, ok := envInt("RELAY_POLICIES_MAX_CONTENT_BYTES"); ok {
		cfg.Policies.MaxContentBytes = v
	}
	if v, ok := envInt("RELAY_POLICIES_MAX_FUTURE_SKEW_SECONDS"); ok {
		cfg.Policies.MaxFutureSkewSeconds = v
	}
	if v, ok := envInt("RELAY_POLICIES_MAX_PAST_SECONDS"); ok {
		cfg.Policies.MaxPastSeconds = v
	}
	if v, ok := envStringSlice("RELAY_POLICIES_BLOCK_PUBKEYS"); ok {
		cfg.Policies.BlockPubkeys = v
	}
	if v, ok := envStringSlice("RELAY_POLICIES_ALLOW_PUBKEYS"); ok {
		cfg.Policies.AllowPubkeys = v
	}
	if v, ok := envIntSlice("RELAY_POLICIES_REQUIRE_AUTH_KINDS"); ok {
		cfg.Policies.RequireAuthKinds = v
	}

	if v, ok := envBool("RELAY_RATE_LIMITING_ENABLED"); ok {
		cfg.RateLimiting.Enabled = v
	}

	if v := os.Getenv("RELAY_IDENTITY_SECRET_KEY"); v != "" {
		cfg.Identity.SecretKeyHex = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[Config] ignoring %s=%q: %v", key, v, err)
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[Config] ignoring %s=%q: %v", key, v, err)
		return false, false
	}
	return b, true
}

func envStringSlice(key string) ([]string, bool) {
	v := os.Getenv(key)
	if v == "" {
		return nil, false
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, true
}

func envIntSlice(key string) ([]int, bool) {
	parts, ok := envStringSlice(key)
	if !ok {
		return nil, false
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			log.Printf("[Config] ignoring %s=%q: %v", key, os.Getenv(key), err)
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

// ListenAddr returns a "host:port"-shaped listen address for net.Listen/http.Server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RelayURL returns the ws(s) URL clients would use to reach this relay,
// derived from Server.Host/Port/SSL — used as the NIP-42 "relay" tag to
// validate against in AUTH.
func (c *Config) RelayURL() string {
	scheme := "ws"
	if c.Server.SSL {
		scheme = "wss"
	}
	host := c.Server.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, c.Server.Port)
}

// strictMode reports whether the narrower, source-parity replaceable
// classification (spec §9) is configured.
func (c *Config) strictMode() bool {
	return strings.EqualFold(c.Policies.ClassifyMode, "strict")
}
