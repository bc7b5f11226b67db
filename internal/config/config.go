package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr            = ":3001"
	defaultAuthHeader            = "X-Build-Token"
	defaultMaxRequestBytes int64 = 8 << 20
	defaultWorkers               = 2
	defaultBuildTimeout          = 5 * time.Minute
	defaultRetentionDays         = 14
	defaultDockerBin             = "docker"
	defaultImagePrefix           = "dockgen-ai"
	defaultLogLevel              = "info"
	defaultLogFormat             = "text"
	defaultDiscoveryService      = "_dockgen._tcp"
	defaultDiscoveryDomain       = "local."
)

const envPrefix = "DOCKGEN_"

// Config controls server behavior.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	BaseDir    string `yaml:"base_dir"`

	Token      string   `yaml:"token"`
	AuthHeader string   `yaml:"auth_header"`
	Allowlist  []string `yaml:"allowlist"`

	MaxRequestBytes int64 `yaml:"max_request_bytes"`

	Workers      int           `yaml:"workers"`
	BuildTimeout time.Duration `yaml:"build_timeout"`
	// RetentionDays bounds how long failed workspaces stay on disk. Zero
	// keeps them forever.
	RetentionDays int `yaml:"retention_days"`

	DockerBin   string `yaml:"docker_bin"`
	ImagePrefix string `yaml:"image_prefix"`
	// HadolintBin enables the external hadolint pass on /v1/validate when set.
	HadolintBin string `yaml:"hadolint_bin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	DiscoveryEnabled  bool   `yaml:"discovery_enabled"`
	DiscoveryService  string `yaml:"discovery_service"`
	DiscoveryDomain   string `yaml:"discovery_domain"`
	DiscoveryInstance string `yaml:"discovery_instance"`
}

func Default() Config {
	return Config{
		ListenAddr:       defaultListenAddr,
		AuthHeader:       defaultAuthHeader,
		MaxRequestBytes:  defaultMaxRequestBytes,
		Workers:          defaultWorkers,
		BuildTimeout:     defaultBuildTimeout,
		RetentionDays:    defaultRetentionDays,
		DockerBin:        defaultDockerBin,
		ImagePrefix:      defaultImagePrefix,
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		DiscoveryService: defaultDiscoveryService,
		DiscoveryDomain:  defaultDiscoveryDomain,
	}
}

func FromEnv() (Config, error) {
	return Load("")
}

// Load reads an optional YAML file over the defaults, then applies
// DOCKGEN_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.BaseDir = getEnv("BASE_DIR", cfg.BaseDir)
	cfg.Token = getEnv("TOKEN", cfg.Token)
	cfg.AuthHeader = getEnv("AUTH_HEADER", cfg.AuthHeader)
	if v, ok := lookupEnv("ALLOWLIST"); ok {
		cfg.Allowlist = parseCSV(v)
	}
	cfg.DockerBin = getEnv("DOCKER_BIN", cfg.DockerBin)
	cfg.ImagePrefix = getEnv("IMAGE_PREFIX", cfg.ImagePrefix)
	cfg.HadolintBin = getEnv("HADOLINT_BIN", cfg.HadolintBin)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.DiscoveryService = getEnv("DISCOVERY_SERVICE", cfg.DiscoveryService)
	cfg.DiscoveryDomain = getEnv("DISCOVERY_DOMAIN", cfg.DiscoveryDomain)
	cfg.DiscoveryInstance = getEnv("DISCOVERY_INSTANCE", cfg.DiscoveryInstance)

	if v, ok := lookupEnv("MAX_REQUEST_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %sMAX_REQUEST_BYTES: %w", envPrefix, err)
		}
		cfg.MaxRequestBytes = n
	}
	if v, ok := lookupEnv("WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sWORKERS: %w", envPrefix, err)
		}
		cfg.Workers = n
	}
	if v, ok := lookupEnv("BUILD_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %sBUILD_TIMEOUT: %w", envPrefix, err)
		}
		cfg.BuildTimeout = d
	}
	if v, ok := lookupEnv("RETENTION_DAYS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sRETENTION_DAYS: %w", envPrefix, err)
		}
		cfg.RetentionDays = n
	}
	if v, ok := lookupEnv("DISCOVERY_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sDISCOVERY_ENABLED: %w", envPrefix, err)
		}
		cfg.DiscoveryEnabled = b
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return errors.New("base dir is required")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen addr is required")
	}
	if strings.TrimSpace(c.AuthHeader) == "" {
		return errors.New("auth header is required")
	}
	if c.MaxRequestBytes <= 0 {
		return errors.New("max request bytes must be > 0")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if c.BuildTimeout <= 0 {
		return errors.New("build timeout must be > 0")
	}
	if c.RetentionDays < 0 {
		return errors.New("retention days must be >= 0")
	}
	if strings.TrimSpace(c.DockerBin) == "" {
		return errors.New("docker bin is required")
	}
	if strings.TrimSpace(c.ImagePrefix) == "" {
		return errors.New("image prefix is required")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.LogFormat)
	}
	if c.DiscoveryEnabled && strings.TrimSpace(c.DiscoveryService) == "" {
		return errors.New("discovery service is required when discovery is enabled")
	}
	for _, entry := range c.Allowlist {
		if err := validateAllowEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) JobsDir() string {
	return filepath.Join(c.BaseDir, "jobs")
}

func (c Config) WorkDir() string {
	return filepath.Join(c.BaseDir, "work")
}

func (c Config) AllowlistEnabled() bool {
	return len(c.Allowlist) > 0
}

// Retention converts RetentionDays to a duration; zero disables sweeping.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func lookupEnv(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(envPrefix + name))
	return v, v != ""
}

func getEnv(name, fallback string) string {
	if v, ok := lookupEnv(name); ok {
		return v
	}
	return fallback
}

func parseCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func validateAllowEntry(entry string) error {
	if entry == "" {
		return errors.New("allowlist entry cannot be empty")
	}
	if strings.Contains(entry, "/") {
		if _, _, err := net.ParseCIDR(entry); err != nil {
			return fmt.Errorf("invalid allowlist cidr %q: %w", entry, err)
		}
		return nil
	}
	if ip := net.ParseIP(entry); ip == nil {
		return fmt.Errorf("invalid allowlist ip %q", entry)
	}
	return nil
}
