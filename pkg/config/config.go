// Package config loads the configuration of a DPE node.
//
// Values are resolved with priority: DPE_* environment variables > YAML file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/dpe/pkg/concurrency"
)

// DefaultPort is the node port that is left out of canonical names
const DefaultPort = 7771

// Registrar kinds
const (
	RegistrarMemory = "memory"
	RegistrarNATS   = "nats"
	RegistrarRedis  = "redis"
)

// NodeConfig holds everything needed to bootstrap a node
type NodeConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Lang    string `yaml:"lang"`
	Session string `yaml:"session"`

	FrontEnd FrontEndConfig `yaml:"frontEnd"`

	ReportPeriod    time.Duration `yaml:"reportPeriod"`
	DefaultPoolSize int           `yaml:"defaultPoolSize"`
	ShutdownGrace   time.Duration `yaml:"shutdownGrace"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`

	NATS      NATSConfig      `yaml:"nats"`
	Registrar RegistrarConfig `yaml:"registrar"`
	Sentry    SentryConfig    `yaml:"sentry"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Admin     AdminConfig     `yaml:"admin"`
	Blob      BlobConfig      `yaml:"blob"`

	// Engines maps engine class aliases to registered factory names or plugin paths
	Engines map[string]string `yaml:"engines"`

	LogLevel string `yaml:"logLevel"`
}

// FrontEndConfig names the node acting as cluster front-end.
// An empty host means this node is its own front-end.
type FrontEndConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Lang string `yaml:"lang"`
}

// NATSConfig configures the transport connection
type NATSConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RegistrarConfig selects the discovery registrar
type RegistrarConfig struct {
	Kind      string `yaml:"kind"`
	Bucket    string `yaml:"bucket"`
	RedisAddr string `yaml:"redisAddr"`
	RedisDB   int    `yaml:"redisDb"`
	RedisKey  string `yaml:"redisKey"`
}

// SentryConfig configures fault reporting
type SentryConfig struct {
	DSN          string `yaml:"dsn"`
	Environment  string `yaml:"environment"`
	ReportErrors bool   `yaml:"reportErrors"`
}

// TracingConfig configures span export
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// AdminConfig configures the admin HTTP server. An empty address disables it.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// BlobConfig configures large payload offload
type BlobConfig struct {
	ConnectionString string `yaml:"connectionString"`
	Container        string `yaml:"container"`
	// OffloadThreshold is the serialized size above which remote payloads go to blob storage.
	// Zero disables offload.
	OffloadThreshold int `yaml:"offloadThreshold"`
}

// Default returns a configuration for a standalone node on this host
func Default() *NodeConfig {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &NodeConfig{
		Host:            host,
		Port:            DefaultPort,
		Lang:            "go",
		ReportPeriod:    5 * time.Second,
		DefaultPoolSize: concurrency.LoadConfig().DefaultPoolSize,
		ShutdownGrace:   10 * time.Second,
		RequestTimeout:  30 * time.Second,
		NATS:            NATSConfig{URL: "nats://localhost:4222"},
		Registrar:       RegistrarConfig{Kind: RegistrarMemory},
		Tracing:         TracingConfig{SampleRatio: 1.0},
		LogLevel:        "info",
	}
}

// Load reads path (if non-empty) over the defaults and applies environment overrides.
func Load(path string) (*NodeConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DPE_* environment variables
func (c *NodeConfig) ApplyEnv() error {
	setString(&c.Host, "DPE_HOST")
	setString(&c.Lang, "DPE_LANG")
	setString(&c.Session, "DPE_SESSION")
	setString(&c.FrontEnd.Host, "DPE_FRONTEND_HOST")
	setString(&c.FrontEnd.Lang, "DPE_FRONTEND_LANG")
	setString(&c.NATS.URL, "DPE_NATS_URL")
	setString(&c.NATS.Token, "DPE_NATS_TOKEN")
	setString(&c.NATS.Username, "DPE_NATS_USERNAME")
	setString(&c.NATS.Password, "DPE_NATS_PASSWORD")
	setString(&c.Registrar.Kind, "DPE_REGISTRAR")
	setString(&c.Registrar.RedisAddr, "DPE_REDIS_ADDR")
	setString(&c.Sentry.DSN, "DPE_SENTRY_DSN")
	setString(&c.Tracing.Endpoint, "DPE_OTLP_ENDPOINT")
	setString(&c.Admin.Addr, "DPE_ADMIN_ADDR")
	setString(&c.Blob.ConnectionString, "DPE_BLOB_CONNECTION_STRING")
	setString(&c.Blob.Container, "DPE_BLOB_CONTAINER")
	setString(&c.LogLevel, "DPE_LOG_LEVEL")

	for key, dst := range map[string]*int{
		"DPE_PORT":              &c.Port,
		"DPE_FRONTEND_PORT":     &c.FrontEnd.Port,
		"DPE_POOL_SIZE":         &c.DefaultPoolSize,
		"DPE_OFFLOAD_THRESHOLD": &c.Blob.OffloadThreshold,
	} {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"DPE_REPORT_PERIOD":   &c.ReportPeriod,
		"DPE_SHUTDOWN_GRACE":  &c.ShutdownGrace,
		"DPE_REQUEST_TIMEOUT": &c.RequestTimeout,
	} {
		if err := setDuration(dst, key); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects incoherent configurations
func (c *NodeConfig) Validate() error {
	var problems []string
	if c.Host == "" {
		problems = append(problems, "host is required")
	}
	if c.Lang == "" {
		problems = append(problems, "lang is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d", c.Port))
	}
	if c.ReportPeriod <= 0 {
		problems = append(problems, "reportPeriod must be positive")
	}
	if c.ShutdownGrace <= 0 {
		problems = append(problems, "shutdownGrace must be positive")
	}
	switch c.Registrar.Kind {
	case RegistrarMemory, RegistrarNATS:
	case RegistrarRedis:
		if c.Registrar.RedisAddr == "" {
			problems = append(problems, "registrar.redisAddr is required for the redis registrar")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown registrar kind %q", c.Registrar.Kind))
	}
	if c.Blob.OffloadThreshold > 0 && (c.Blob.ConnectionString == "" || c.Blob.Container == "") {
		problems = append(problems, "blob offload requires blob.connectionString and blob.container")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid node config: %s", strings.Join(problems, "; "))
	}
	c.DefaultPoolSize = concurrency.ClampPoolSize(c.DefaultPoolSize)
	return nil
}

// IsFrontEnd reports whether this node hosts the registrar itself
func (c *NodeConfig) IsFrontEnd() bool {
	if c.FrontEnd.Host == "" {
		return true
	}
	port := c.FrontEnd.Port
	if port == 0 {
		port = DefaultPort
	}
	lang := c.FrontEnd.Lang
	if lang == "" {
		lang = c.Lang
	}
	return c.FrontEnd.Host == c.Host && port == c.Port && lang == c.Lang
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	*dst = d
	return nil
}
