package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// MinPoolSize is the smallest worker pool a service runs with
const MinPoolSize = 2

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds the defaults used to size service worker pools
type Config struct {
	DefaultPoolSize int
	Source          ConfigSource
	IsKubernetes    bool
	EffectiveCPUs   int
}

// LoadConfig loads pool sizing with priority: env vars > auto-detection
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if size := getEnvInt("DPE_POOL_SIZE", 0); size > 0 {
		config.DefaultPoolSize = size
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("DPE_POOL_MULTIPLIER", 0); multiplier > 0 {
		config.DefaultPoolSize = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.DefaultPoolSize = getDefaultPoolSize(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	config.DefaultPoolSize = ClampPoolSize(config.DefaultPoolSize)
	return config
}

// ClampPoolSize raises n to MinPoolSize.
func ClampPoolSize(n int) int {
	if n < MinPoolSize {
		return MinPoolSize
	}
	return n
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	// Kubernetes sets this environment variable in all containers
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func getDefaultPoolSize(isK8s bool, cpus int) int {
	if isK8s {
		// Conservative for Kubernetes to stay inside the CPU quota
		return cpus
	}
	return cpus * 2
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DefaultPoolSize: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.DefaultPoolSize,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
