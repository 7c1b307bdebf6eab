package app

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"toolgate/internal/domain"
)

// Config is the normalized runtime configuration.
type Config struct {
	RegistryPath  string
	ListenAddress string
	Catalog       CatalogConfig
	Bridge        BridgeConfig
	Observability ObservabilityConfig
}

type CatalogConfig struct {
	CacheTTL         time.Duration
	FetchRetries     int
	ProbeTimeout     time.Duration
	ProbeConcurrency int
	RetryBackoff     time.Duration
}

type BridgeConfig struct {
	Enabled     bool
	Path        string
	ActorUser   string
	ActorGroups []string
}

type ObservabilityConfig struct {
	ListenAddress string
	EnableMetrics bool
	EnableHealthz bool
}

type rawConfig struct {
	RegistryPath  string           `mapstructure:"registryPath"`
	ListenAddress string           `mapstructure:"listenAddress"`
	Catalog       rawCatalogConfig `mapstructure:"catalog"`
	Bridge        rawBridgeConfig  `mapstructure:"bridge"`
	Observability rawObservConfig  `mapstructure:"observability"`
}

type rawCatalogConfig struct {
	CacheTTLSeconds     int `mapstructure:"cacheTTLSeconds"`
	FetchRetries        int `mapstructure:"fetchRetries"`
	ProbeTimeoutSeconds int `mapstructure:"probeTimeoutSeconds"`
	ProbeConcurrency    int `mapstructure:"probeConcurrency"`
	RetryBackoffMS      int `mapstructure:"retryBackoffMS"`
}

type rawBridgeConfig struct {
	Enabled     *bool    `mapstructure:"enabled"`
	Path        string   `mapstructure:"path"`
	ActorUser   string   `mapstructure:"actorUser"`
	ActorGroups []string `mapstructure:"actorGroups"`
}

type rawObservConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
	EnableMetrics *bool  `mapstructure:"enableMetrics"`
	EnableHealthz *bool  `mapstructure:"enableHealthz"`
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setConfigDefaults(v)
	return v
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("registryPath", "toolgate.db")
	v.SetDefault("listenAddress", domain.DefaultListenAddress)
	v.SetDefault("catalog.cacheTTLSeconds", domain.DefaultCacheTTLSeconds)
	v.SetDefault("catalog.fetchRetries", domain.DefaultFetchRetries)
	v.SetDefault("catalog.probeTimeoutSeconds", domain.DefaultProbeTimeoutSeconds)
	v.SetDefault("catalog.probeConcurrency", domain.DefaultProbeConcurrency)
	v.SetDefault("catalog.retryBackoffMS", domain.DefaultRetryBackoffMS)
	v.SetDefault("bridge.path", domain.DefaultBridgePath)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
}

// envPattern matches ${VAR} references in the config file.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandConfigEnv(data []byte) (string, []string) {
	var missing []string
	expanded := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		name := match[2 : len(match)-1]
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ""
		}
		return value
	})
	return expanded, missing
}

// LoadConfig reads, expands and validates the config file. An empty path
// yields the defaults; a missing file at an explicit path is an error.
func LoadConfig(path string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newConfigViper()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		expanded, missing := expandConfigEnv(data)
		if len(missing) > 0 {
			logger.Warn("missing environment variables in config",
				zap.String("path", path), zap.Strings("missing", missing))
		}
		if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg, errs := normalizeConfig(raw)
	if len(errs) > 0 {
		return Config{}, errors.New(strings.Join(errs, "; "))
	}
	return cfg, nil
}

func normalizeConfig(raw rawConfig) (Config, []string) {
	var errs []string

	if raw.RegistryPath == "" {
		errs = append(errs, "registryPath is required")
	}
	if err := validateListenAddress(raw.ListenAddress); err != nil {
		errs = append(errs, "listenAddress: "+err.Error())
	}
	if err := validateListenAddress(raw.Observability.ListenAddress); err != nil {
		errs = append(errs, "observability.listenAddress: "+err.Error())
	}

	if raw.Catalog.CacheTTLSeconds <= 0 {
		errs = append(errs, "catalog.cacheTTLSeconds must be > 0")
	}
	if raw.Catalog.FetchRetries < 0 || raw.Catalog.FetchRetries > domain.MaxFetchRetries {
		errs = append(errs, fmt.Sprintf("catalog.fetchRetries must be between 0 and %d", domain.MaxFetchRetries))
	}
	if raw.Catalog.ProbeTimeoutSeconds <= 0 {
		errs = append(errs, "catalog.probeTimeoutSeconds must be > 0")
	}
	if raw.Catalog.ProbeConcurrency <= 0 {
		errs = append(errs, "catalog.probeConcurrency must be > 0")
	}
	if raw.Catalog.RetryBackoffMS < 0 {
		errs = append(errs, "catalog.retryBackoffMS must be >= 0")
	}

	bridgePath := raw.Bridge.Path
	if !strings.HasPrefix(bridgePath, "/") {
		errs = append(errs, "bridge.path must start with /")
	}

	cfg := Config{
		RegistryPath:  raw.RegistryPath,
		ListenAddress: raw.ListenAddress,
		Catalog: CatalogConfig{
			CacheTTL:         time.Duration(raw.Catalog.CacheTTLSeconds) * time.Second,
			FetchRetries:     raw.Catalog.FetchRetries,
			ProbeTimeout:     time.Duration(raw.Catalog.ProbeTimeoutSeconds) * time.Second,
			ProbeConcurrency: raw.Catalog.ProbeConcurrency,
			RetryBackoff:     time.Duration(raw.Catalog.RetryBackoffMS) * time.Millisecond,
		},
		Bridge: BridgeConfig{
			Enabled:     raw.Bridge.Enabled == nil || *raw.Bridge.Enabled,
			Path:        bridgePath,
			ActorUser:   raw.Bridge.ActorUser,
			ActorGroups: raw.Bridge.ActorGroups,
		},
		Observability: ObservabilityConfig{
			ListenAddress: raw.Observability.ListenAddress,
			EnableMetrics: raw.Observability.EnableMetrics == nil || *raw.Observability.EnableMetrics,
			EnableHealthz: raw.Observability.EnableHealthz == nil || *raw.Observability.EnableHealthz,
		},
	}
	return cfg, errs
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return errors.New("is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("must be host:port: %w", err)
	}
	return nil
}
