package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"toolgate/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("", zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, "toolgate.db", cfg.RegistryPath)
	require.Equal(t, domain.DefaultListenAddress, cfg.ListenAddress)
	require.Equal(t, domain.DefaultCacheTTLSeconds*time.Second, cfg.Catalog.CacheTTL)
	require.Equal(t, domain.DefaultFetchRetries, cfg.Catalog.FetchRetries)
	require.Equal(t, domain.DefaultProbeConcurrency, cfg.Catalog.ProbeConcurrency)
	require.True(t, cfg.Bridge.Enabled)
	require.Equal(t, domain.DefaultBridgePath, cfg.Bridge.Path)
	require.True(t, cfg.Observability.EnableMetrics)
	require.True(t, cfg.Observability.EnableHealthz)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
registryPath: /var/lib/toolgate/registry.db
listenAddress: 127.0.0.1:9000
catalog:
  cacheTTLSeconds: 60
  fetchRetries: 4
  probeTimeoutSeconds: 5
  probeConcurrency: 8
bridge:
  enabled: false
  actorUser: agents
observability:
  listenAddress: 127.0.0.1:9999
  enableHealthz: false
`)

	cfg, err := LoadConfig(path, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "/var/lib/toolgate/registry.db", cfg.RegistryPath)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, time.Minute, cfg.Catalog.CacheTTL)
	require.Equal(t, 4, cfg.Catalog.FetchRetries)
	require.Equal(t, 5*time.Second, cfg.Catalog.ProbeTimeout)
	require.Equal(t, 8, cfg.Catalog.ProbeConcurrency)
	require.False(t, cfg.Bridge.Enabled)
	require.Equal(t, "agents", cfg.Bridge.ActorUser)
	require.Equal(t, "127.0.0.1:9999", cfg.Observability.ListenAddress)
	require.True(t, cfg.Observability.EnableMetrics)
	require.False(t, cfg.Observability.EnableHealthz)
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("TOOLGATE_TEST_DB", "/tmp/test.db")
	path := writeConfig(t, "registryPath: ${TOOLGATE_TEST_DB}\n")

	cfg, err := LoadConfig(path, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "/tmp/test.db", cfg.RegistryPath)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"bad listen", "listenAddress: nope\n", "listenAddress"},
		{"ttl zero", "catalog:\n  cacheTTLSeconds: 0\n", "cacheTTLSeconds"},
		{"retries too high", "catalog:\n  fetchRetries: 99\n", "fetchRetries"},
		{"concurrency zero", "catalog:\n  probeConcurrency: 0\n", "probeConcurrency"},
		{"bridge path relative", "bridge:\n  path: mcp/apps\n", "bridge.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := LoadConfig(path, zap.NewNop())
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
	require.Error(t, err)
}
