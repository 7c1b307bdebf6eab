package domain

const (
	DefaultCacheTTLSeconds        = 300
	DefaultFetchRetries           = 2
	MaxFetchRetries               = 5
	DefaultProbeTimeoutSeconds    = 10
	DefaultProbeConcurrency       = 4
	DefaultRetryBackoffMS         = 500
	DefaultDispatchTimeoutSeconds = 30
	MaxDispatchTimeoutSeconds     = 120

	DefaultListenAddress              = "0.0.0.0:8400"
	DefaultObservabilityListenAddress = "0.0.0.0:9490"
	DefaultBridgePath                 = "/mcp/apps"

	// PlaceholderPath marks the synthetic operation standing in for an
	// unreachable or empty app.
	PlaceholderPath       = "/__placeholder__"
	PlaceholderNameSuffix = "__endpoint_unavailable"
)
