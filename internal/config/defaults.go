package config

// Pool and retry defaults. These match the documented behavior of the
// integration layer: a pool of 100 clients with a 5-minute idle TTL swept
// every minute, and three tool-call attempts backed off 1s/2s/4s.
const (
	DefaultMaxClients             = 100
	DefaultTTLSeconds             = 300
	DefaultCleanupIntervalSeconds = 60
	DefaultMaxRetries             = 3
)

// DefaultBackoffSeconds is the default delay schedule between retry attempts.
var DefaultBackoffSeconds = []int{1, 2, 4}

// GetDefaultConfig returns the default configuration: no integrations,
// default pool and retry settings.
func GetDefaultConfig() Config {
	return Config{
		Pool: PoolConfig{
			MaxClients:             DefaultMaxClients,
			TTLSeconds:             DefaultTTLSeconds,
			CleanupIntervalSeconds: DefaultCleanupIntervalSeconds,
		},
		Retry: RetryConfig{
			MaxRetries:     DefaultMaxRetries,
			BackoffSeconds: append([]int(nil), DefaultBackoffSeconds...),
		},
	}
}

// applyDefaults fills zero-valued pool and retry settings after unmarshal.
func applyDefaults(c *Config) {
	if c.Pool.MaxClients <= 0 {
		c.Pool.MaxClients = DefaultMaxClients
	}
	if c.Pool.TTLSeconds <= 0 {
		c.Pool.TTLSeconds = DefaultTTLSeconds
	}
	if c.Pool.CleanupIntervalSeconds <= 0 {
		c.Pool.CleanupIntervalSeconds = DefaultCleanupIntervalSeconds
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}
	if len(c.Retry.BackoffSeconds) == 0 {
		c.Retry.BackoffSeconds = append([]int(nil), DefaultBackoffSeconds...)
	}
}
