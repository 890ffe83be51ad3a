package pubsub

// Config holds the configuration for the local bus.
type Config struct {
	// BufferSize is the per-subscriber channel capacity.
	BufferSize int `mapstructure:"buffer_size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{BufferSize: 64}
}
