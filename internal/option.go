package internal

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config  *Config
	mcpMode bool
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithMCP runs the assistant server on stdio instead of the HTTP API.
func WithMCP() Option {
	return func(a *application) {
		a.mcpMode = true
	}
}
