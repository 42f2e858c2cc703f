package config

import "context"

type contextKey string

const configKey contextKey = "rentwatch:config"

// WithContext stores cfg on ctx so request handlers can read it.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	if cfg == nil {
		return ctx
	}
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves the Config stored by WithContext.
func FromContext(ctx context.Context) (*Config, bool) {
	cfg, ok := ctx.Value(configKey).(*Config)
	return cfg, ok
}
