package internal

import "github.com/hollis-labs/marquee/internal/player"

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config   *Config
	renderer player.Renderer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithRenderer sets the display renderer. Without one the daemon runs
// headless and logs what would be shown.
func WithRenderer(r player.Renderer) Option {
	return func(a *application) {
		a.renderer = r
	}
}
