package cell

import (
	"github.com/rs/zerolog"

	"github.com/caffeineduck/cellrun/engine"
)

// DefaultPlaceholder is shown until the first run publishes.
const DefaultPlaceholder = "Loading Python Modules..."

// Option configures a Cell.
type Option func(*config)

type config struct {
	placeholder string
	source      string
	packages    []string
	mocks       []engine.MockSpec
	publish     func(string)
	log         zerolog.Logger
}

func defaultConfig() config {
	return config{
		placeholder: DefaultPlaceholder,
		log:         zerolog.Nop(),
	}
}

// WithPlaceholder sets the output shown before the first result.
func WithPlaceholder(text string) Option {
	return func(c *config) {
		c.placeholder = text
	}
}

// WithSource sets the initial snippet.
func WithSource(src string) Option {
	return func(c *config) {
		c.source = src
	}
}

// WithPackages adds real packages to install before every run.
func WithPackages(names ...string) Option {
	return func(c *config) {
		c.packages = append(c.packages, names...)
	}
}

// WithMocks adds mock packages to register before every run.
func WithMocks(specs ...engine.MockSpec) Option {
	return func(c *config) {
		c.mocks = append(c.mocks, specs...)
	}
}

// WithPublisher sets a callback invoked with every published output.
// It is called with the cell's lock held and must not call back into the cell.
func WithPublisher(fn func(string)) Option {
	return func(c *config) {
		c.publish = fn
	}
}

// WithLogger sets the cell logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}
