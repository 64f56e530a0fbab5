package internal

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config     *Config
	executable string
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithWorkerExecutable sets the binary launched as the isolated file
// worker. It defaults to the running executable.
func WithWorkerExecutable(path string) Option {
	return func(a *application) {
		a.executable = path
	}
}
