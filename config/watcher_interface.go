package config

// Watcher is the source of live configuration for the gateway server.
type Watcher interface {
	GetCurrentConfig() *Config
	Subscribe() <-chan *Config
	Close() error
}

// StaticWatcher serves a fixed configuration. It is used when the gateway
// runs without a config file.
type StaticWatcher struct {
	cfg *Config
}

// NewStaticWatcher wraps cfg.
func NewStaticWatcher(cfg *Config) *StaticWatcher {
	return &StaticWatcher{cfg: cfg}
}

func (w *StaticWatcher) GetCurrentConfig() *Config { return w.cfg }

// Subscribe returns a channel that never delivers.
func (w *StaticWatcher) Subscribe() <-chan *Config { return make(chan *Config) }

func (w *StaticWatcher) Close() error { return nil }
