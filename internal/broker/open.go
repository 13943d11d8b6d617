package broker

import (
	"fmt"
	"path/filepath"

	"github.com/msageha/conveyor/internal/model"
)

// Backend is a broker that also accepts new envelopes. Every implementation
// in this package is one.
type Backend interface {
	Broker
	Producer
}

// Open builds the broker named by cfg.Type. Relative spool directories are
// resolved against baseDir.
func Open(cfg model.BrokerConfig, baseDir string, opts Options) (Backend, error) {
	opts.Visibility = cfg.VisibilityTimeout()
	switch cfg.Type {
	case model.BrokerMemory:
		return NewMemory(opts), nil
	case model.BrokerRedis:
		return NewRedis(cfg.Redis, opts), nil
	case model.BrokerSpool:
		dir := cfg.Spool.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		return NewSpool(dir, opts)
	default:
		return nil, &model.ConfigError{Field: "broker.type", Err: fmt.Errorf("unknown broker %q", cfg.Type)}
	}
}

var (
	_ Backend = (*Memory)(nil)
	_ Backend = (*Redis)(nil)
	_ Backend = (*Spool)(nil)
)
