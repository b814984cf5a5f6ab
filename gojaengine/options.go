package gojaengine

import (
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/go-hostbridge"
	"github.com/joeycumines/logiface"
)

type engineOptions struct {
	logger          *logiface.Logger[logiface.Event]
	modules         map[string]require.ModuleLoader
	instanceOptions []hostbridge.Option
}

// Option configures an [Engine], see [New].
type Option interface {
	applyEngine(*engineOptions) error
}

type engineOptionImpl struct {
	applyEngineFunc func(*engineOptions) error
}

func (o *engineOptionImpl) applyEngine(opts *engineOptions) error {
	return o.applyEngineFunc(opts)
}

// WithLogger configures the logger of the engine, its [hostbridge.Instance],
// and the target of console output.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithInstanceOptions configures the engine's [hostbridge.Instance]. The
// logger is always that of the engine.
func WithInstanceOptions(options ...hostbridge.Option) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.instanceOptions = append(opts.instanceOptions, options...)
		return nil
	}}
}

// WithModule registers a native module, loadable via require(name).
func WithModule(name string, loader require.ModuleLoader) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if opts.modules == nil {
			opts.modules = make(map[string]require.ModuleLoader)
		}
		opts.modules[name] = loader
		return nil
	}}
}

func resolveEngineOptions(opts []Option) (*engineOptions, error) {
	cfg := new(engineOptions)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyEngine(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
