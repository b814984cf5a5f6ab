// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package hostbridge

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// defaultWarningRates bounds how often each category of warning (e.g. a
// full queue) is logged, per instance.
var defaultWarningRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// instanceOptions holds configuration options for Instance creation.
type instanceOptions struct {
	logger             *logiface.Logger[logiface.Event]
	warningRates       map[time.Duration]int
	defaultQueueDepth  int
	escapeVerification bool
}

// Option configures an [Instance], see [NewInstance].
type Option interface {
	applyInstance(*instanceOptions) error
}

type instanceOptionImpl struct {
	applyInstanceFunc func(*instanceOptions) error
}

func (o *instanceOptionImpl) applyInstance(opts *instanceOptions) error {
	return o.applyInstanceFunc(opts)
}

// WithLogger configures structured logging for the instance, and every
// queue it owns. A nil logger (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithEscapeVerification configures whether unmanaged Scopes verify, on
// exit, that no handle other than the returned one outlives them. When
// enabled, each unmanaged exit forces a garbage collection, and an escaped
// handle is fatal. Defaults to false, or true if built with the
// hostbridge_strict tag.
func WithEscapeVerification(enabled bool) Option {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		opts.escapeVerification = enabled
		return nil
	}}
}

// WithDefaultQueueDepth bounds the depth of the instance's default dispatch
// queue. Zero (the default) means unbounded.
func WithDefaultQueueDepth(depth int) Option {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		if depth < 0 {
			return errors.New("hostbridge: default queue depth must not be negative")
		}
		opts.defaultQueueDepth = depth
		return nil
	}}
}

// WithWarningRateLimit overrides the per-category rate limit applied to
// warnings, in the format accepted by catrate.NewLimiter. A nil or empty map
// disables rate limiting.
func WithWarningRateLimit(rates map[time.Duration]int) Option {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		if _, err := newWarningLimiter(rates); err != nil {
			return err
		}
		opts.warningRates = rates
		return nil
	}}
}

func resolveInstanceOptions(opts []Option) (*instanceOptions, error) {
	cfg := &instanceOptions{
		warningRates:       defaultWarningRates,
		escapeVerification: strictDefault,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyInstance(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// queueOptions holds configuration options for DispatchQueue creation.
type queueOptions struct {
	maxDepth  int
	keepAlive bool
}

// QueueOption configures a [DispatchQueue], see [NewDispatchQueue].
type QueueOption interface {
	applyQueue(*queueOptions) error
}

type queueOptionImpl struct {
	applyQueueFunc func(*queueOptions) error
}

func (o *queueOptionImpl) applyQueue(opts *queueOptions) error {
	return o.applyQueueFunc(opts)
}

// WithMaxQueueDepth bounds the number of calls that may be pending on the
// queue. Blocking calls wait for capacity, non-blocking calls fail with
// [ErrQueueFull]. Zero (the default) means unbounded.
func WithMaxQueueDepth(depth int) QueueOption {
	return &queueOptionImpl{func(opts *queueOptions) error {
		if depth < 0 {
			return errors.New("hostbridge: queue depth must not be negative")
		}
		opts.maxDepth = depth
		return nil
	}}
}

// WithKeepAlive configures whether the queue itself keeps the engine loop
// alive, independent of any [LiveHandle]. Defaults to true.
func WithKeepAlive(enabled bool) QueueOption {
	return &queueOptionImpl{func(opts *queueOptions) error {
		opts.keepAlive = enabled
		return nil
	}}
}

func resolveQueueOptions(opts []QueueOption) (*queueOptions, error) {
	cfg := &queueOptions{
		keepAlive: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyQueue(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
