// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package apartment

import (
	"errors"
	"time"

	"github.com/joeycumines/go-apartment/settings"
	"github.com/joeycumines/logiface"
)

// Setting keys read by the monitors and the thread pool, when configured
// WithSettings. Explicit options take precedence.
const (
	SettingTimerPriority      = `timer.priority`
	SettingTimerMaxSleep      = `timer.max_sleep`
	SettingSocketPriority     = `socket.priority`
	SettingPoolSize           = `pool.size`
	SettingPoolDispatchBudget = `pool.dispatch_budget`
)

const (
	defaultTimerMaxSleep       = time.Minute
	defaultPoolDispatchBudget  = 0
	defaultTimerMaxFiresRepeat = 1
)

// commonOptions holds the configuration shared by every component.
type commonOptions struct {
	logger   *logiface.Logger[logiface.Event]
	settings settings.Source
	priority *Priority
	name     string
}

// queueOptions holds configuration options for MessageQueue creation.
type queueOptions struct {
	commonOptions
}

// workerOptions holds configuration options for Worker creation.
type workerOptions struct {
	commonOptions
}

// poolOptions holds configuration options for ThreadPool creation.
type poolOptions struct {
	commonOptions
	dispatchBudget *int
}

// monitorOptions holds configuration options for TimerMonitor and
// SocketMonitor creation.
type monitorOptions struct {
	commonOptions
	clock    func() time.Time
	maxSleep time.Duration
}

// proxyOptions holds configuration options for Proxy and Subscriptions creation.
type proxyOptions struct {
	commonOptions
}

// runtimeOptions holds configuration options for Init.
type runtimeOptions struct {
	commonOptions
	monitor []MonitorOption
}

// --- Option interfaces ---

// QueueOption configures a MessageQueue.
type QueueOption interface {
	applyQueue(*queueOptions) error
}

// WorkerOption configures a Worker.
type WorkerOption interface {
	applyWorker(*workerOptions) error
}

// PoolOption configures a ThreadPool.
type PoolOption interface {
	applyPool(*poolOptions) error
}

// MonitorOption configures a TimerMonitor or SocketMonitor.
type MonitorOption interface {
	applyMonitor(*monitorOptions) error
}

// ProxyOption configures a Proxy or Subscriptions.
type ProxyOption interface {
	applyProxy(*proxyOptions) error
}

// RuntimeOption configures the process-wide Runtime, see Init.
type RuntimeOption interface {
	applyRuntime(*runtimeOptions) error
}

// Option is accepted anywhere a component specific option is.
type Option interface {
	QueueOption
	WorkerOption
	PoolOption
	MonitorOption
	ProxyOption
	RuntimeOption
}

// commonOptionImpl implements Option.
type commonOptionImpl struct {
	applyFunc func(*commonOptions) error
}

func (o *commonOptionImpl) applyQueue(opts *queueOptions) error {
	return o.applyFunc(&opts.commonOptions)
}

func (o *commonOptionImpl) applyWorker(opts *workerOptions) error {
	return o.applyFunc(&opts.commonOptions)
}

func (o *commonOptionImpl) applyPool(opts *poolOptions) error {
	return o.applyFunc(&opts.commonOptions)
}

func (o *commonOptionImpl) applyMonitor(opts *monitorOptions) error {
	return o.applyFunc(&opts.commonOptions)
}

func (o *commonOptionImpl) applyProxy(opts *proxyOptions) error {
	return o.applyFunc(&opts.commonOptions)
}

func (o *commonOptionImpl) applyRuntime(opts *runtimeOptions) error {
	return o.applyFunc(&opts.commonOptions)
}

// poolOptionImpl implements PoolOption.
type poolOptionImpl struct {
	applyPoolFunc func(*poolOptions) error
}

func (o *poolOptionImpl) applyPool(opts *poolOptions) error {
	return o.applyPoolFunc(opts)
}

// monitorOptionImpl implements MonitorOption.
type monitorOptionImpl struct {
	applyMonitorFunc func(*monitorOptions) error
}

func (o *monitorOptionImpl) applyMonitor(opts *monitorOptions) error {
	return o.applyMonitorFunc(opts)
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &commonOptionImpl{func(opts *commonOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithName sets a diagnostic name, used as the queue or thread name in log
// records.
func WithName(name string) Option {
	return &commonOptionImpl{func(opts *commonOptions) error {
		opts.name = name
		return nil
	}}
}

// WithPriority sets the initial thread priority, for components that own a
// thread. It is ignored by everything else.
func WithPriority(priority Priority) Option {
	return &commonOptionImpl{func(opts *commonOptions) error {
		if !priority.valid() {
			return ErrInvalidPriority
		}
		opts.priority = &priority
		return nil
	}}
}

// WithSettings configures a settings source, used to resolve defaults that
// were not explicitly configured.
func WithSettings(source settings.Source) Option {
	return &commonOptionImpl{func(opts *commonOptions) error {
		opts.settings = source
		return nil
	}}
}

// WithDispatchBudget caps the number of messages a pool dispatcher executes
// for one queue, before rotating to the next pending queue. Values <= 0 mean
// the messages queued when the dispatch started.
func WithDispatchBudget(budget int) PoolOption {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.dispatchBudget = &budget
		return nil
	}}
}

// runtimeOptionImpl implements RuntimeOption.
type runtimeOptionImpl struct {
	applyRuntimeFunc func(*runtimeOptions) error
}

func (o *runtimeOptionImpl) applyRuntime(opts *runtimeOptions) error {
	return o.applyRuntimeFunc(opts)
}

// WithMonitorOptions passes options through to both singleton monitors
// started by Init. They are applied after the runtime's own logger and
// settings.
func WithMonitorOptions(opts ...MonitorOption) RuntimeOption {
	return &runtimeOptionImpl{func(cfg *runtimeOptions) error {
		cfg.monitor = append(cfg.monitor, opts...)
		return nil
	}}
}

// WithClock overrides the time source used by a monitor.
func WithClock(clock func() time.Time) MonitorOption {
	return &monitorOptionImpl{func(opts *monitorOptions) error {
		if clock == nil {
			return errors.New(`apartment: nil clock`)
		}
		opts.clock = clock
		return nil
	}}
}

// WithMaxSleep sets the safety ceiling on how long the timer monitor sleeps
// between sweeps.
func WithMaxSleep(d time.Duration) MonitorOption {
	return &monitorOptionImpl{func(opts *monitorOptions) error {
		if d <= 0 {
			return errors.New(`apartment: max sleep must be positive`)
		}
		opts.maxSleep = d
		return nil
	}}
}

func (o *commonOptions) resolvePriority(key string) (Priority, error) {
	if o.priority != nil {
		return *o.priority, nil
	}
	if o.settings != nil && key != `` {
		if v, ok := o.settings.String(key); ok {
			return ParsePriority(v)
		}
	}
	return PriorityNormal, nil
}

func resolveQueueOptions(opts []QueueOption) (*queueOptions, error) {
	cfg := &queueOptions{}
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

func resolveWorkerOptions(opts []WorkerOption) (*workerOptions, error) {
	cfg := &workerOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyWorker(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func resolvePoolOptions(opts []PoolOption) (*poolOptions, error) {
	cfg := &poolOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPool(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (o *poolOptions) resolveDispatchBudget() int {
	if o.dispatchBudget != nil {
		return *o.dispatchBudget
	}
	if o.settings != nil {
		if v, ok := o.settings.Int(SettingPoolDispatchBudget); ok {
			return v
		}
	}
	return defaultPoolDispatchBudget
}

func resolveMonitorOptions(opts []MonitorOption) (*monitorOptions, error) {
	cfg := &monitorOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyMonitor(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	if cfg.maxSleep == 0 {
		cfg.maxSleep = defaultTimerMaxSleep
		if cfg.settings != nil {
			if v, ok := cfg.settings.Duration(SettingTimerMaxSleep); ok && v > 0 {
				cfg.maxSleep = v
			}
		}
	}
	return cfg, nil
}

func resolveProxyOptions(opts []ProxyOption) (*proxyOptions, error) {
	cfg := &proxyOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyProxy(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func resolveRuntimeOptions(opts []RuntimeOption) (*runtimeOptions, error) {
	cfg := &runtimeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRuntime(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
