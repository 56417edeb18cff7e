// Package pump adapts a MessageQueue to an event pump that is driven one
// event at a time, the way a foreign (e.g. GUI) event loop would drive it:
// each wake event executes exactly one message.
package pump

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync/atomic"

	"github.com/joeycumines/go-apartment"
	"github.com/joeycumines/go-longpoll"
	"github.com/joeycumines/logiface"
)

const defaultBacklog = 64

type (
	// Pump owns a MessageQueue, and implements its Notify. Messages posted
	// to the queue are executed by Run.
	Pump struct {
		queue   *apartment.MessageQueue
		events  chan struct{}
		batch   longpoll.ChannelConfig
		logger  *logiface.Logger[logiface.Event]
		running atomic.Bool
	}

	// Option configures a Pump.
	Option interface {
		apply(*options)
	}

	options struct {
		queue   []apartment.QueueOption
		batch   longpoll.ChannelConfig
		logger  *logiface.Logger[logiface.Event]
		backlog int
	}

	optionFunc func(*options)
)

// ErrRunning is returned if Run is called while already running.
var ErrRunning = errors.New("pump: already running")

func (f optionFunc) apply(o *options) { f(o) }

// WithQueueOptions configures the pump's queue.
func WithQueueOptions(opts ...apartment.QueueOption) Option {
	return optionFunc(func(o *options) {
		o.queue = append(o.queue, opts...)
	})
}

// WithBatch configures how wake events are received, see
// longpoll.ChannelConfig. By default, events are handled as soon as they
// arrive.
func WithBatch(cfg longpoll.ChannelConfig) Option {
	return optionFunc(func(o *options) {
		o.batch = cfg
	})
}

// WithBacklog sets how many wake events may be outstanding.
func WithBacklog(n int) Option {
	return optionFunc(func(o *options) {
		o.backlog = n
	})
}

// WithLogger sets the logger. The queue also uses it, unless configured
// otherwise.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(o *options) {
		o.logger = logger
	})
}

// New creates a Pump, and its queue.
func New(opts ...Option) (*Pump, error) {
	cfg := options{
		backlog: defaultBacklog,
		batch: longpoll.ChannelConfig{
			MaxSize: defaultBacklog,
			MinSize: 1,
		},
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if cfg.backlog <= 0 {
		return nil, errors.New("pump: backlog must be positive")
	}

	p := &Pump{
		events: make(chan struct{}, cfg.backlog),
		batch:  cfg.batch,
		logger: cfg.logger.Clone().Str(`component`, `pump`).Logger(),
	}

	queue, err := apartment.NewMessageQueue(p, append([]apartment.QueueOption{apartment.WithLogger(cfg.logger)}, cfg.queue...)...)
	if err != nil {
		return nil, err
	}
	p.queue = queue

	return p, nil
}

// Queue returns the queue the pump executes.
func (p *Pump) Queue() *apartment.MessageQueue {
	return p.queue
}

// Posted implements apartment.Notify.
func (p *Pump) Posted() {
	p.Wake()
}

// Wake delivers one wake event. It never blocks, and may be called from any
// goroutine. Events beyond the backlog are discarded, which is safe because
// the queue re-signals while it has messages remaining.
func (p *Pump) Wake() {
	select {
	case p.events <- struct{}{}:
	default:
	}
}

// Run executes the queue's messages, one per wake event, on the calling
// goroutine, which is locked to its OS thread for the duration. It returns
// ctx.Err() once ctx is done.
func (p *Pump) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer p.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p.logger.Debug().
		Str(`queue`, p.queue.Name()).
		Log(`pump running`)

	var executed int
	handler := func(struct{}) error {
		if p.queue.ProcessOnlyOneMessage() {
			executed++
		}
		return nil
	}

	for {
		err := longpoll.Channel(ctx, &p.batch, p.events, handler)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			err = nil
		}
		p.logger.Debug().
			Int(`executed`, executed).
			Err(err).
			Log(`pump stopped`)
		return err
	}
}
