package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/logger"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// Sender moves one batch to a sink.
type Sender interface {
	Send(ctx context.Context, b *batch.Batch) error
}

// Deliverer makes best-effort ordered delivery of batches to one target.
//
// Every batch joins the tail of the offline buffer and delivery always
// proceeds from the head, so a batch is never sent before the batches
// queued ahead of it. Each head send is retried per the RetryPolicy; an
// exhausted send counts as one breaker failure and the batch stays queued.
// After a successful HalfOpen trial the backlog is drained, and a failure
// while draining reopens the breaker at once.
//
// Deliver, Enqueue and Pump must be called from a single goroutine. State,
// Buffered and Dropped may be read from anywhere.
type Deliverer struct {
	name     string
	sender   Sender
	cfg      Config
	clock    clock.Clock
	breaker  *Breaker
	buffer   *OfflineBuffer
	limiter  *rate.Limiter
	observer Observer
	logger   logger.Logger

	draining  bool
	state     atomic.Int32
	delivered atomic.Uint64
}

func NewDeliverer(name string, sender Sender, cfg Config, clk clock.Clock, obs Observer, log logger.Logger) (*Deliverer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if obs == nil {
		obs = noopObserver{}
	}
	if log == nil {
		log = logger.Nop()
	}

	breaker, err := NewBreaker(cfg.Breaker, clk)
	if err != nil {
		return nil, err
	}
	buffer, err := NewOfflineBuffer(cfg.Buffer)
	if err != nil {
		return nil, err
	}

	d := &Deliverer{
		name:     name,
		sender:   sender,
		cfg:      cfg,
		clock:    clk,
		breaker:  breaker,
		buffer:   buffer,
		observer: obs,
		logger:   log.With("target", name),
	}
	if cfg.ReplayRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.ReplayRate), 1)
	}

	breaker.OnStateChange(d.stateChanged)

	return d, nil
}

func (d *Deliverer) Name() string {
	return d.name
}

// State returns the breaker state.
func (d *Deliverer) State() State {
	return State(d.state.Load())
}

// Buffered returns the number of batches awaiting delivery.
func (d *Deliverer) Buffered() int {
	return d.buffer.Len()
}

// Dropped returns the number of batches lost to buffer overflow.
func (d *Deliverer) Dropped() uint64 {
	return d.buffer.Dropped()
}

// Delivered returns the number of batches sent successfully.
func (d *Deliverer) Delivered() uint64 {
	return d.delivered.Load()
}

// Deliver queues b behind any undelivered batches and pumps the queue.
// Transport failures are absorbed; only context errors are returned.
func (d *Deliverer) Deliver(ctx context.Context, b *batch.Batch) error {
	d.Enqueue(b)
	return d.Pump(ctx)
}

// Enqueue queues b behind any undelivered batches without sending.
func (d *Deliverer) Enqueue(b *batch.Batch) {
	if evicted := d.buffer.Push(b); evicted > 0 {
		d.observer.BatchDropped(d.name, evicted)
		d.logger.Warn().
			Int("dropped", evicted).
			Uint64("total_dropped", d.buffer.Dropped()).
			Msg("Offline buffer full, dropped oldest batches")
	}
	d.reportDepth()
}

// Pump sends queued batches from the head while the breaker admits them.
// It stops at the first failure, leaving the remainder queued.
func (d *Deliverer) Pump(ctx context.Context) error {
	defer d.reportDepth()

	for d.buffer.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return d.abandon(false, err)
		}
		if !d.breaker.Allow() {
			return nil
		}
		trial := d.breaker.State() == StateHalfOpen

		if d.draining && d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return d.abandon(trial, err)
			}
		}

		head := d.buffer.Peek()
		err := d.sendWithRetry(ctx, head)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return d.abandon(trial, ctxErr)
		}
		if err != nil {
			d.observer.SendFailed(d.name, failureClass(err))
			if d.draining {
				d.logger.Warn().Err(err).Int("remaining", d.buffer.Len()).Msg("Replay failed, reopening circuit")
				d.draining = false
				d.breaker.Trip()
			} else {
				d.breaker.RecordFailure()
				d.logger.Debug().Err(err).Int("failures", d.breaker.Failures()).Msg("Send failed")
			}
			return nil
		}

		d.buffer.Pop()
		d.breaker.RecordSuccess()
		d.delivered.Add(1)
		d.observer.BatchDelivered(d.name, head)

		if trial && d.buffer.Len() > 0 {
			d.draining = true
			d.logger.Info().Int("backlog", d.buffer.Len()).Msg("Circuit closed, replaying offline buffer")
		}
	}

	if d.draining {
		d.draining = false
		d.logger.Info().Msg("Offline buffer drained")
	}
	return nil
}

// abandon stops a pump cut short by its context. The head stays queued and
// an outstanding trial goes back to Open unjudged.
func (d *Deliverer) abandon(trial bool, err error) error {
	d.draining = false
	if trial {
		d.breaker.Abort()
	}
	d.logger.Debug().Err(err).Int("buffered", d.buffer.Len()).Msg("Delivery interrupted")
	return err
}

func (d *Deliverer) sendWithRetry(ctx context.Context, b *batch.Batch) error {
	return d.cfg.Retry.Do(ctx, d.clock, func(ctx context.Context) error {
		if d.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.cfg.AttemptTimeout)
			defer cancel()
		}
		return d.sender.Send(ctx, b)
	}, func(err error, wait time.Duration) {
		d.observer.SendRetried(d.name)
		d.logger.Debug().Err(err).Dur("wait", wait).Str("batch", b.ID).Msg("Retrying send")
	})
}

func (d *Deliverer) stateChanged(from, to State) {
	d.state.Store(int32(to))
	d.observer.StateChanged(d.name, from, to)

	event := d.logger.Info()
	if to == StateOpen {
		event = d.logger.Warn()
		event.Dur("cooldown", d.breaker.Cooldown())
	}
	event.Str("from", from.String()).Str("to", to.String()).Msg("Circuit state changed")
}

func (d *Deliverer) reportDepth() {
	d.observer.BufferDepth(d.name, d.buffer.Len(), d.buffer.SizeBytes())
}

// failureClass names the cause of a send failure by the first code beneath
// the retry wrapper.
func failureClass(err error) string {
	if errors.HasCode(err, ErrRetriesExhausted) {
		err = errors.Unwrap(err)
	}
	if code := errors.CodeOf(err); code != "" {
		return string(code)
	}
	return "unknown"
}
