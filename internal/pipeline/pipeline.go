package pipeline

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/logger"
	"codeberg.org/mutker/telemetryd/internal/metrics"
	"codeberg.org/mutker/telemetryd/internal/resilience"
	"codeberg.org/mutker/telemetryd/internal/telemetry"
	"k8s.io/utils/clock"
)

// Target is one destination for every batch.
type Target struct {
	Name       string
	Sender     resilience.Sender
	Resilience resilience.Config
}

// Pipeline moves packets from the Collector through the Batcher to every
// target. Run owns the batcher, breakers and offline buffers on a single
// goroutine; producers only touch the Collector and Submit.
type Pipeline struct {
	cfg        Config
	collector  *telemetry.Collector
	batcher    *batch.Batcher
	deliverers []*resilience.Deliverer
	sources    []telemetry.Source
	recorder   metrics.Recorder
	clock      clock.WithTicker
	logger     logger.Logger

	submit        chan telemetry.TelemetryPacket
	submitDropped atomic.Uint64
	reportedDrops uint64
	skipped       uint64
	running       atomic.Bool
}

// Options carries the optional collaborators of a Pipeline.
type Options struct {
	Sources  []telemetry.Source
	Recorder metrics.Recorder
	Clock    clock.WithTicker
	Logger   logger.Logger
}

func New(cfg Config, collector *telemetry.Collector, batcher *batch.Batcher, targets []Target, opts Options) (*Pipeline, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if collector == nil || batcher == nil {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "collector and batcher are required")
	}
	if len(targets) == 0 {
		return nil, errFactory.New(ErrNoTargets)
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Noop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	p := &Pipeline{
		cfg:       cfg,
		collector: collector,
		batcher:   batcher,
		sources:   opts.Sources,
		recorder:  opts.Recorder,
		clock:     opts.Clock,
		logger:    opts.Logger,
		submit:    make(chan telemetry.TelemetryPacket, cfg.ChannelCapacity),
	}

	observer := &selfObserver{recorder: opts.Recorder, collector: collector, clock: opts.Clock}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if seen[t.Name] {
			return nil, errFactory.WithMessage(ErrInvalidConfig, "duplicate target "+t.Name)
		}
		seen[t.Name] = true

		d, err := resilience.NewDeliverer(t.Name, t.Sender, t.Resilience, opts.Clock, observer, opts.Logger)
		if err != nil {
			return nil, errFactory.Wrap(ErrInvalidConfig, err)
		}
		p.deliverers = append(p.deliverers, d)
	}

	return p, nil
}

// Submit hands a packet to the pipeline without blocking. It reports false
// and counts a drop when the channel is full.
func (p *Pipeline) Submit(packet telemetry.TelemetryPacket) bool {
	select {
	case p.submit <- packet:
		return true
	default:
		p.submitDropped.Add(1)
		p.recorder.PacketDropped()
		return false
	}
}

// Dropped returns the number of packets rejected by Submit.
func (p *Pipeline) Dropped() uint64 {
	return p.submitDropped.Load()
}

// Deliverers exposes the per-target delivery state.
func (p *Pipeline) Deliverers() []*resilience.Deliverer {
	return p.deliverers
}

// TargetHealth classifies every target: healthy when closed with nothing
// buffered, degraded while a backlog remains or a trial is pending, failed
// while the circuit is open.
func (p *Pipeline) TargetHealth() telemetry.ComponentCounts {
	var counts telemetry.ComponentCounts
	for _, d := range p.deliverers {
		switch {
		case d.State() == resilience.StateOpen:
			counts.Failed++
		case d.State() == resilience.StateHalfOpen || d.Buffered() > 0:
			counts.Degraded++
		default:
			counts.Healthy++
		}
	}
	return counts
}

// Run drives the pipeline until ctx is canceled, then makes a final
// flush bounded by ShutdownTimeout.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New().New(ErrAlreadyRunning)
	}
	defer p.running.Store(false)

	var packetC <-chan time.Time
	if p.cfg.Interval > 0 {
		ticker := p.clock.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		packetC = ticker.C()
	}
	flushTicker := p.clock.NewTicker(p.cfg.FlushCheck)
	defer flushTicker.Stop()

	p.logger.Info().
		Dur("interval", p.cfg.Interval).
		Int("targets", len(p.deliverers)).
		Int("sources", len(p.sources)).
		Msg("Pipeline started")

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil

		case <-packetC:
			p.poll(ctx)
			p.enqueue(ctx, p.collector.GeneratePacket())

		case packet := <-p.submit:
			p.enqueue(ctx, packet)

		case <-flushTicker.C():
			p.reportSubmitDrops()
			if !p.batcher.Due() || !p.flush(ctx) {
				p.pump(ctx)
			}
		}
	}
}

// poll samples every source into the Collector and refreshes health.
func (p *Pipeline) poll(ctx context.Context) {
	if len(p.sources) == 0 {
		return
	}

	samples := make([]telemetry.Sample, 0, len(p.sources))
	for _, src := range p.sources {
		sample, err := src.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug().Err(err).Str("source", src.Name()).Msg("Source sample incomplete")
			p.collector.RecordDiagnostic(telemetry.DiagnosticEntry{
				Level:     telemetry.LevelWarning,
				Timestamp: p.clock.Now().UTC(),
				Component: src.Name(),
				Message:   err.Error(),
			}.WithCode(CodeSourceFailed))
		}
		for _, r := range sample.Readings {
			p.collector.RecordSensorReading(r)
		}
		samples = append(samples, sample)
	}

	p.collector.UpdateHealth(telemetry.BuildHealth(p.clock.Now(), samples, p.TargetHealth()))
}

func (p *Pipeline) reportSubmitDrops() {
	total := p.submitDropped.Load()
	if total == p.reportedDrops {
		return
	}
	dropped := total - p.reportedDrops
	p.reportedDrops = total

	p.collector.RecordDiagnostic(telemetry.DiagnosticEntry{
		Level:     telemetry.LevelWarning,
		Timestamp: p.clock.Now().UTC(),
		Component: diagnosticComponent,
		Message:   "submission channel full, packets dropped",
	}.WithCode(CodeSubmitOverflow).WithContext("dropped", strconv.FormatUint(dropped, 10)))
}

func (p *Pipeline) enqueue(ctx context.Context, packet telemetry.TelemetryPacket) {
	p.recorder.PacketGenerated()

	b, err := p.batcher.Add(packet)
	p.noteSkipped()
	if err != nil {
		p.encodeFailed(err)
		return
	}
	if b != nil {
		p.dispatch(ctx, b)
	}
}

// flush cuts the pending batch, if any, and reports whether one was
// dispatched.
func (p *Pipeline) flush(ctx context.Context) bool {
	b, err := p.batcher.Flush()
	p.noteSkipped()
	if err != nil {
		p.encodeFailed(err)
		return false
	}
	if b == nil {
		return false
	}
	p.dispatch(ctx, b)
	return true
}

func (p *Pipeline) noteSkipped() {
	skipped := p.batcher.Skipped()
	for ; p.skipped < skipped; p.skipped++ {
		p.recorder.PacketSkipped()
	}
}

func (p *Pipeline) encodeFailed(err error) {
	p.logger.Error().Err(err).Msg("Batch encoding failed")
	p.collector.RecordDiagnostic(telemetry.DiagnosticEntry{
		Level:     telemetry.LevelError,
		Timestamp: p.clock.Now().UTC(),
		Component: diagnosticComponent,
		Message:   err.Error(),
	}.WithCode(CodeEncodeFailed))
}

// dispatch queues b on every target before any of them sends, so a
// canceled send to one target cannot keep b from the others.
func (p *Pipeline) dispatch(ctx context.Context, b *batch.Batch) {
	p.recorder.BatchCreated(b)
	for _, d := range p.deliverers {
		d.Enqueue(b)
	}
	p.pump(ctx)
}

func (p *Pipeline) pump(ctx context.Context) {
	for _, d := range p.deliverers {
		_ = d.Pump(ctx)
	}
}

// shutdown takes in what is already submitted, flushes it and gives every
// target one bounded attempt at its backlog.
func (p *Pipeline) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	defer cancel()

	for drained := false; !drained; {
		select {
		case packet := <-p.submit:
			p.enqueue(ctx, packet)
		default:
			drained = true
		}
	}
	p.reportSubmitDrops()

	if !p.flush(ctx) {
		p.pump(ctx)
	}

	for _, d := range p.deliverers {
		if n := d.Buffered(); n > 0 {
			p.logger.Warn().
				Str("target", d.Name()).
				Int("buffered", n).
				Msg("Undelivered batches abandoned at shutdown")
		}
	}
	p.logger.Info().Msg("Pipeline stopped")
}
