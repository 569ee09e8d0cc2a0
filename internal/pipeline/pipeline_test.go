package pipeline_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/logger"
	"codeberg.org/mutker/telemetryd/internal/pipeline"
	"codeberg.org/mutker/telemetryd/internal/resilience"
	"codeberg.org/mutker/telemetryd/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingSender struct {
	mu      sync.Mutex
	down    bool
	batches []*batch.Batch
}

func (s *recordingSender) Send(_ context.Context, b *batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return fmt.Errorf("connection refused")
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *recordingSender) sent() []*batch.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*batch.Batch(nil), s.batches...)
}

// stallingSender holds its first send until the caller gives up on it.
type stallingSender struct {
	recordingSender
	started chan struct{}
	once    sync.Once
}

func (s *stallingSender) Send(ctx context.Context, b *batch.Batch) error {
	stalled := false
	s.once.Do(func() { stalled = true })
	if stalled {
		close(s.started)
		<-ctx.Done()
		return ctx.Err()
	}
	return s.recordingSender.Send(ctx, b)
}

type staticSource struct{}

func (staticSource) Name() string { return "probe" }
func (staticSource) Close() error { return nil }

func (staticSource) Sample(context.Context) (telemetry.Sample, error) {
	return telemetry.Sample{
		Readings: []telemetry.SensorReading{{
			ComponentID:   "probe-0",
			ComponentName: "Coolant probe",
			Timestamp:     epoch,
			Data:          telemetry.Temperature{Value: 21.5, Unit: "°C"},
			Confidence:    0.9,
		}},
		Components: telemetry.ComponentCounts{Healthy: 1},
	}, nil
}

type fixture struct {
	clock     *testingclock.FakeClock
	collector *telemetry.Collector
	sender    *recordingSender
	pipeline  *pipeline.Pipeline
}

func targetConfig() resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.Breaker.FailureThreshold = 1
	cfg.Retry.MaxAttempts = 1
	cfg.AttemptTimeout = 0
	return cfg
}

func newFixture(t *testing.T, cfg pipeline.Config, batchSize int, sources ...telemetry.Source) *fixture {
	t.Helper()

	clk := testingclock.NewFakeClock(epoch)
	collector, err := telemetry.NewCollector(telemetry.DefaultConfig(), clk)
	require.NoError(t, err)

	batchCfg := batch.DefaultConfig()
	batchCfg.Size = batchSize
	batchCfg.FlushInterval = time.Hour
	batcher, err := batch.NewBatcher(batchCfg, clk, logger.Nop())
	require.NoError(t, err)

	sender := &recordingSender{}
	p, err := pipeline.New(cfg, collector, batcher,
		[]pipeline.Target{{Name: "primary", Sender: sender, Resilience: targetConfig()}},
		pipeline.Options{Sources: sources, Clock: clk, Logger: logger.Nop()})
	require.NoError(t, err)

	return &fixture{clock: clk, collector: collector, sender: sender, pipeline: p}
}

func submitOnly() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Interval = 0
	cfg.FlushCheck = time.Hour
	return cfg
}

func runCanceled(t *testing.T, p *pipeline.Pipeline) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
}

func hasCode(report telemetry.DiagnosticsReport, code string) (telemetry.DiagnosticEntry, bool) {
	for _, e := range report.Entries {
		if e.Code == code {
			return e, true
		}
	}
	return telemetry.DiagnosticEntry{}, false
}

func TestFinalFlushDeliversContiguousSequences(t *testing.T) {
	f := newFixture(t, submitOnly(), 2)

	for i := 0; i < 5; i++ {
		require.True(t, f.pipeline.Submit(f.collector.GeneratePacket()))
	}
	runCanceled(t, f.pipeline)

	sent := f.sender.sent()
	require.Len(t, sent, 3)
	assert.Empty(t, batch.Gaps(sent))
	assert.Equal(t, uint64(0), sent[0].FirstSequence)
	assert.Equal(t, uint64(4), sent[2].LastSequence)
	for i := 1; i < len(sent); i++ {
		assert.True(t, sent[i-1].Before(sent[i]), "batches out of order")
	}
	assert.Equal(t, telemetry.ComponentCounts{Healthy: 1}, f.pipeline.TargetHealth())
}

func TestTickerPollsSourcesIntoPackets(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	f := newFixture(t, cfg, 1, staticSource{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Run(ctx) }()

	require.Eventually(t, f.clock.HasWaiters, time.Second, time.Millisecond)
	f.clock.Step(cfg.Interval)

	require.Eventually(t, func() bool { return len(f.sender.sent()) > 0 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	packets, err := f.sender.sent()[0].Packets()
	require.NoError(t, err)
	require.Len(t, packets, 1)

	packet := packets[0]
	require.Len(t, packet.SensorReadings, 1)
	assert.Equal(t, "probe-0", packet.SensorReadings[0].ComponentID)
	assert.Equal(t, telemetry.HealthHealthy, packet.Health.Status)
	assert.Equal(t, uint32(2), packet.Health.HealthyComponents, "source and target")
}

func TestOpenCircuitIsDiagnosedAndBuffered(t *testing.T) {
	f := newFixture(t, submitOnly(), 1)
	f.sender.down = true

	require.True(t, f.pipeline.Submit(f.collector.GeneratePacket()))
	runCanceled(t, f.pipeline)

	assert.Empty(t, f.sender.sent())
	assert.Equal(t, telemetry.ComponentCounts{Failed: 1}, f.pipeline.TargetHealth())

	deliverers := f.pipeline.Deliverers()
	require.Len(t, deliverers, 1)
	assert.Equal(t, resilience.StateOpen, deliverers[0].State())
	assert.Equal(t, 1, deliverers[0].Buffered())

	entry, ok := hasCode(f.collector.Diagnostics(), pipeline.CodeCircuitOpen)
	require.True(t, ok)
	assert.Equal(t, telemetry.LevelError, entry.Level)
	assert.Equal(t, "primary", entry.Context["target"])
}

func TestSubmitOverflowIsCountedAndDiagnosed(t *testing.T) {
	cfg := submitOnly()
	cfg.ChannelCapacity = 1
	f := newFixture(t, cfg, 10)

	assert.True(t, f.pipeline.Submit(f.collector.GeneratePacket()))
	assert.False(t, f.pipeline.Submit(f.collector.GeneratePacket()))
	assert.Equal(t, uint64(1), f.pipeline.Dropped())

	runCanceled(t, f.pipeline)

	entry, ok := hasCode(f.collector.Diagnostics(), pipeline.CodeSubmitOverflow)
	require.True(t, ok)
	assert.Equal(t, "1", entry.Context["dropped"])

	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, 1, sent[0].PacketCount)
}

func TestCanceledSendDoesNotStarveLaterTargets(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	collector, err := telemetry.NewCollector(telemetry.DefaultConfig(), clk)
	require.NoError(t, err)

	batchCfg := batch.DefaultConfig()
	batchCfg.Size = 1
	batchCfg.FlushInterval = time.Hour
	batcher, err := batch.NewBatcher(batchCfg, clk, logger.Nop())
	require.NoError(t, err)

	slow := &stallingSender{started: make(chan struct{})}
	fast := &recordingSender{}
	p, err := pipeline.New(submitOnly(), collector, batcher, []pipeline.Target{
		{Name: "slow", Sender: slow, Resilience: targetConfig()},
		{Name: "fast", Sender: fast, Resilience: targetConfig()},
	}, pipeline.Options{Clock: clk, Logger: logger.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.True(t, p.Submit(collector.GeneratePacket()))
	<-slow.started
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, slow.sent(), 1)
	assert.Len(t, fast.sent(), 1)
	for _, d := range p.Deliverers() {
		assert.Zero(t, d.Buffered(), d.Name())
		assert.Zero(t, d.Dropped(), d.Name())
		assert.Equal(t, resilience.StateClosed, d.State(), d.Name())
	}
}

func TestRunRejectsSecondCaller(t *testing.T) {
	f := newFixture(t, pipeline.DefaultConfig(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Run(ctx) }()
	require.Eventually(t, f.clock.HasWaiters, time.Second, time.Millisecond)

	canceled, stop := context.WithCancel(context.Background())
	stop()
	err := f.pipeline.Run(canceled)
	assert.True(t, errors.HasCode(err, pipeline.ErrAlreadyRunning))

	cancel()
	require.NoError(t, <-done)
}

func TestNewValidation(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	collector, err := telemetry.NewCollector(telemetry.DefaultConfig(), clk)
	require.NoError(t, err)
	batcher, err := batch.NewBatcher(batch.DefaultConfig(), clk, logger.Nop())
	require.NoError(t, err)

	target := pipeline.Target{Name: "a", Sender: &recordingSender{}, Resilience: targetConfig()}

	_, err = pipeline.New(pipeline.DefaultConfig(), collector, batcher, nil, pipeline.Options{})
	assert.True(t, errors.HasCode(err, pipeline.ErrNoTargets))

	_, err = pipeline.New(pipeline.DefaultConfig(), collector, batcher, []pipeline.Target{target, target}, pipeline.Options{})
	assert.True(t, errors.HasCode(err, pipeline.ErrInvalidConfig))

	bad := pipeline.DefaultConfig()
	bad.FlushCheck = 0
	_, err = pipeline.New(bad, collector, batcher, []pipeline.Target{target}, pipeline.Options{})
	assert.True(t, errors.HasCode(err, pipeline.ErrInvalidConfig))

	_, err = pipeline.New(pipeline.DefaultConfig(), nil, batcher, []pipeline.Target{target}, pipeline.Options{})
	assert.True(t, errors.HasCode(err, pipeline.ErrInvalidConfig))
}
