package resilience_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func breakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold:   3,
		Cooldown:           10 * time.Second,
		CooldownMultiplier: 2,
		MaxCooldown:        30 * time.Second,
	}
}

func newBreaker(t *testing.T) (*resilience.Breaker, *testingclock.FakeClock) {
	t.Helper()

	clk := testingclock.NewFakeClock(epoch)
	b, err := resilience.NewBreaker(breakerConfig(), clk)
	require.NoError(t, err)
	return b, clk
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newBreaker(t)

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, resilience.StateClosed, b.State())
	}

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, resilience.StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b, _ := newBreaker(t)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Zero(t, b.Failures())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, resilience.StateClosed, b.State())
}

func TestBreakerAdmitsSingleTrialAfterCooldown(t *testing.T) {
	b, clk := newBreaker(t)
	b.Trip()
	require.Equal(t, resilience.StateOpen, b.State())

	clk.Step(9 * time.Second)
	assert.False(t, b.Allow(), "Trip keeps the base cooldown")

	clk.Step(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, resilience.StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial while half-open")

	b.RecordSuccess()
	assert.Equal(t, resilience.StateClosed, b.State())
	assert.Equal(t, 10*time.Second, b.Cooldown())
}

func TestBreakerAbortReopensWithoutEscalating(t *testing.T) {
	b, clk := newBreaker(t)
	b.Trip()
	clk.Step(10 * time.Second)
	require.True(t, b.Allow())

	b.Abort()
	assert.Equal(t, resilience.StateOpen, b.State())
	assert.Equal(t, 10*time.Second, b.Cooldown())
	assert.True(t, b.Allow(), "elapsed cooldown admits the next trial")
	assert.Equal(t, resilience.StateHalfOpen, b.State())

	b.RecordSuccess()
	b.Abort()
	assert.Equal(t, resilience.StateClosed, b.State(), "no trial to abort")
}

func TestBreakerFailedTrialEscalatesCooldown(t *testing.T) {
	b, clk := newBreaker(t)

	var transitions []string
	b.OnStateChange(func(from, to resilience.State) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, 10*time.Second, b.Cooldown())

	clk.Step(10 * time.Second)
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, resilience.StateOpen, b.State())
	assert.Equal(t, 20*time.Second, b.Cooldown())

	clk.Step(20 * time.Second)
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, 30*time.Second, b.Cooldown(), "capped at max cooldown")

	assert.Equal(t, []string{
		"closed>open",
		"open>half-open",
		"half-open>open",
		"open>half-open",
		"half-open>open",
	}, transitions)
}

func TestBreakerConfigValidate(t *testing.T) {
	tests := map[string]func(*resilience.BreakerConfig){
		"zero threshold":   func(c *resilience.BreakerConfig) { c.FailureThreshold = 0 },
		"zero cooldown":    func(c *resilience.BreakerConfig) { c.Cooldown = 0 },
		"small multiplier": func(c *resilience.BreakerConfig) { c.CooldownMultiplier = 0.5 },
		"max below base":   func(c *resilience.BreakerConfig) { c.MaxCooldown = time.Second },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := breakerConfig()
			mutate(&cfg)
			_, err := resilience.NewBreaker(cfg, nil)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, resilience.ErrInvalidConfig))
		})
	}
}
