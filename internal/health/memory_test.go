package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/modelrelay/relay/pkg/errors"
)

func TestCooldownDurationEscalation(t *testing.T) {
	cfg := Config{CooldownBase: 30 * time.Second, CooldownMax: 4 * time.Minute}.withDefaults()

	assert.Equal(t, 30*time.Second, cfg.cooldownDuration(1))
	assert.Equal(t, time.Minute, cfg.cooldownDuration(2))
	assert.Equal(t, 2*time.Minute, cfg.cooldownDuration(3))
	assert.Equal(t, 4*time.Minute, cfg.cooldownDuration(4))
	assert.Equal(t, 4*time.Minute, cfg.cooldownDuration(10), "capped at max")
}

func TestMemoryScoreMovesWithOutcomes(t *testing.T) {
	store := NewMemoryStore(Config{Alpha: 0.1})
	ctx := context.Background()

	rec, err := store.RecordFailure(ctx, "openai/gpt-4o", gwerrors.ClassProviderFault)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, rec.Score, 1e-9)
	assert.Equal(t, 1, rec.ConsecutiveFailures)

	rec, err = store.RecordSuccess(ctx, "openai/gpt-4o", 120*time.Millisecond)
	require.NoError(t, err)
	assert.InDelta(t, 0.9*0.9+0.1, rec.Score, 1e-9)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
	assert.Equal(t, 120*time.Millisecond, rec.AvgLatency)
}

func TestMemoryCallerFaultDoesNotPoisonHealth(t *testing.T) {
	store := NewMemoryStore(Config{})
	ctx := context.Background()

	rec, err := store.RecordFailure(ctx, "openai/gpt-4o", gwerrors.ClassCallerFault)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Score)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
	assert.Zero(t, rec.TotalFailures)
}

func TestMemoryUnknownKeyIsHealthy(t *testing.T) {
	store := NewMemoryStore(Config{})

	rec, err := store.Health(context.Background(), "never/seen")
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Score)
	assert.False(t, rec.InCooldown(time.Now()))
	assert.Equal(t, 1.0, rec.SuccessRate())
}

func TestMemoryCooldownEnteredExactlyOnce(t *testing.T) {
	store := NewMemoryStore(Config{CooldownThreshold: 3, CooldownBase: time.Minute})
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, _ = store.RecordFailure(ctx, "openai/gpt-4o", gwerrors.ClassProviderFault)
		}()
	}
	wg.Wait()

	rec, err := store.Health(ctx, "openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CooldownBreaches, "threshold crossed by 20 writers must enter cooldown once")
	assert.True(t, rec.InCooldown(time.Now()))
}

func TestMemoryBreachEscalationUsesKthDuration(t *testing.T) {
	store := NewMemoryStore(Config{CooldownThreshold: 2, CooldownBase: 30 * time.Second, CooldownMax: time.Hour})
	ctx := context.Background()

	base := time.Now()
	now := base
	store.now = func() time.Time { return now }

	// First breach: 30s.
	for i := 0; i < 2; i++ {
		_, err := store.RecordFailure(ctx, "k", gwerrors.ClassProviderFault)
		require.NoError(t, err)
	}
	rec, _ := store.Health(ctx, "k")
	assert.Equal(t, base.Add(30*time.Second), rec.CooldownUntil)

	// Cooldown elapses, candidate fails again: second breach is 60s from
	// the new instant, not 2x stacked on the old one.
	now = base.Add(time.Minute)
	for i := 0; i < 2; i++ {
		_, err := store.RecordFailure(ctx, "k", gwerrors.ClassProviderFault)
		require.NoError(t, err)
	}
	rec, _ = store.Health(ctx, "k")
	assert.Equal(t, 2, rec.CooldownBreaches)
	assert.Equal(t, now.Add(time.Minute), rec.CooldownUntil)

	// A success clears escalation entirely.
	_, err := store.RecordSuccess(ctx, "k", time.Millisecond)
	require.NoError(t, err)
	rec, _ = store.Health(ctx, "k")
	assert.Equal(t, 0, rec.CooldownBreaches)
}

func TestMemoryReconfigureAppliesNewTuning(t *testing.T) {
	store := NewMemoryStore(Config{CooldownThreshold: 10, CooldownBase: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.RecordFailure(ctx, "openai/gpt-4o", gwerrors.ClassProviderFault)
		require.NoError(t, err)
	}
	rec, err := store.Health(ctx, "openai/gpt-4o")
	require.NoError(t, err)
	assert.False(t, rec.InCooldown(time.Now()), "threshold 10 tolerates 3 failures")

	// A tighter threshold applies to live records on the next failure.
	store.Reconfigure(Config{CooldownThreshold: 4, CooldownBase: time.Minute})
	rec, err = store.RecordFailure(ctx, "openai/gpt-4o", gwerrors.ClassProviderFault)
	require.NoError(t, err)
	assert.True(t, rec.InCooldown(time.Now()))
}

func TestMemoryCooldownExpiryIsReadTime(t *testing.T) {
	store := NewMemoryStore(Config{CooldownThreshold: 1, CooldownBase: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := store.RecordFailure(ctx, "k", gwerrors.ClassProviderFault)
	require.NoError(t, err)

	rec, _ := store.Health(ctx, "k")
	assert.True(t, rec.InCooldown(time.Now()))
	assert.False(t, rec.InCooldown(time.Now().Add(20*time.Millisecond)))
}
