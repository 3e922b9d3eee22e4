package alerts

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfgrid-tech/sfgrid/audit"
	"github.com/sfgrid-tech/sfgrid/sensors"
	"github.com/sfgrid-tech/sfgrid/store"
)

func newTestManager() (*Manager, *store.Memory, *audit.MemoryAppender) {
	gateway := store.NewMemory()
	memory := audit.NewMemoryAppender(0)
	return NewManager(gateway, audit.NewTrail(memory)), gateway, memory
}

var upperBreach = sensors.BreachResult{
	Breach:     true,
	Type:       sensors.AlertUpperBreach,
	LimitValue: 30,
	Unit:       "C",
}

func TestTrigger_CreatesAlert(t *testing.T) {
	m, gateway, _ := newTestManager()

	alert, created, err := m.Trigger(context.Background(), "temp01", upperBreach,
		Reading{Topic: "sf/sensors/temp01/temperature", Value: 35, Unit: "C"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "upper_breach", alert.AlertType)
	assert.Equal(t, 30.0, alert.LimitValue)
	assert.Equal(t, 35.0, alert.TriggeredValue)
	assert.False(t, alert.IsResolved)

	stored, err := gateway.Alerts(context.Background(), true, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestTrigger_NoDuplicateWhileUnresolved(t *testing.T) {
	m, gateway, _ := newTestManager()
	ctx := context.Background()
	reading := Reading{Topic: "sf/sensors/temp01/temperature", Value: 35, Unit: "C"}

	first, created, err := m.Trigger(ctx, "temp01", upperBreach, reading)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := m.Trigger(ctx, "temp01", upperBreach, reading)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	stored, err := gateway.Alerts(ctx, true, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestTrigger_DistinctTypesAreIndependent(t *testing.T) {
	m, gateway, _ := newTestManager()
	ctx := context.Background()

	_, created, err := m.Trigger(ctx, "temp01", upperBreach,
		Reading{Value: 35, Unit: "C"})
	require.NoError(t, err)
	assert.True(t, created)

	lower := sensors.BreachResult{Breach: true, Type: sensors.AlertLowerBreach, LimitValue: 10, Unit: "C"}
	_, created, err = m.Trigger(ctx, "temp01", lower, Reading{Value: 5, Unit: "C"})
	require.NoError(t, err)
	assert.True(t, created)

	stored, err := gateway.Alerts(ctx, true, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

// N concurrent breach evaluations for the same sensor and type must produce
// exactly one alert.
func TestTrigger_ConcurrentBreachesSingleAlert(t *testing.T) {
	m, gateway, _ := newTestManager()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.Trigger(ctx, "temp01", upperBreach,
				Reading{Topic: "sf/sensors/temp01/temperature", Value: 35, Unit: "C"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := gateway.Alerts(ctx, true, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestResolveRevert_IdempotentAndAudited(t *testing.T) {
	m, _, memory := newTestManager()
	ctx := context.Background()

	alert, _, err := m.Trigger(ctx, "temp01", upperBreach, Reading{Value: 35, Unit: "C"})
	require.NoError(t, err)

	resolved, err := m.Resolve(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, resolved.IsResolved)
	require.NotNil(t, resolved.ResolvedAt)

	// resolving again is a no-op returning current state
	again, err := m.Resolve(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, again.IsResolved)

	reverted, err := m.Revert(ctx, alert.ID)
	require.NoError(t, err)
	assert.False(t, reverted.IsResolved)
	assert.Nil(t, reverted.ResolvedAt)

	resolved, err = m.Resolve(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, resolved.IsResolved)

	// trigger + resolve + revert + resolve; the no-op resolve must not
	// have produced an audit event
	var kinds []audit.Kind
	for _, event := range memory.Events() {
		kinds = append(kinds, event.Kind)
	}
	assert.Equal(t, []audit.Kind{
		audit.KindAlertTriggered,
		audit.KindAlertResolved,
		audit.KindAlertReverted,
		audit.KindAlertResolved,
	}, kinds)
}

func TestResolve_UnknownAlert(t *testing.T) {
	m, _, _ := newTestManager()
	_, err := m.Resolve(context.Background(), "no-such-alert")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
