package events_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/events"
	"github.com/jonesrussell/north-cloud/acquirer/internal/metrics"
)

func TestBus_SubscribeFiltersByJob(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	mine, cancelMine := bus.Subscribe("job-1")
	defer cancelMine()
	all, cancelAll := bus.SubscribeAll()
	defer cancelAll()

	bus.Publish(events.Event{JobID: "job-2", From: domain.StatePending, To: domain.StateRunning})
	bus.Publish(events.Event{JobID: "job-1", From: domain.StateRunning, To: domain.StateCompleted})

	got := <-mine
	assert.Equal(t, "job-1", got.JobID)
	assert.True(t, got.Terminal())
	assert.False(t, got.At.IsZero())
	assert.Empty(t, mine)

	assert.Equal(t, "job-2", (<-all).JobID)
	assert.Equal(t, "job-1", (<-all).JobID)
}

func TestBus_CancelClosesChannelOnce(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe("job-1")
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic on the closed channel.
	bus.Publish(events.Event{JobID: "job-1"})
}

func TestBus_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bus := events.NewBus(m)
	_, cancel := bus.SubscribeAll()
	defer cancel()

	const published = 100
	for range published {
		bus.Publish(events.Event{JobID: "job-1"})
	}

	dropped := testutil.ToFloat64(m.EventsDropped)
	require.Positive(t, dropped)
	assert.Less(t, dropped, float64(published))
}
