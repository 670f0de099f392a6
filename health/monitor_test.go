package health

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorUpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("broker", "connected")

	status, ok := m.Get("broker")
	require.True(t, ok)
	assert.Equal(t, "broker", status.Component)
	assert.True(t, status.IsHealthy())
	assert.False(t, status.Timestamp.IsZero())

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestMonitorUpdateOverridesComponentName(t *testing.T) {
	m := NewMonitor()

	m.Update("consumer", NewHealthy("something-else", "running"))

	status, ok := m.Get("consumer")
	require.True(t, ok)
	assert.Equal(t, "consumer", status.Component)
}

func TestMonitorAggregateHealth(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(m *Monitor)
		expected string
	}{
		{
			name:     "empty monitor is healthy",
			setup:    func(_ *Monitor) {},
			expected: "healthy",
		},
		{
			name: "all healthy",
			setup: func(m *Monitor) {
				m.UpdateHealthy("broker", "connected")
				m.UpdateHealthy("consumer", "polling")
			},
			expected: "healthy",
		},
		{
			name: "one degraded",
			setup: func(m *Monitor) {
				m.UpdateHealthy("broker", "connected")
				m.UpdateDegraded("consumer", "redeliveries climbing")
			},
			expected: "degraded",
		},
		{
			name: "unhealthy wins over degraded",
			setup: func(m *Monitor) {
				m.UpdateDegraded("consumer", "redeliveries climbing")
				m.UpdateUnhealthy("broker", "disconnected")
			},
			expected: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			tt.setup(m)

			status := m.AggregateHealth("cumulus")

			assert.Equal(t, tt.expected, status.Status)
			assert.Equal(t, "cumulus", status.Component)
			assert.Len(t, status.SubStatuses, m.Count())
		})
	}
}

func TestMonitorRemove(t *testing.T) {
	m := NewMonitor()
	m.UpdateUnhealthy("scheduler", "stopped")

	m.Remove("scheduler")

	_, ok := m.Get("scheduler")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Count())
}

func TestMonitorConcurrentAccess(t *testing.T) {
	m := NewMonitor()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.UpdateHealthy("broker", "connected")
			m.AggregateHealth("cumulus")
			m.GetAll()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, m.Count())
}

func TestMonitorGetAllReturnsCopy(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("broker", "connected")

	all := m.GetAll()
	delete(all, "broker")

	_, ok := m.Get("broker")
	assert.True(t, ok)
}
