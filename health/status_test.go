package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPredicates(t *testing.T) {
	assert.True(t, NewHealthy("broker", "ok").IsHealthy())
	assert.True(t, NewDegraded("broker", "slow").IsDegraded())
	assert.True(t, NewUnhealthy("broker", "down").IsUnhealthy())

	degraded := NewDegraded("broker", "slow")
	assert.False(t, degraded.Healthy)
	assert.False(t, degraded.IsHealthy())
	assert.False(t, degraded.IsUnhealthy())
}

func TestStatusWithMetrics(t *testing.T) {
	base := NewHealthy("consumer", "polling")

	withMetrics := base.WithMetrics(&Metrics{
		Uptime:           time.Minute,
		RecordsProcessed: 42,
		ActiveBindings:   3,
	})

	require.NotNil(t, withMetrics.Metrics)
	assert.Equal(t, int64(42), withMetrics.Metrics.RecordsProcessed)
	assert.Nil(t, base.Metrics, "original status is not mutated")
}

func TestFromErrorSanitizesMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "nats url redacted",
			err:      errors.New("dial nats://broker.internal:4222 refused"),
			expected: "dial [URL] refused",
		},
		{
			name:     "file path redacted",
			err:      errors.New("open /etc/cumulus/config.yaml failed"),
			expected: "open [PATH] failed",
		},
		{
			name:     "ip and port redacted",
			err:      errors.New("connect 192.168.1.40:4222 timed out"),
			expected: "connect [IP][PORT] timed out",
		},
		{
			name:     "credentials redacted",
			err:      errors.New("auth failed: password=hunter2"),
			expected: "auth failed: [REDACTED]",
		},
		{
			name:     "nil error gets generic message",
			err:      nil,
			expected: "subsystem failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := FromError("broker", tt.err)

			assert.True(t, status.IsUnhealthy())
			assert.Equal(t, tt.expected, status.Message)
		})
	}
}

func TestAggregateEmpty(t *testing.T) {
	status := Aggregate("cumulus", nil)

	assert.True(t, status.IsHealthy())
	assert.Empty(t, status.SubStatuses)
}

func TestAggregateCopiesSubStatuses(t *testing.T) {
	subs := []Status{NewHealthy("broker", "ok")}

	status := Aggregate("cumulus", subs)
	subs[0] = NewUnhealthy("broker", "down")

	assert.True(t, status.SubStatuses[0].IsHealthy())
}

func TestHandlerStatusCodes(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(m *Monitor)
		expectedCode int
	}{
		{
			name: "healthy reports 200",
			setup: func(m *Monitor) {
				m.UpdateHealthy("broker", "connected")
			},
			expectedCode: http.StatusOK,
		},
		{
			name: "degraded still reports 200",
			setup: func(m *Monitor) {
				m.UpdateDegraded("consumer", "redeliveries climbing")
			},
			expectedCode: http.StatusOK,
		},
		{
			name: "unhealthy reports 503",
			setup: func(m *Monitor) {
				m.UpdateUnhealthy("broker", "disconnected")
			},
			expectedCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			tt.setup(m)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			Handler(m, "cumulus").ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedCode, rec.Code)

			var status Status
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
			assert.Equal(t, "cumulus", status.Component)
			assert.Len(t, status.SubStatuses, 1)
		})
	}
}
