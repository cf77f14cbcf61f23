package monitoring

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trundleyrg/FinancialAgent/internal/config"
)

func TestAlerter_Evaluate_Healthy(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		PartialRateThreshold: 0.25,
	})

	snap := &MetricsSnapshot{
		RunsTotal:     100,
		RunsComplete:  95,
		RunsFailed:    5,
		FailureRate:   0.05,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		RunsTotal:     20,
		RunsComplete:  12,
		RunsFailed:    8,
		FailureRate:   0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Contains(t, alerts[0].Message, "last 24h")
}

func TestAlerter_Evaluate_PartialRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.9,
		PartialRateThreshold: 0.25,
	})

	snap := &MetricsSnapshot{
		RunsComplete:  5,
		RunsPartial:   5,
		PartialRate:   0.5,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPartialRate, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
}

func TestAlerter_Evaluate_PartialRateDisabledByDefault(t *testing.T) {
	// Zero partial threshold means the partial-rate alert is off.
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.9})

	snap := &MetricsSnapshot{RunsComplete: 4, RunsPartial: 6, PartialRate: 0.6}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_TooFewRuns(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	// Two finished runs at 50% failure: not enough signal to alert on.
	snap := &MetricsSnapshot{RunsComplete: 1, RunsFailed: 1, FailureRate: 0.5}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var alert Alert
		require.NoError(t, json.Unmarshal(body, &alert))
		assert.NotEmpty(t, alert.Type)

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertFailureRate, Severity: "high", Message: "failure rate high"},
		{Type: AlertPartialRate, Severity: "medium", Message: "partial rate high"},
	})

	assert.Equal(t, 2, sent)
	assert.Equal(t, int64(2), received.Load())
}

func TestAlerter_SendAlerts_WebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertFailureRate}})

	assert.Zero(t, sent)
}

func TestAlerter_SendAlerts_NoWebhookConfigured(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertFailureRate}})

	assert.Zero(t, sent)
}
