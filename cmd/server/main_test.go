package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/consistency/internal/config"
	"github.com/phrazzld/consistency/internal/platform/logger"
	"github.com/phrazzld/consistency/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

func TestValidateMigrateArgs(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	for _, c := range migrateCommands {
		assert.NoError(t, validateMigrateArgs(cmd, []string{c}), c)
	}

	assert.ErrorIs(t, validateMigrateArgs(cmd, []string{"sideways"}), errUnknownMigrateCommand)
	assert.Error(t, validateMigrateArgs(cmd, nil))
	assert.Error(t, validateMigrateArgs(cmd, []string{"up", "down"}))
}

func TestRootCommandRejectsUnknownMigrateCommand(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"migrate", "sideways"})

	err := cmd.ExecuteContext(context.Background())
	assert.ErrorIs(t, err, errUnknownMigrateCommand)
}

func TestRootCommandListsSubcommands(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "serve")
	assert.Contains(t, out.String(), "migrate")
	assert.Contains(t, out.String(), "--config")
}

func TestServeFailsOnInvalidConfig(t *testing.T) {
	t.Setenv("CONSISTENCY_CLUSTER_SELF_ID", "node-z")
	t.Setenv("CONSISTENCY_CLUSTER_PEERS", "node-a=http://127.0.0.1:8080")

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"serve"})

	err := cmd.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "config validation failed")
}

func TestElectionConfig(t *testing.T) {
	t.Parallel()

	c := config.ClusterConfig{
		SelfID: "node-b",
		Peers: []config.PeerConfig{
			{ID: "node-a", URL: "http://10.0.0.1:8080"},
			{ID: "node-b", URL: "http://10.0.0.2:8080"},
		},
		ShardCount:        32,
		HeartbeatInterval: time.Second,
		PeerTimeout:       10 * time.Second,
		AssignmentTTL:     5 * time.Second,
	}

	got := electionConfig(c)
	assert.Equal(t, "node-b", got.SelfID)
	require.Len(t, got.Peers, 2)
	assert.Equal(t, "node-a", got.Peers[0].ID)
	assert.Equal(t, "http://10.0.0.2:8080", got.Peers[1].URL)
	assert.Equal(t, int64(32), got.ShardCount)
	assert.Equal(t, time.Second, got.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, got.PeerTimeout)
	assert.Equal(t, 5*time.Second, got.AssignmentTTL)
}

func TestNewKeyGenerator(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "snowflake", "unregistered"} {
		keys, err := newKeyGenerator(config.ClusterConfig{SelfID: "node-a", ShardKeyGenerator: name}, logger.DiscardLogger())
		require.NoError(t, err)

		first, err := keys.GenerateShardKey()
		require.NoError(t, err)
		second, err := keys.GenerateShardKey()
		require.NoError(t, err)
		assert.Greater(t, second, first, "generator %q", name)
	}
}

func TestNewTimeRangeQuery(t *testing.T) {
	t.Parallel()

	window := newTimeRangeQuery(config.ScheduleConfig{
		TimeRangeQuery: "window",
		QueryLookback:  48 * time.Hour,
		QueryLimit:     250,
	}, logger.DiscardLogger())
	assert.Equal(t, 250, window.Limit())
	assert.WithinDuration(t, time.Now().Add(-48*time.Hour), window.StartTime(), time.Minute)

	lastHour := newTimeRangeQuery(config.ScheduleConfig{
		TimeRangeQuery: lastHourQueryName,
		QueryLookback:  48 * time.Hour,
		QueryLimit:     250,
	}, logger.DiscardLogger())
	assert.Equal(t, 250, lastHour.Limit())
	assert.WithinDuration(t, time.Now().Add(-time.Hour), lastHour.StartTime(), time.Minute)
}

func TestNewDeliverers(t *testing.T) {
	t.Parallel()

	primary, secondary := newDeliverers(config.OrdersConfig{}, logger.DiscardLogger())
	assert.IsType(t, &service.LogDeliverer{}, primary)
	assert.Nil(t, secondary)

	primary, secondary = newDeliverers(config.OrdersConfig{
		WebhookURL:     "http://hooks.example.com/orders",
		WebhookTimeout: time.Second,
	}, logger.DiscardLogger())
	assert.IsType(t, &service.WebhookDeliverer{}, primary)
	assert.IsType(t, &service.LogDeliverer{}, secondary)
}

func TestNewAlertSinksWithoutRedis(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Alert: config.AlertConfig{DefaultSink: "log"}}
	sinks, client, err := newAlertSinks(context.Background(), cfg, logger.DiscardLogger())
	require.NoError(t, err)
	assert.Nil(t, client)
	assert.Equal(t, []string{"log"}, sinks.Names())
}

func TestTelemetryServesInstruments(t *testing.T) {
	t.Parallel()

	tel, err := newTelemetry()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.shutdown(context.Background()) })

	counter, err := tel.provider.Meter("test").Int64Counter("consistency.test.events",
		metric.WithDescription("Events seen by the test."))
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	tel.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "consistency_test_events")
	assert.Contains(t, body, "go_goroutines")
}
