package master

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/clusterrun/internal/closure"
	"github.com/ChuLiYu/clusterrun/internal/store"
)

// Run mints its own metrics.Collector internally, and prometheus.MustRegister
// panics on a second registration against the same registry — the same
// known limitation the teacher's own metrics package documents. Each test
// here gets a fresh default registerer for the same reason the teacher's
// metrics_test.go resets it per test.
func resetMetricsRegistry() {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
}

func TestRunWiresDriverAndRecordsProgram(t *testing.T) {
	resetMetricsRegistry()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	opts := Options{
		BindHost: "127.0.0.1",
		DBPath:   dbPath,
		HoldHost: "127.0.0.1",
	}

	var seenDriver *Driver
	err := Run(context.Background(), opts, closure.NewRegistry(), func(ctx context.Context, d *Driver) error {
		seenDriver = d
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, seenDriver)

	assert.NotEmpty(t, seenDriver.ProgramId)
	assert.NotEmpty(t, seenDriver.MasterAddr)
	assert.NotNil(t, seenDriver.Registry)
	assert.NotNil(t, seenDriver.Launcher)
	assert.NotNil(t, seenDriver.Hold)
	assert.NotNil(t, seenDriver.Metrics)

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	rec, found, err := db.Get(seenDriver.ProgramId)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "success", rec.Outcome)
	assert.False(t, rec.FinishedAt.IsZero())
}

func TestRunRecordsFailureOutcome(t *testing.T) {
	resetMetricsRegistry()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	opts := Options{BindHost: "127.0.0.1", DBPath: dbPath, HoldHost: "127.0.0.1"}

	computeErr := assertErr("boom")
	var programID string
	err := Run(context.Background(), opts, closure.NewRegistry(), func(ctx context.Context, d *Driver) error {
		programID = d.ProgramId
		return computeErr
	})
	require.Error(t, err)

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	rec, found, err := db.Get(programID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, rec.Outcome, "boom")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestRunStartsHoldControlPlane(t *testing.T) {
	resetMetricsRegistry()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	opts := Options{BindHost: "127.0.0.1", DBPath: dbPath, HoldHost: "127.0.0.1"}

	err := Run(context.Background(), opts, closure.NewRegistry(), func(ctx context.Context, d *Driver) error {
		assert.Empty(t, d.Hold.List())
		return nil
	})
	require.NoError(t, err)
}
