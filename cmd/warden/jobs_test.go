package main

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/observability"
)

type stubCounts struct {
	locked int64
	total  int64
	swept  int64
	err    error
}

func (s *stubCounts) CountAttributeValue(ctx context.Context, key string, value any) (int64, error) {
	return s.locked, s.err
}

func (s *stubCounts) Total(ctx context.Context) (int64, error) {
	return s.total, s.err
}

func (s *stubCounts) SweepExpired(ctx context.Context) (int64, error) {
	return s.swept, s.err
}

func newJobs(stub *stubCounts, metrics *observability.Metrics) *jobs {
	return &jobs{
		accounts:    stub,
		history:     stub,
		credentials: stub,
		metrics:     metrics,
		logger:      observability.NopLogger(),
	}
}

func TestRefreshGauges(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	stub := &stubCounts{locked: 3, total: 42}

	require.NoError(t, newJobs(stub, metrics).refreshGauges(context.Background()))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.LockedAccounts))
	assert.Equal(t, 42.0, testutil.ToFloat64(metrics.HistoryEntriesTotal))

	stub.err = errors.New("db down")
	assert.Error(t, newJobs(stub, metrics).refreshGauges(context.Background()))

	// Without metrics the job does nothing
	assert.NoError(t, newJobs(stub, nil).refreshGauges(context.Background()))
}

func TestSweepCredentials(t *testing.T) {
	stub := &stubCounts{swept: 2}
	assert.NoError(t, newJobs(stub, nil).sweepCredentials(context.Background()))

	stub.err = errors.New("db down")
	assert.Error(t, newJobs(stub, nil).sweepCredentials(context.Background()))
}

func TestTaskRecoversPanics(t *testing.T) {
	j := newJobs(&stubCounts{}, nil)
	assert.NotPanics(t, func() {
		j.task("boom", func(ctx context.Context) error { panic("boom") })()
	})
}

func TestNewScheduler(t *testing.T) {
	j := newJobs(&stubCounts{}, nil)

	c, err := newScheduler(config.JobsConfig{GaugeSchedule: "@every 1m", CredentialSweepSchedule: ""}, j)
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)

	_, err = newScheduler(config.JobsConfig{GaugeSchedule: "not a schedule"}, j)
	assert.Error(t, err)
}
