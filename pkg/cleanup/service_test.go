package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/pkg/config"
)

type fakeBuildRetention struct {
	cutoffs []time.Time
	count   int64
	err     error
}

func (f *fakeBuildRetention) DeleteOldBuilds(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.count, f.err
}

type fakeEventRetention struct {
	cutoffs []time.Time
	count   int64
	err     error
}

func (f *fakeEventRetention) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.count, f.err
}

func testRetentionConfig() *config.RetentionConfig {
	return &config.RetentionConfig{
		BuildRetentionDays: 90,
		EventTTL:           30 * 24 * time.Hour,
		CleanupInterval:    time.Hour,
	}
}

func TestRunAllUsesConfiguredCutoffs(t *testing.T) {
	builds := &fakeBuildRetention{count: 3}
	events := &fakeEventRetention{count: 7}
	svc := NewService(testRetentionConfig(), builds, events)

	before := time.Now()
	svc.runAll(context.Background())

	require.Len(t, builds.cutoffs, 1)
	require.Len(t, events.cutoffs, 1)

	wantBuildCutoff := before.AddDate(0, 0, -90)
	assert.WithinDuration(t, wantBuildCutoff, builds.cutoffs[0], 5*time.Second)

	wantEventCutoff := before.Add(-30 * 24 * time.Hour)
	assert.WithinDuration(t, wantEventCutoff, events.cutoffs[0], 5*time.Second)
}

func TestRunAllContinuesAfterBuildFailure(t *testing.T) {
	builds := &fakeBuildRetention{err: errors.New("db down")}
	events := &fakeEventRetention{}
	svc := NewService(testRetentionConfig(), builds, events)

	svc.runAll(context.Background())

	assert.Len(t, events.cutoffs, 1, "event cleanup should run even when build deletion fails")
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	builds := &fakeBuildRetention{}
	events := &fakeEventRetention{}
	svc := NewService(testRetentionConfig(), builds, events)

	svc.Start(context.Background())
	svc.Stop()

	assert.GreaterOrEqual(t, len(builds.cutoffs), 1)
	assert.GreaterOrEqual(t, len(events.cutoffs), 1)
}

func TestStartIsIdempotent(t *testing.T) {
	svc := NewService(testRetentionConfig(), &fakeBuildRetention{}, &fakeEventRetention{})

	svc.Start(context.Background())
	svc.Start(context.Background())
	svc.Stop()
	svc.Stop()
}
