package main

import (
	"context"
	"errors"
	"testing"

	"github.com/maciekb2/enrichment-pipeline/pkg/config"
	"github.com/maciekb2/enrichment-pipeline/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewCron_RegistersStages(t *testing.T) {
	cfg := config.Default()
	cfg.Cleanup.RetentionDays = 14
	st := new(MockStages)
	st.On("Prioritize", mock.Anything).Return(3, nil).Once()
	st.On("Cleanup", mock.Anything, pipeline.CleanupOptions{RetentionDays: 14}).
		Return(pipeline.CleanupReport{}, nil).Once()

	c, err := newCron(context.Background(), cfg, st)
	require.NoError(t, err)
	entries := c.Entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		e.WrappedJob.Run()
	}
	st.AssertExpectations(t)
}

func TestNewCron_EmptyScheduleDisablesStage(t *testing.T) {
	cfg := config.Default()
	cfg.Schedule.Cleanup = ""

	c, err := newCron(context.Background(), cfg, new(MockStages))
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)
}

func TestNewCron_InvalidSpec(t *testing.T) {
	cfg := config.Default()
	cfg.Schedule.Prioritize = "every five minutes"

	_, err := newCron(context.Background(), cfg, new(MockStages))
	assert.ErrorContains(t, err, "schedule prioritize")
}

func TestRunScheduled(t *testing.T) {
	calls := 0
	run := func(context.Context) error {
		calls++
		return pipeline.ErrBusy
	}
	runScheduled(context.Background(), pipeline.StagePrioritize, run)
	runScheduled(context.Background(), pipeline.StagePrioritize, func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	assert.Equal(t, 2, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runScheduled(ctx, pipeline.StagePrioritize, run)
	assert.Equal(t, 2, calls, "no runs after shutdown")
}
