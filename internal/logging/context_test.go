package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, StageID(ctx))
	assert.Empty(t, TaskID(ctx))

	ctx = WithTaskID(WithStageID(WithRunID(ctx, "r1"), "retrieve"), "t1")
	assert.Equal(t, "r1", RunID(ctx))
	assert.Equal(t, "retrieve", StageID(ctx))
	assert.Equal(t, "t1", TaskID(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithStageID(WithRunID(context.Background(), "run-42"), "analyze")
	logger.InfoContext(ctx, "stage dispatched", slog.Int("attempt", 1))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "run-42", entry["run_id"])
	assert.Equal(t, "analyze", entry["stage_id"])
	assert.Equal(t, "stage dispatched", entry["msg"])
	assert.EqualValues(t, 1, entry["attempt"])
	assert.NotContains(t, entry, "task_id")
}

func TestCorrelationHandler_PlainContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.Info("no correlation")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry, "run_id")
	assert.NotContains(t, entry, "stage_id")
}

func TestCorrelationHandler_WithAttrsKeepsInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).
		With(slog.String("component", "engine"))

	ctx := WithRunID(context.Background(), "run-7")
	logger.InfoContext(ctx, "tick")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "run-7", entry["run_id"])
}
