package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/meridian-orchestrator/meridian/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltin_RegistersExpectedFunctions(t *testing.T) {
	registry := Builtin()
	for _, name := range []string{"noop", "sleep", "echo"} {
		assert.Contains(t, registry, name)
	}
}

func TestNoop(t *testing.T) {
	result, err := Noop(context.Background(), &models.Job{}, nil)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestEcho_ReturnsTaskIdentity(t *testing.T) {
	job := &models.Job{TaskID: "extract"}
	result, err := Echo(context.Background(), job, map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	out, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "extract", out["task_id"])
}

func TestSleep_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Sleep(ctx, &models.Job{}, map[string]interface{}{"sleep_seconds": 30.0})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleep_HonorsSleepSecondsParameter(t *testing.T) {
	start := time.Now()
	result, err := Sleep(context.Background(), &models.Job{}, map[string]interface{}{"sleep_seconds": 0.05})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	out, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0.05, out["slept_seconds"])
}
