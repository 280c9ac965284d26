// Package tasks holds the built-in task bodies the worker binary registers
// out of the box. Deployments embed their own functions by composing a
// Registry before starting the worker; these cover smoke tests and
// pipelines whose steps are pure orchestration glue.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-orchestrator/meridian/internal/models"
	"github.com/meridian-orchestrator/meridian/internal/worker"
)

// Builtin returns the default registry.
func Builtin() worker.Registry {
	return worker.Registry{
		"noop":  Noop,
		"sleep": Sleep,
		"echo":  Echo,
	}
}

// Noop succeeds immediately with no result.
func Noop(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error) {
	return nil, nil
}

// Sleep blocks for the duration named by the "sleep_seconds" run parameter
// (default 1s), honoring context cancellation. Useful for exercising lease
// renewal and janitor behavior against a live deployment.
func Sleep(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error) {
	seconds := 1.0
	if v, ok := params["sleep_seconds"].(float64); ok && v > 0 {
		seconds = v
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return map[string]interface{}{"slept_seconds": seconds}, nil
	}
}

// Echo succeeds with the run parameters and task identity as its result.
func Echo(ctx context.Context, job *models.Job, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"task_id": job.TaskID,
		"echo":    fmt.Sprintf("%v", params),
	}, nil
}
