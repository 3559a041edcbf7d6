package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/jobs"
)

// LifecycleRequest is the payload of the start/stop/restart job types.
type LifecycleRequest struct {
	ServerName   string `json:"serverName"`
	Graceful     bool   `json:"graceful"`
	GraceSeconds int    `json:"graceSeconds,omitempty"`
}

// RegisterJobHandlers wires server lifecycle operations into the job
// engine. The operations are quick compared to installs but still run as
// jobs so the dashboard gets a jobId with progress and a terminal error.
func RegisterJobHandlers(e *jobs.Engine, sup *Supervisor) {
	e.Register(asaman.JobTypeStartServer, false, lifecycleHandler(func(ctx context.Context, req LifecycleRequest) error {
		return sup.Start(ctx, req.ServerName)
	}))
	e.Register(asaman.JobTypeStopServer, false, lifecycleHandler(func(ctx context.Context, req LifecycleRequest) error {
		return sup.Stop(ctx, req.ServerName, req.Graceful, req.GraceSeconds)
	}))
	e.Register(asaman.JobTypeRestartServer, false, lifecycleHandler(func(ctx context.Context, req LifecycleRequest) error {
		return sup.Restart(ctx, req.ServerName, req.Graceful, req.GraceSeconds)
	}))
}

func lifecycleHandler(op func(ctx context.Context, req LifecycleRequest) error) jobs.HandlerFunc {
	return func(ctx context.Context, job *asaman.Job, report jobs.ProgressFunc) (json.RawMessage, error) {
		var req LifecycleRequest
		if err := json.Unmarshal(job.Data, &req); err != nil {
			return nil, asaman.WrapErr(asaman.KindValidationFailed, err, "decode %s payload", job.Type)
		}
		if req.ServerName == "" {
			return nil, asaman.E(asaman.KindValidationFailed, "serverName is required")
		}
		if req.GraceSeconds <= 0 {
			req.GraceSeconds = 30
		}
		report(10, job.Type+" "+req.ServerName)
		if err := op(ctx, req); err != nil {
			return nil, err
		}
		report(100, "done")
		res, _ := json.Marshal(map[string]string{"server": req.ServerName})
		return res, nil
	}
}
