package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"

	"annotation-service/internal/bus"
	"annotation-service/internal/config"
	"annotation-service/internal/keys"
	"annotation-service/internal/models"
	"annotation-service/internal/telemetry"
)

// Spawner launches the annotation pipeline for a staged input.
type Spawner interface {
	Spawn(ctx context.Context, req models.JobRequest, stagedPath string) error
}

// PipelineSpawner starts the pipeline wrapper binary as a detached child
// process. The child outlives the message that triggered it.
type PipelineSpawner struct {
	bin string
}

func NewPipelineSpawner(bin string) *PipelineSpawner {
	return &PipelineSpawner{bin: bin}
}

func (p *PipelineSpawner) Spawn(_ context.Context, req models.JobRequest, stagedPath string) error {
	// Not CommandContext: the pipeline must keep running after this message
	// is handled and this process possibly exits.
	cmd := exec.Command(p.bin, stagedPath, req.UserRole)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("detach pipeline: %w", err)
	}
	return nil
}

// Runner consumes job-request events: it stages the input object locally,
// launches the annotation pipeline, and advances the job to RUNNING with a
// conditional write so duplicate deliveries cannot corrupt an already
// advanced job.
type Runner struct {
	cfg     config.Config
	store   Metadata
	objects Objects
	spawn   Spawner
}

func NewRunner(cfg config.Config, store Metadata, objects Objects, spawn Spawner) *Runner {
	return &Runner{cfg: cfg, store: store, objects: objects, spawn: spawn}
}

// Handle processes a single job-request message.
func (r *Runner) Handle(ctx context.Context, msg bus.Message) error {
	var req models.JobRequest
	if err := models.DecodeEvent(msg.Body, &req); err != nil {
		log.Printf("runner: dropping undecodable message %s: %v", msg.ID, err)
		return nil
	}
	if err := req.Validate(); err != nil {
		log.Printf("runner: dropping invalid request %s: %v", msg.ID, err)
		return nil
	}

	// Staging is idempotent: the directory may already exist from an earlier
	// delivery of the same request.
	staged := keys.StagedInput(r.cfg.JobsDir, req.UserID, req.JobID, req.InputFileName)
	if err := r.objects.DownloadFile(ctx, r.cfg.InputsBucket, req.S3KeyInputFile, staged); err != nil {
		return fmt.Errorf("stage input for job %s: %w", req.JobID, err)
	}

	// Spawn failure leaves the message unacknowledged so the queue retries.
	if err := r.spawn.Spawn(ctx, req, staged); err != nil {
		return fmt.Errorf("job %s: %w", req.JobID, err)
	}

	// PENDING -> RUNNING only if no other worker advanced the job already. A
	// conditional miss means a duplicate delivery; the pipeline for this job
	// is already underway and the message is safe to drop. A store error at
	// this point is logged but the message is still acknowledged: the
	// pipeline has been launched, and redelivering would launch it twice.
	swapped, err := r.store.CompareAndSwapStatus(ctx, req.JobID, models.StatusPending, models.StatusRunning)
	switch {
	case err != nil:
		log.Printf("runner: job %s launched but status update failed: %v", req.JobID, err)
	case !swapped:
		log.Printf("runner: job %s already past PENDING, dropping duplicate request", req.JobID)
	default:
		telemetry.JobsStarted.Inc()
		log.Printf("runner: job %s running for user %s", req.JobID, req.UserID)
	}
	return nil
}
