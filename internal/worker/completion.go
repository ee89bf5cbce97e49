package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"annotation-service/internal/config"
	"annotation-service/internal/keys"
	"annotation-service/internal/models"
	"annotation-service/internal/objectstore"
	"annotation-service/internal/telemetry"
)

// CompletionPublisher runs at the end of the annotation pipeline, in the
// pipeline wrapper's process. It uploads the result artifacts, marks the job
// COMPLETED, publishes the completion event, and for free-tier users
// schedules the tiering workflow after the grace delay.
//
// Each step is independently fault-tolerant: a failure is reported but does
// not abort the remaining steps, and never rolls back the completed status.
type CompletionPublisher struct {
	cfg       config.Config
	store     Metadata
	objects   Objects
	publisher Publisher
}

func NewCompletionPublisher(cfg config.Config, store Metadata, objects Objects, publisher Publisher) *CompletionPublisher {
	return &CompletionPublisher{cfg: cfg, store: store, objects: objects, publisher: publisher}
}

// Publish finalizes a finished pipeline run. The returned error aggregates
// any step failures for the caller's exit code; the job is still completed.
func (p *CompletionPublisher) Publish(ctx context.Context, userID, jobID, fileName, userRole string) error {
	var errs []error
	dir := keys.StagedDir(p.cfg.JobsDir, userID, jobID, fileName)

	// Missing artifacts are logged, not fatal: the job completes with a
	// partial result and the corresponding key stays empty.
	resultKey := p.uploadArtifact(ctx, dir, keys.ResultFileName(jobID, fileName),
		keys.Result(p.cfg.Tenant, userID, jobID, fileName), &errs)
	logKey := p.uploadArtifact(ctx, dir, keys.LogFileName(jobID, fileName),
		keys.Log(p.cfg.Tenant, userID, jobID, fileName), &errs)

	completeTime := time.Now().Unix()
	if err := p.store.MarkCompleted(ctx, jobID, resultKey, logKey, completeTime); err != nil {
		errs = append(errs, fmt.Errorf("mark completed: %w", err))
	} else {
		telemetry.JobsCompleted.Inc()
	}

	event := models.Completion{
		UserID:       userID,
		JobID:        jobID,
		CompleteTime: completeTime,
		InputFile:    fileName,
	}
	if err := p.publisher.Publish(ctx, p.cfg.TopicResults, event); err != nil {
		errs = append(errs, fmt.Errorf("publish completion: %w", err))
	}

	// Free-tier results become eligible for archival after the grace delay;
	// premium jobs never enter the tiering workflow.
	if userRole == models.RoleFree {
		if err := p.publisher.PublishAfter(ctx, p.cfg.TopicArchives, event, p.cfg.ArchiveGraceDelay); err != nil {
			errs = append(errs, fmt.Errorf("schedule archival: %w", err))
		}
	}

	p.cleanStaging(dir)
	return errors.Join(errs...)
}

func (p *CompletionPublisher) uploadArtifact(ctx context.Context, dir, name, key string, errs *[]error) string {
	path := filepath.Join(dir, name)
	if err := p.objects.UploadFile(ctx, p.cfg.ResultsBucket, key, path); err != nil {
		if errors.Is(err, objectstore.ErrNotExist) {
			log.Printf("completion: pipeline did not produce %s, completing without it", name)
		} else {
			*errs = append(*errs, fmt.Errorf("upload %s: %w", name, err))
		}
		return ""
	}
	return key
}

// cleanStaging removes the job's staging directory, and the user directory
// when this was the user's only staged job.
func (p *CompletionPublisher) cleanStaging(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("completion: clean staging %s: %v", dir, err)
		return
	}
	userDir := filepath.Dir(dir)
	if entries, err := os.ReadDir(userDir); err == nil && len(entries) == 0 {
		if err := os.Remove(userDir); err != nil {
			log.Printf("completion: clean user dir %s: %v", userDir, err)
		}
	}
}
