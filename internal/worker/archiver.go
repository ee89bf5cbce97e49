package worker

import (
	"context"
	"errors"
	"fmt"
	"log"

	"annotation-service/internal/bus"
	"annotation-service/internal/config"
	"annotation-service/internal/keys"
	"annotation-service/internal/models"
	"annotation-service/internal/store"
	"annotation-service/internal/telemetry"
)

// Archiver consumes completion events scheduled for free-tier users and
// migrates the result object into the cold-storage vault.
//
// The vault upload must return an archive id BEFORE the object-store copy is
// deleted; otherwise a crash in between could leave the data in neither tier.
type Archiver struct {
	cfg     config.Config
	store   Metadata
	objects Objects
	vault   Vault
}

func NewArchiver(cfg config.Config, st Metadata, objects Objects, v Vault) *Archiver {
	return &Archiver{cfg: cfg, store: st, objects: objects, vault: v}
}

// Handle archives one completed job, idempotently.
func (a *Archiver) Handle(ctx context.Context, msg bus.Message) error {
	var ev models.Completion
	if err := models.DecodeEvent(msg.Body, &ev); err != nil {
		log.Printf("archiver: dropping undecodable message %s: %v", msg.ID, err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		log.Printf("archiver: dropping invalid event %s: %v", msg.ID, err)
		return nil
	}

	// Re-derive the user's tier at archival time: a user who upgraded during
	// the grace window must not have their data archived.
	profile, err := a.store.GetProfile(ctx, ev.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("archiver: no profile for user %s, leaving job %s unarchived", ev.UserID, ev.JobID)
			return nil
		}
		return fmt.Errorf("look up profile %s: %w", ev.UserID, err)
	}
	if profile.Role != models.RoleFree {
		log.Printf("archiver: user %s is %s now, abandoning archival of job %s", ev.UserID, profile.Role, ev.JobID)
		return nil
	}

	job, err := a.store.GetJob(ctx, ev.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", ev.JobID, err)
	}
	resultKey := job.S3KeyResult
	if resultKey == "" {
		resultKey = keys.Result(a.cfg.Tenant, ev.UserID, ev.JobID, ev.InputFile)
	}

	// Retry after a partial earlier attempt: the archive id is already set,
	// so never upload a second vault copy. Finishing the object-store delete
	// here restores the exactly-one-tier invariant.
	if job.Archived() {
		if err := a.objects.Delete(ctx, a.cfg.ResultsBucket, resultKey); err != nil {
			return fmt.Errorf("job %s already archived, delete object copy: %w", ev.JobID, err)
		}
		log.Printf("archiver: job %s already archived, finished cleanup", ev.JobID)
		return nil
	}

	body, err := a.objects.Get(ctx, a.cfg.ResultsBucket, resultKey)
	if err != nil {
		return fmt.Errorf("fetch result for job %s: %w", ev.JobID, err)
	}
	archiveID, err := a.vault.Upload(ctx, body)
	body.Close()
	if err != nil {
		return fmt.Errorf("vault upload for job %s: %w", ev.JobID, err)
	}

	set, err := a.store.SetArchiveID(ctx, ev.JobID, archiveID)
	if err != nil {
		// Vault holds the data but the marker is missing; leaving the event
		// unresolved retries the whole operation.
		return fmt.Errorf("record archive id for job %s: %w", ev.JobID, err)
	}
	if !set {
		// A racing worker archived this job first. Our upload is an orphan
		// copy; remove it so the result exists in exactly one place.
		if err := a.vault.DeleteArchive(ctx, archiveID); err != nil {
			log.Printf("archiver: job %s: delete orphan archive: %v", ev.JobID, err)
		}
		log.Printf("archiver: job %s archived by another worker, dropping", ev.JobID)
		return nil
	}

	if err := a.objects.Delete(ctx, a.cfg.ResultsBucket, resultKey); err != nil {
		// Marker is set; the redelivered event lands in the already-archived
		// branch and finishes the delete.
		return fmt.Errorf("delete archived object for job %s: %w", ev.JobID, err)
	}

	telemetry.ArchivesTotal.Inc()
	log.Printf("archiver: job %s tiered to vault for user %s", ev.JobID, ev.UserID)
	return nil
}
