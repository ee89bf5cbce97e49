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
	"annotation-service/internal/telemetry"
	"annotation-service/internal/vault"
)

// ThawInitiator consumes thaw-request events emitted on tier upgrade and
// initiates vault retrieval for every archived job the user owns. Retrieval
// completes asynchronously, potentially hours later; the description field on
// each retrieval job is the only correlation carried across that boundary.
type ThawInitiator struct {
	cfg   config.Config
	store Metadata
	vault Vault
}

func NewThawInitiator(cfg config.Config, st Metadata, v Vault) *ThawInitiator {
	return &ThawInitiator{cfg: cfg, store: st, vault: v}
}

// Handle enumerates the user's archived jobs and requests retrieval for each,
// expedited first with a standard-tier fallback. The event is acknowledged
// only after every archived job has been attempted; partial failure is
// tolerated, total failure leaves the event for redelivery.
func (t *ThawInitiator) Handle(ctx context.Context, msg bus.Message) error {
	var ev models.ThawRequest
	if err := models.DecodeEvent(msg.Body, &ev); err != nil {
		log.Printf("thaw: dropping undecodable message %s: %v", msg.ID, err)
		return nil
	}
	if ev.UserID == "" {
		log.Printf("thaw: dropping event %s with no user id", msg.ID)
		return nil
	}

	jobs, err := t.store.ListArchivedJobs(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("list archived jobs for %s: %w", ev.UserID, err)
	}
	if len(jobs) == 0 {
		log.Printf("thaw: user %s has no archived jobs", ev.UserID)
		return nil
	}

	attempted, failed := 0, 0
	for _, job := range jobs {
		attempted++
		if err := t.retrieve(ctx, job); err != nil {
			failed++
			log.Printf("thaw: job %s: %v", job.JobID, err)
			continue
		}
		telemetry.ThawsTotal.Inc()
	}
	if failed == attempted {
		return fmt.Errorf("all %d retrieval requests failed for user %s", attempted, ev.UserID)
	}
	return nil
}

func (t *ThawInitiator) retrieve(ctx context.Context, job models.Job) error {
	targetKey := job.S3KeyResult
	if targetKey == "" {
		targetKey = keys.Result(t.cfg.Tenant, job.UserID, job.JobID, job.InputFileName)
	}
	desc := keys.Description(job.UserID, targetKey)

	retrievalID, err := t.vault.InitiateRetrieval(ctx, *job.ArchiveID, vault.TierExpedited, desc)
	if errors.Is(err, vault.ErrInsufficientCapacity) {
		log.Printf("thaw: job %s: no expedited capacity, falling back to standard", job.JobID)
		retrievalID, err = t.vault.InitiateRetrieval(ctx, *job.ArchiveID, vault.TierStandard, desc)
	}
	if err != nil {
		return err
	}
	log.Printf("thaw: job %s retrieval %s initiated", job.JobID, retrievalID)
	return nil
}
