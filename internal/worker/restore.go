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

// RestoreFinalizer consumes the vault's retrieval-complete notifications,
// moves the retrieved bytes back into the object store, deletes the vault
// copy, and clears the archival marker.
type RestoreFinalizer struct {
	cfg     config.Config
	store   Metadata
	objects Objects
	vault   Vault
}

func NewRestoreFinalizer(cfg config.Config, st Metadata, objects Objects, v Vault) *RestoreFinalizer {
	return &RestoreFinalizer{cfg: cfg, store: st, objects: objects, vault: v}
}

// Handle finalizes one retrieval. A not-ready vault response is expected
// (the notification can race the output becoming fetchable) and leaves the
// message for redelivery without touching any state.
func (r *RestoreFinalizer) Handle(ctx context.Context, msg bus.Message) error {
	var ev models.VaultNotification
	if err := models.DecodeEvent(msg.Body, &ev); err != nil {
		log.Printf("restore: dropping undecodable message %s: %v", msg.ID, err)
		return nil
	}
	if ev.JobID == "" || ev.ArchiveID == "" {
		log.Printf("restore: dropping notification %s missing job or archive id", msg.ID)
		return nil
	}

	userID, targetKey, err := keys.ParseDescription(ev.JobDescription)
	if err != nil {
		// Retrying cannot fix a malformed description; without the target
		// key the archive cannot be placed.
		log.Printf("restore: dropping notification %s: %v", msg.ID, err)
		return nil
	}

	body, err := r.vault.RetrieveOutput(ctx, ev.JobID)
	if err != nil {
		if errors.Is(err, vault.ErrNotReady) {
			return fmt.Errorf("retrieval %s: %w", ev.JobID, ErrRetryLater)
		}
		return fmt.Errorf("fetch retrieval output %s: %w", ev.JobID, err)
	}
	defer body.Close()

	if err := r.objects.Upload(ctx, r.cfg.ResultsBucket, targetKey, body); err != nil {
		return fmt.Errorf("restore %s: %w", targetKey, err)
	}

	// Only after the object-store copy exists may the vault copy go away and
	// the marker be cleared; a failure past this point redelivers and the
	// re-upload is a harmless overwrite.
	if err := r.vault.DeleteArchive(ctx, ev.ArchiveID); err != nil {
		return fmt.Errorf("delete vault copy for %s: %w", targetKey, err)
	}

	_, _, jobID, _, err := keys.ParseResult(targetKey)
	if err != nil {
		log.Printf("restore: %s restored but key does not map to a job: %v", targetKey, err)
		return nil
	}
	// Unconditional clear: only one retrieval is ever in flight per job.
	if err := r.store.ClearArchiveID(ctx, jobID); err != nil {
		return fmt.Errorf("clear archive marker for job %s: %w", jobID, err)
	}

	telemetry.RestoresTotal.Inc()
	log.Printf("restore: job %s restored to %s for user %s", jobID, targetKey, userID)
	return nil
}
