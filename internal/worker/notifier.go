package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"annotation-service/internal/bus"
	"annotation-service/internal/config"
	"annotation-service/internal/models"
	"annotation-service/internal/store"
	"annotation-service/internal/telemetry"
)

// Notifier consumes completion events and emails the owning user a link to
// their results. Independent of tiering; premium and free users alike.
type Notifier struct {
	cfg    config.Config
	store  Metadata
	mailer Mailer
}

func NewNotifier(cfg config.Config, st Metadata, mailer Mailer) *Notifier {
	return &Notifier{cfg: cfg, store: st, mailer: mailer}
}

func (n *Notifier) Handle(ctx context.Context, msg bus.Message) error {
	var ev models.Completion
	if err := models.DecodeEvent(msg.Body, &ev); err != nil {
		log.Printf("notify: dropping undecodable message %s: %v", msg.ID, err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		log.Printf("notify: dropping invalid event %s: %v", msg.ID, err)
		return nil
	}

	profile, err := n.store.GetProfile(ctx, ev.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("notify: no profile for user %s, skipping job %s", ev.UserID, ev.JobID)
			return nil
		}
		return fmt.Errorf("look up profile %s: %w", ev.UserID, err)
	}
	if profile.Email == "" {
		log.Printf("notify: user %s has no email on file, skipping job %s", ev.UserID, ev.JobID)
		return nil
	}

	completedAt := time.Unix(ev.CompleteTime, 0).Format("2006-01-02 15:04")
	subject := fmt.Sprintf("Annotation job %s completed", ev.JobID)
	body := fmt.Sprintf("Your annotation job finished at %s.\n\nResults: %s%s\n",
		completedAt, n.cfg.ResultsURL, ev.JobID)

	if err := n.mailer.Send(ctx, profile.Email, subject, body); err != nil {
		return fmt.Errorf("notify user %s for job %s: %w", ev.UserID, ev.JobID, err)
	}
	telemetry.NotifyTotal.Inc()
	return nil
}
