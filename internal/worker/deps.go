package worker

import (
	"context"
	"io"
	"time"

	"annotation-service/internal/bus"
	"annotation-service/internal/models"
)

// Metadata is the slice of the metadata store the workers depend on. All
// shared-state mutation goes through these calls; the conditional ones are
// the only concurrency primitive in the system.
type Metadata interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	CompareAndSwapStatus(ctx context.Context, id string, from, to models.Status) (bool, error)
	MarkCompleted(ctx context.Context, id, resultKey, logKey string, completeTime int64) error
	SetArchiveID(ctx context.Context, id, archiveID string) (bool, error)
	ClearArchiveID(ctx context.Context, id string) error
	ListArchivedJobs(ctx context.Context, userID string) ([]models.Job, error)
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
}

// Objects is the object store surface used by the workers.
type Objects interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	DownloadFile(ctx context.Context, bucket, key, path string) error
	Upload(ctx context.Context, bucket, key string, body io.Reader) error
	UploadFile(ctx context.Context, bucket, key, path string) error
	Delete(ctx context.Context, bucket, key string) error
}

// Vault is the cold-storage surface used by the tiering workers.
type Vault interface {
	Upload(ctx context.Context, body io.Reader) (string, error)
	InitiateRetrieval(ctx context.Context, archiveID, tier, description string) (string, error)
	RetrieveOutput(ctx context.Context, retrievalJobID string) (io.ReadCloser, error)
	DeleteArchive(ctx context.Context, archiveID string) error
}

// Publisher emits lifecycle events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	PublishAfter(ctx context.Context, topic string, event any, delay time.Duration) error
}

// Mailer sends user notifications.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Source is a durable queue endpoint a Loop consumes: the Redis bus queue or
// an SQS queue, interchangeably.
type Source interface {
	Name() string
	Receive(ctx context.Context, max int, wait time.Duration) ([]bus.Message, error)
	Ack(ctx context.Context, msg bus.Message) error
}
