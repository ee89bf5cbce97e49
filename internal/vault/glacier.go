// Package vault wraps the cold-storage vault used to tier free-user results.
// Retrieval is asynchronous: an initiated job completes minutes to hours
// later and signals through the vault's notification topic, never inline.
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	glaciertypes "github.com/aws/aws-sdk-go-v2/service/glacier/types"
)

// Retrieval tiers, in falling order of cost and speed.
const (
	TierExpedited = "Expedited"
	TierStandard  = "Standard"
)

var (
	// ErrInsufficientCapacity means the vault rejected an expedited
	// retrieval; the caller should retry at the standard tier.
	ErrInsufficientCapacity = errors.New("insufficient retrieval capacity")

	// ErrNotReady means a retrieval job genuinely has not finished yet.
	// Expected, not an error condition; leave the trigger for redelivery.
	ErrNotReady = errors.New("retrieval not ready")
)

const retrievalJobType = "archive-retrieval"

// Glacier is the vault backed by the Glacier API.
type Glacier struct {
	client    *glacier.Client
	vaultName string
	snsTopic  string
}

// NewGlacier builds a vault handle. snsTopic, when set, is where the vault
// announces completed retrievals.
func NewGlacier(client *glacier.Client, vaultName, snsTopic string) *Glacier {
	return &Glacier{client: client, vaultName: vaultName, snsTopic: snsTopic}
}

// Upload streams an object into the vault and returns its archive id. The
// body is buffered because the vault API needs a seekable payload for its
// tree-hash checksum.
func (g *Glacier) Upload(ctx context.Context, body io.Reader) (string, error) {
	buf, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read archive body: %w", err)
	}
	out, err := g.client.UploadArchive(ctx, &glacier.UploadArchiveInput{
		AccountId: aws.String("-"),
		VaultName: aws.String(g.vaultName),
		Body:      bytes.NewReader(buf),
	})
	if err != nil {
		return "", fmt.Errorf("upload archive: %w", err)
	}
	archiveID := aws.ToString(out.ArchiveId)
	if archiveID == "" {
		return "", errors.New("vault returned empty archive id")
	}
	return archiveID, nil
}

// InitiateRetrieval starts an asynchronous archive retrieval at the given
// tier. description carries the (user, target key) correlation; it is the
// only user-defined field the vault round-trips to the completion
// notification.
func (g *Glacier) InitiateRetrieval(ctx context.Context, archiveID, tier, description string) (string, error) {
	out, err := g.client.InitiateJob(ctx, &glacier.InitiateJobInput{
		AccountId: aws.String("-"),
		VaultName: aws.String(g.vaultName),
		JobParameters: &glaciertypes.JobParameters{
			Type:        aws.String(retrievalJobType),
			ArchiveId:   aws.String(archiveID),
			Description: aws.String(description),
			Tier:        aws.String(tier),
			SNSTopic:    optional(g.snsTopic),
		},
	})
	if err != nil {
		var capErr *glaciertypes.InsufficientCapacityException
		if errors.As(err, &capErr) {
			return "", fmt.Errorf("%s retrieval: %w", tier, ErrInsufficientCapacity)
		}
		return "", fmt.Errorf("initiate %s retrieval: %w", tier, err)
	}
	return aws.ToString(out.JobId), nil
}

// RetrieveOutput fetches the bytes of a completed retrieval job. A job that
// has not finished maps to ErrNotReady.
func (g *Glacier) RetrieveOutput(ctx context.Context, retrievalJobID string) (io.ReadCloser, error) {
	out, err := g.client.GetJobOutput(ctx, &glacier.GetJobOutputInput{
		AccountId: aws.String("-"),
		VaultName: aws.String(g.vaultName),
		JobId:     aws.String(retrievalJobID),
	})
	if err != nil {
		var invalid *glaciertypes.InvalidParameterValueException
		if errors.As(err, &invalid) {
			return nil, fmt.Errorf("job %s: %w", retrievalJobID, ErrNotReady)
		}
		return nil, fmt.Errorf("get job output %s: %w", retrievalJobID, err)
	}
	return out.Body, nil
}

// DeleteArchive removes the vault copy after a successful restore.
func (g *Glacier) DeleteArchive(ctx context.Context, archiveID string) error {
	_, err := g.client.DeleteArchive(ctx, &glacier.DeleteArchiveInput{
		AccountId: aws.String("-"),
		VaultName: aws.String(g.vaultName),
		ArchiveId: aws.String(archiveID),
	})
	if err != nil {
		return fmt.Errorf("delete archive: %w", err)
	}
	return nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return aws.String(v)
}
