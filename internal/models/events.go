package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JobRequest is the message the gateway publishes once per submission. It is
// delivered at least once; the runner must tolerate duplicates.
type JobRequest struct {
	JobID          string `json:"job_id"`
	UserID         string `json:"user_id"`
	UserRole       string `json:"user_role"`
	InputFileName  string `json:"input_file_name"`
	S3KeyInputFile string `json:"s3_key_input_file"`
}

// Validate checks that every field required to stage and launch the job is
// present.
func (r JobRequest) Validate() error {
	switch {
	case r.JobID == "":
		return errors.New("job request missing job_id")
	case r.UserID == "":
		return errors.New("job request missing user_id")
	case r.UserRole == "":
		return errors.New("job request missing user_role")
	case r.InputFileName == "":
		return errors.New("job request missing input_file_name")
	case r.S3KeyInputFile == "":
		return errors.New("job request missing s3_key_input_file")
	}
	return nil
}

// Completion is published when the annotation pipeline finishes. The notifier
// consumes it immediately; for free-tier users the same payload is also
// scheduled for the archiver after the grace period.
type Completion struct {
	UserID       string `json:"user_id"`
	JobID        string `json:"job_id"`
	CompleteTime int64  `json:"complete_time"`
	InputFile    string `json:"input_file"`
}

func (c Completion) Validate() error {
	if c.UserID == "" || c.JobID == "" {
		return fmt.Errorf("completion event missing ids: user=%q job=%q", c.UserID, c.JobID)
	}
	return nil
}

// ThawRequest is published when a user upgrades to premium. It triggers
// retrieval of every archived job the user owns.
type ThawRequest struct {
	UserID   string `json:"user_id"`
	UserRole string `json:"user_role"`
}

// VaultNotification is the vault's native retrieval-complete payload. The
// field names are fixed by the vault service, not by us. JobDescription is
// the only channel that carries the (user, target key) correlation across the
// vault's asynchronous boundary.
type VaultNotification struct {
	JobID          string `json:"JobId"`
	ArchiveID      string `json:"ArchiveId"`
	JobDescription string `json:"JobDescription"`
}

// DecodeEvent unmarshals a message body into the given event type.
func DecodeEvent(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}
