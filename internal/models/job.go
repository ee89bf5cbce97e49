package models

// Status is the lifecycle state of an annotation job as persisted in the
// metadata store. The front end reads these values verbatim, so they are part
// of the external contract.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Transitions are monotonic and one-directional: PENDING -> RUNNING ->
// COMPLETED, nothing else.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusCompleted
	}
	return false
}

// User roles. A role may change at any time (upgrade), so workers that care
// must re-read it rather than trust the role captured in an event.
const (
	RoleFree    = "free"
	RolePremium = "premium"
)

// Job is an annotation job record, keyed by JobID in the metadata store.
// Records are created by the gateway at submission and never deleted; the
// workers only ever advance them.
type Job struct {
	JobID          string  `json:"job_id"`
	UserID         string  `json:"user_id"`
	UserRole       string  `json:"user_role"`
	InputFileName  string  `json:"input_file_name"`
	S3KeyInputFile string  `json:"s3_key_input_file"`
	SubmitTime     int64   `json:"submit_time"`
	Status         Status  `json:"job_status"`
	CompleteTime   int64   `json:"complete_time,omitempty"`
	S3KeyResult    string  `json:"s3_key_result_file,omitempty"`
	S3KeyLog       string  `json:"s3_key_log_file,omitempty"`
	ArchiveID      *string `json:"results_file_archive_id,omitempty"`
}

// Archived reports whether the job's result has been tiered to the vault.
func (j Job) Archived() bool {
	return j.ArchiveID != nil && *j.ArchiveID != ""
}

// Profile is the identity collaborator's view of a user. The gateway writes
// it; the archiver re-derives the role from it and the notifier reads the
// email address.
type Profile struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email"`
}
