package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"annotation-service/internal/config"
	"annotation-service/internal/keys"
	"annotation-service/internal/models"
	"annotation-service/internal/store"
	"annotation-service/internal/telemetry"
)

// Metadata is the store surface the gateway needs: it creates the initial
// PENDING record and reads job state back for the front end. It never
// advances a job; that belongs to the workers.
type Metadata interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpsertProfile(ctx context.Context, p models.Profile) error
	SetRole(ctx context.Context, userID, role string) error
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
}

// Publisher emits the gateway's two events: job requests and thaw requests.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// Limiter throttles submissions per user.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires the HTTP handlers for the submission gateway.
type Server struct {
	cfg       config.Config
	store     Metadata
	publisher Publisher
	limiter   Limiter
}

// New constructs the gateway server.
func New(cfg config.Config, st Metadata, publisher Publisher, limiter Limiter) *Server {
	return &Server{cfg: cfg, store: st, publisher: publisher, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/annotations", s.handleSubmit)
	r.Get("/annotations/{id}", s.handleGetJob)
	r.Put("/users/{id}", s.handlePutProfile)
	r.Post("/users/{id}/upgrade", s.handleUpgrade)
	return r
}

type submitRequest struct {
	UserID         string `json:"user_id"`
	InputFileName  string `json:"input_file_name"`
	S3KeyInputFile string `json:"s3_key_input_file"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.InputFileName == "" {
		http.Error(w, "user_id and input_file_name are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "submit:"+req.UserID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	role := models.RoleFree
	if profile, err := s.store.GetProfile(r.Context(), req.UserID); err == nil {
		role = profile.Role
	}

	// An upload done through a presigned key already carries the job id;
	// otherwise mint one and derive the key.
	jobID := uuid.New().String()
	inputKey := req.S3KeyInputFile
	if inputKey == "" {
		inputKey = keys.Input(s.cfg.KeyPrefix, req.UserID, jobID, req.InputFileName)
	} else {
		_, keyJobID, keyFile, err := keys.ParseInput(inputKey)
		if err != nil {
			http.Error(w, "malformed s3_key_input_file", http.StatusBadRequest)
			return
		}
		jobID = keyJobID
		req.InputFileName = keyFile
	}

	job := models.Job{
		JobID:          jobID,
		UserID:         req.UserID,
		UserRole:       role,
		InputFileName:  req.InputFileName,
		S3KeyInputFile: inputKey,
		SubmitTime:     time.Now().Unix(),
		Status:         models.StatusPending,
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	event := models.JobRequest{
		JobID:          job.JobID,
		UserID:         job.UserID,
		UserRole:       job.UserRole,
		InputFileName:  job.InputFileName,
		S3KeyInputFile: job.S3KeyInputFile,
	}
	if err := s.publisher.Publish(r.Context(), s.cfg.TopicRequests, event); err != nil {
		http.Error(w, "publish job request failed", http.StatusInternalServerError)
		return
	}
	telemetry.SubmissionCounter.Inc()

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type profileRequest struct {
	Role  string `json:"role"`
	Email string `json:"email"`
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Role != models.RoleFree && req.Role != models.RolePremium {
		http.Error(w, fmt.Sprintf("role must be %q or %q", models.RoleFree, models.RolePremium), http.StatusBadRequest)
		return
	}
	p := models.Profile{UserID: chi.URLParam(r, "id"), Role: req.Role, Email: req.Email}
	if err := s.store.UpsertProfile(r.Context(), p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleUpgrade flips a user to premium and publishes the thaw request that
// brings their archived results back from the vault.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if err := s.store.SetRole(r.Context(), userID, models.RolePremium); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "profile not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	event := models.ThawRequest{UserID: userID, UserRole: models.RolePremium}
	if err := s.publisher.Publish(r.Context(), s.cfg.TopicThaws, event); err != nil {
		http.Error(w, "publish thaw request failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "role": models.RolePremium})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
