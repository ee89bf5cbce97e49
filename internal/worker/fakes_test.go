package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"annotation-service/internal/models"
	"annotation-service/internal/objectstore"
	"annotation-service/internal/store"
	"annotation-service/internal/vault"
)

// fakeStore is an in-memory Metadata implementation with real
// compare-and-swap semantics.
type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	profiles map[string]models.Profile

	failCAS      error
	failSetArch  error
	failClear    error
	failProfiles error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[string]*models.Job),
		profiles: make(map[string]models.Profile),
	}
}

func (f *fakeStore) putJob(job models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := job
	f.jobs[job.JobID] = &j
}

func (f *fakeStore) job(id string) models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return *j, nil
}

func (f *fakeStore) CompareAndSwapStatus(_ context.Context, id string, from, to models.Status) (bool, error) {
	if f.failCAS != nil {
		return false, f.failCAS
	}
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	return true, nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, id, resultKey, logKey string, completeTime int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	j.Status = models.StatusCompleted
	j.S3KeyResult = resultKey
	j.S3KeyLog = logKey
	j.CompleteTime = completeTime
	return nil
}

func (f *fakeStore) SetArchiveID(_ context.Context, id, archiveID string) (bool, error) {
	if f.failSetArch != nil {
		return false, f.failSetArch
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != models.StatusCompleted || j.Archived() {
		return false, nil
	}
	j.ArchiveID = &archiveID
	return true, nil
}

func (f *fakeStore) ClearArchiveID(_ context.Context, id string) error {
	if f.failClear != nil {
		return f.failClear
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.ArchiveID = nil
	}
	return nil
}

func (f *fakeStore) ListArchivedJobs(_ context.Context, userID string) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, j := range f.jobs {
		if j.UserID == userID && j.Archived() {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeStore) GetProfile(_ context.Context, userID string) (models.Profile, error) {
	if f.failProfiles != nil {
		return models.Profile{}, f.failProfiles
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return models.Profile{}, fmt.Errorf("profile %s: %w", userID, store.ErrNotFound)
	}
	return p, nil
}

func (f *fakeStore) putProfile(p models.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.UserID] = p
}

// fakeObjects is an in-memory Objects implementation keyed by bucket/key.
type fakeObjects struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet error
	failPut error
	failDel error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{data: make(map[string][]byte)}
}

func objKey(bucket, key string) string { return bucket + "/" + key }

func (f *fakeObjects) put(bucket, key string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[objKey(bucket, key)] = body
}

func (f *fakeObjects) has(bucket, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[objKey(bucket, key)]
	return ok
}

func (f *fakeObjects) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	if f.failGet != nil {
		return nil, f.failGet
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.data[objKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("missing object %s/%s", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *fakeObjects) DownloadFile(ctx context.Context, bucket, key, path string) error {
	body, err := f.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	defer body.Close()
	return writeLocalFile(path, body)
}

func (f *fakeObjects) Upload(_ context.Context, bucket, key string, body io.Reader) error {
	if f.failPut != nil {
		return f.failPut
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.put(bucket, key, data)
	return nil
}

func (f *fakeObjects) UploadFile(ctx context.Context, bucket, key, path string) error {
	body, err := readLocalFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, objectstore.ErrNotExist)
		}
		return err
	}
	return f.Upload(ctx, bucket, key, bytes.NewReader(body))
}

func (f *fakeObjects) Delete(_ context.Context, bucket, key string) error {
	if f.failDel != nil {
		return f.failDel
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, objKey(bucket, key))
	return nil
}

// fakeVault is an in-memory Vault with controllable capacity and readiness.
type fakeVault struct {
	mu         sync.Mutex
	archives   map[string][]byte
	retrievals map[string]string // retrieval job id -> archive id
	descs      map[string]string // retrieval job id -> description
	tiers      map[string]string // retrieval job id -> tier
	notReady   map[string]bool
	noCapacity map[string]bool // archive ids refused at the expedited tier
	uploads    int
	nextID     int
	failUpload error
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		archives:   make(map[string][]byte),
		retrievals: make(map[string]string),
		descs:      make(map[string]string),
		tiers:      make(map[string]string),
		notReady:   make(map[string]bool),
		noCapacity: make(map[string]bool),
	}
}

func (f *fakeVault) Upload(_ context.Context, body io.Reader) (string, error) {
	if f.failUpload != nil {
		return "", f.failUpload
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	id := fmt.Sprintf("archive-%d", f.uploads)
	f.archives[id] = data
	return id, nil
}

func (f *fakeVault) InitiateRetrieval(_ context.Context, archiveID, tier, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.archives[archiveID]; !ok {
		return "", fmt.Errorf("unknown archive %s", archiveID)
	}
	if tier == vault.TierExpedited && f.noCapacity[archiveID] {
		return "", fmt.Errorf("%s retrieval: %w", tier, vault.ErrInsufficientCapacity)
	}
	f.nextID++
	id := fmt.Sprintf("retrieval-%d", f.nextID)
	f.retrievals[id] = archiveID
	f.descs[id] = description
	f.tiers[id] = tier
	return id, nil
}

func (f *fakeVault) RetrieveOutput(_ context.Context, retrievalJobID string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notReady[retrievalJobID] {
		return nil, fmt.Errorf("job %s: %w", retrievalJobID, vault.ErrNotReady)
	}
	archiveID, ok := f.retrievals[retrievalJobID]
	if !ok {
		return nil, fmt.Errorf("unknown retrieval job %s", retrievalJobID)
	}
	body, ok := f.archives[archiveID]
	if !ok {
		return nil, fmt.Errorf("archive %s gone", archiveID)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *fakeVault) DeleteArchive(_ context.Context, archiveID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.archives, archiveID)
	return nil
}

// fakePublisher records published events.
type published struct {
	topic string
	event any
	delay time.Duration
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
	fail   error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, event any) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{topic: topic, event: event})
	return nil
}

func (f *fakePublisher) PublishAfter(_ context.Context, topic string, event any, delay time.Duration) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{topic: topic, event: event, delay: delay})
	return nil
}

func (f *fakePublisher) byTopic(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.events {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// fakeMailer records sent mail.
type sentMail struct {
	to, subject, body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	fail error
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

// fakeSpawner records spawn attempts.
type fakeSpawner struct {
	mu     sync.Mutex
	spawns []string
	fail   error
}

func (f *fakeSpawner) Spawn(_ context.Context, req models.JobRequest, stagedPath string) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns = append(f.spawns, req.JobID+" "+stagedPath)
	return nil
}

var errBoom = errors.New("boom")

func fakeBody(s string) io.Reader { return bytes.NewReader([]byte(s)) }

func writeLocalFile(path string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, body)
	return err
}

func readLocalFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
