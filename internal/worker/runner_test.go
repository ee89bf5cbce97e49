package worker

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"annotation-service/internal/bus"
	"annotation-service/internal/config"
	"annotation-service/internal/keys"
	"annotation-service/internal/models"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		InputsBucket:  "inputs",
		ResultsBucket: "results",
		KeyPrefix:     "uploads",
		Tenant:        "annotator",
		JobsDir:       t.TempDir(),
		TopicResults:  "job_results",
		TopicArchives: "job_archives",
		ResultsURL:    "http://localhost:8080/annotations/",
	}
}

func eventMsg(t *testing.T, ev any) bus.Message {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return bus.Message{ID: "m1", Body: body}
}

func testRequest(cfg config.Config) models.JobRequest {
	return models.JobRequest{
		JobID:          "job1",
		UserID:         "user1",
		UserRole:       models.RoleFree,
		InputFileName:  "sample.vcf",
		S3KeyInputFile: keys.Input(cfg.KeyPrefix, "user1", "job1", "sample.vcf"),
	}
}

func TestRunnerHandle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	req := testRequest(cfg)

	st := newFakeStore()
	st.putJob(models.Job{JobID: req.JobID, UserID: req.UserID, Status: models.StatusPending})
	objects := newFakeObjects()
	objects.put(cfg.InputsBucket, req.S3KeyInputFile, []byte("##fileformat=VCFv4.1\n"))
	spawner := &fakeSpawner{}

	r := NewRunner(cfg, st, objects, spawner)
	require.NoError(t, r.Handle(ctx, eventMsg(t, req)))

	require.Equal(t, models.StatusRunning, st.job(req.JobID).Status)
	require.Len(t, spawner.spawns, 1)

	staged := keys.StagedInput(cfg.JobsDir, req.UserID, req.JobID, req.InputFileName)
	_, err := os.Stat(staged)
	require.NoError(t, err, "input staged to disk")
}

func TestRunnerDropsDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	req := testRequest(cfg)

	st := newFakeStore()
	st.putJob(models.Job{JobID: req.JobID, UserID: req.UserID, Status: models.StatusRunning})
	objects := newFakeObjects()
	objects.put(cfg.InputsBucket, req.S3KeyInputFile, []byte("data"))
	spawner := &fakeSpawner{}

	r := NewRunner(cfg, st, objects, spawner)
	// nil means ack: the duplicate is consumed, the job stays where it was.
	require.NoError(t, r.Handle(ctx, eventMsg(t, req)))
	require.Equal(t, models.StatusRunning, st.job(req.JobID).Status)
}

func TestRunnerDropsBadMessages(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	spawner := &fakeSpawner{}
	r := NewRunner(cfg, newFakeStore(), newFakeObjects(), spawner)

	require.NoError(t, r.Handle(ctx, bus.Message{ID: "m1", Body: []byte("not json")}))
	require.NoError(t, r.Handle(ctx, eventMsg(t, models.JobRequest{JobID: "j1"})))
	require.Empty(t, spawner.spawns)
}

func TestRunnerRetriesOnStagingFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	req := testRequest(cfg)

	st := newFakeStore()
	st.putJob(models.Job{JobID: req.JobID, Status: models.StatusPending})
	objects := newFakeObjects()
	objects.failGet = errBoom
	spawner := &fakeSpawner{}

	r := NewRunner(cfg, st, objects, spawner)
	require.Error(t, r.Handle(ctx, eventMsg(t, req)))
	require.Empty(t, spawner.spawns)
	require.Equal(t, models.StatusPending, st.job(req.JobID).Status)
}

func TestRunnerRetriesOnSpawnFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	req := testRequest(cfg)

	st := newFakeStore()
	st.putJob(models.Job{JobID: req.JobID, Status: models.StatusPending})
	objects := newFakeObjects()
	objects.put(cfg.InputsBucket, req.S3KeyInputFile, []byte("data"))
	spawner := &fakeSpawner{fail: errBoom}

	r := NewRunner(cfg, st, objects, spawner)
	require.Error(t, r.Handle(ctx, eventMsg(t, req)))
	require.Equal(t, models.StatusPending, st.job(req.JobID).Status, "job untouched for redelivery")
}

func TestRunnerAcksWhenStatusUpdateFails(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	req := testRequest(cfg)

	st := newFakeStore()
	st.putJob(models.Job{JobID: req.JobID, Status: models.StatusPending})
	st.failCAS = errBoom
	objects := newFakeObjects()
	objects.put(cfg.InputsBucket, req.S3KeyInputFile, []byte("data"))
	spawner := &fakeSpawner{}

	// The pipeline is already launched; redelivering would launch it twice.
	r := NewRunner(cfg, st, objects, spawner)
	require.NoError(t, r.Handle(ctx, eventMsg(t, req)))
	require.Len(t, spawner.spawns, 1)
}
