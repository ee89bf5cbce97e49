package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"annotation-service/internal/keys"
	"annotation-service/internal/models"
)

func completedJob(tenant string) (models.Job, models.Completion) {
	resultKey := keys.Result(tenant, "user1", "job1", "sample.vcf")
	job := models.Job{
		JobID:         "job1",
		UserID:        "user1",
		InputFileName: "sample.vcf",
		Status:        models.StatusCompleted,
		S3KeyResult:   resultKey,
	}
	ev := models.Completion{UserID: "user1", JobID: "job1", InputFile: "sample.vcf"}
	return job, ev
}

func TestArchiverTiersResultToVault(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	job, ev := completedJob(cfg.Tenant)

	st := newFakeStore()
	st.putJob(job)
	st.putProfile(models.Profile{UserID: "user1", Role: models.RoleFree})
	objects := newFakeObjects()
	objects.put(cfg.ResultsBucket, job.S3KeyResult, []byte("annotated"))
	v := newFakeVault()

	a := NewArchiver(cfg, st, objects, v)
	require.NoError(t, a.Handle(ctx, eventMsg(t, ev)))

	require.Equal(t, 1, v.uploads)
	require.True(t, st.job("job1").Archived(), "archive id recorded")
	require.False(t, objects.has(cfg.ResultsBucket, job.S3KeyResult), "object copy deleted")
}

func TestArchiverSkipsPremiumUser(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	job, ev := completedJob(cfg.Tenant)

	st := newFakeStore()
	st.putJob(job)
	st.putProfile(models.Profile{UserID: "user1", Role: models.RolePremium})
	objects := newFakeObjects()
	objects.put(cfg.ResultsBucket, job.S3KeyResult, []byte("annotated"))
	v := newFakeVault()

	// The user upgraded during the grace window; their data stays warm.
	a := NewArchiver(cfg, st, objects, v)
	require.NoError(t, a.Handle(ctx, eventMsg(t, ev)))

	require.Zero(t, v.uploads)
	require.True(t, objects.has(cfg.ResultsBucket, job.S3KeyResult))
	require.False(t, st.job("job1").Archived())
}

func TestArchiverSkipsUnknownProfile(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	_, ev := completedJob(cfg.Tenant)

	a := NewArchiver(cfg, newFakeStore(), newFakeObjects(), newFakeVault())
	require.NoError(t, a.Handle(ctx, eventMsg(t, ev)))
}

func TestArchiverFinishesCleanupOnRetry(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	job, ev := completedJob(cfg.Tenant)
	archiveID := "archive-1"
	job.ArchiveID = &archiveID

	st := newFakeStore()
	st.putJob(job)
	st.putProfile(models.Profile{UserID: "user1", Role: models.RoleFree})
	objects := newFakeObjects()
	objects.put(cfg.ResultsBucket, job.S3KeyResult, []byte("annotated"))
	v := newFakeVault()

	// A previous attempt uploaded and set the marker, then crashed before the
	// delete. The retry must not create a second vault copy.
	a := NewArchiver(cfg, st, objects, v)
	require.NoError(t, a.Handle(ctx, eventMsg(t, ev)))

	require.Zero(t, v.uploads)
	require.False(t, objects.has(cfg.ResultsBucket, job.S3KeyResult))
}

func TestArchiverRemovesOrphanOnRaceLoss(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	job, ev := completedJob(cfg.Tenant)
	// Not COMPLETED, so the conditional marker write reports no match; this
	// stands in for a concurrent worker winning the race.
	job.Status = models.StatusRunning

	st := newFakeStore()
	st.putJob(job)
	st.putProfile(models.Profile{UserID: "user1", Role: models.RoleFree})
	objects := newFakeObjects()
	objects.put(cfg.ResultsBucket, job.S3KeyResult, []byte("annotated"))
	v := newFakeVault()

	a := NewArchiver(cfg, st, objects, v)
	require.NoError(t, a.Handle(ctx, eventMsg(t, ev)))

	require.Equal(t, 1, v.uploads)
	require.Empty(t, v.archives, "orphan vault copy deleted")
}

func TestArchiverRetriesWhenDeleteFails(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	job, ev := completedJob(cfg.Tenant)

	st := newFakeStore()
	st.putJob(job)
	st.putProfile(models.Profile{UserID: "user1", Role: models.RoleFree})
	objects := newFakeObjects()
	objects.put(cfg.ResultsBucket, job.S3KeyResult, []byte("annotated"))
	v := newFakeVault()

	a := NewArchiver(cfg, st, objects, v)

	objects.failDel = errBoom
	require.Error(t, a.Handle(ctx, eventMsg(t, ev)))
	require.True(t, st.job("job1").Archived(), "marker set before delete failed")

	// Redelivery lands in the already-archived branch and finishes the delete
	// without a second vault upload.
	objects.failDel = nil
	require.NoError(t, a.Handle(ctx, eventMsg(t, ev)))
	require.Equal(t, 1, v.uploads)
	require.False(t, objects.has(cfg.ResultsBucket, job.S3KeyResult))
}

func TestArchiverRetriesOnMarkerError(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	job, ev := completedJob(cfg.Tenant)

	st := newFakeStore()
	st.putJob(job)
	st.putProfile(models.Profile{UserID: "user1", Role: models.RoleFree})
	st.failSetArch = errBoom
	objects := newFakeObjects()
	objects.put(cfg.ResultsBucket, job.S3KeyResult, []byte("annotated"))

	a := NewArchiver(cfg, st, objects, newFakeVault())
	require.Error(t, a.Handle(ctx, eventMsg(t, ev)))
	require.True(t, objects.has(cfg.ResultsBucket, job.S3KeyResult), "vault first, delete only after the marker")
}
