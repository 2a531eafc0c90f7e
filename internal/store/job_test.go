package store_test

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/zumen-connect/drawing-worker/internal/config"
	"github.com/zumen-connect/drawing-worker/internal/store"
	"github.com/zumen-connect/drawing-worker/internal/store/model"
)

const (
	insertJobStm          = "INSERT INTO jobs (id, drawing_ref, org_id, status, cancel_requested, created_at, updated_at) VALUES ('%s', '%s', '%s', '%s', FALSE, '%s', '%s');"
	insertCancelledJobStm = "INSERT INTO jobs (id, drawing_ref, org_id, status, cancel_requested, created_at, updated_at) VALUES ('%s', '%s', '%s', '%s', TRUE, '%s', '%s');"
	insertLeasedJobStm    = "INSERT INTO jobs (id, drawing_ref, org_id, status, cancel_requested, lease_owner, lease_expires_at, created_at, updated_at) VALUES ('%s', '%s', '%s', '%s', FALSE, '%s', '%s', '%s', '%s');"
	insertStageStm        = "INSERT INTO job_stages (job_id, name, seq, status, attempts, updated_at) VALUES ('%s', '%s', %d, '%s', %d, '%s');"
	insertRetryStageStm   = "INSERT INTO job_stages (job_id, name, seq, status, attempts, next_retry_at, updated_at) VALUES ('%s', '%s', %d, '%s', %d, '%s', '%s');"
)

func sqlTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

var _ = Describe("job store", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
		now    time.Time
	)

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db

		Expect(s.InitialMigration()).To(BeNil())
	})

	BeforeEach(func() {
		now = time.Now().UTC()
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM job_stages;")
		gormdb.Exec("DELETE FROM jobs;")
	})

	AfterAll(func() {
		s.Close()
	})

	Context("create and get", func() {
		It("creates a job with its stage rows", func() {
			job := &model.Job{
				ID:         uuid.New(),
				DrawingRef: "drawings/acme/in.pdf",
				OrgID:      "acme",
				Status:     model.JobStatusPending,
				Stages: []model.JobStage{
					{Name: "decompose", Seq: 0, Status: model.StageStatusPending},
					{Name: "ocr", Seq: 1, Status: model.StageStatusPending},
				},
			}

			created, err := s.Job().Create(context.TODO(), job)
			Expect(err).To(BeNil())
			Expect(created).ToNot(BeNil())

			count := 0
			Expect(gormdb.Raw("SELECT COUNT(*) FROM job_stages;").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(2))
		})

		It("returns stages ordered by seq", func() {
			jobID := uuid.New()
			Expect(gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "ref", "acme", model.JobStatusPending, sqlTime(now), sqlTime(now))).Error).To(BeNil())
			Expect(gormdb.Exec(fmt.Sprintf(insertStageStm, jobID, "ocr", 1, model.StageStatusPending, 0, sqlTime(now))).Error).To(BeNil())
			Expect(gormdb.Exec(fmt.Sprintf(insertStageStm, jobID, "decompose", 0, model.StageStatusPending, 0, sqlTime(now))).Error).To(BeNil())

			job, err := s.Job().GetWithStages(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.Stages).To(HaveLen(2))
			Expect(job.Stages[0].Name).To(Equal("decompose"))
			Expect(job.Stages[1].Name).To(Equal("ocr"))
		})

		It("returns ErrRecordNotFound for a missing job", func() {
			_, err := s.Job().Get(context.TODO(), uuid.New())
			Expect(err).To(MatchError(store.ErrRecordNotFound))
		})
	})

	Context("stage updates", func() {
		var jobID uuid.UUID

		BeforeEach(func() {
			jobID = uuid.New()
			Expect(gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "ref", "acme", model.JobStatusPending, sqlTime(now), sqlTime(now))).Error).To(BeNil())
			Expect(gormdb.Exec(fmt.Sprintf(insertStageStm, jobID, "decompose", 0, model.StageStatusPending, 0, sqlTime(now))).Error).To(BeNil())
		})

		It("applies the update when the expected status matches", func() {
			err := s.Job().UpdateStage(context.TODO(), jobID, "decompose", model.StageStatusPending, store.StageUpdate{
				Status:            model.StageStatusRunning,
				IncrementAttempts: true,
			})
			Expect(err).To(BeNil())

			job, err := s.Job().GetWithStages(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.Stages[0].Status).To(Equal(model.StageStatusRunning))
			Expect(job.Stages[0].Attempts).To(Equal(1))
		})

		It("rejects the update when the status changed underneath", func() {
			err := s.Job().UpdateStage(context.TODO(), jobID, "decompose", model.StageStatusRunning, store.StageUpdate{
				Status: model.StageStatusSucceeded,
			})
			Expect(err).To(MatchError(store.ErrConcurrentUpdate))
		})

		It("returns ErrRecordNotFound for a missing stage", func() {
			err := s.Job().UpdateStage(context.TODO(), jobID, "nope", model.StageStatusPending, store.StageUpdate{
				Status: model.StageStatusRunning,
			})
			Expect(err).To(MatchError(store.ErrRecordNotFound))
		})

		It("stores result and clears the retry time", func() {
			retryAt := now.Add(time.Minute)
			Expect(s.Job().UpdateStage(context.TODO(), jobID, "decompose", model.StageStatusPending, store.StageUpdate{
				Status:      model.StageStatusPending,
				NextRetryAt: &retryAt,
			})).To(BeNil())

			finished := now
			Expect(s.Job().UpdateStage(context.TODO(), jobID, "decompose", model.StageStatusPending, store.StageUpdate{
				Status:         model.StageStatusSucceeded,
				Result:         []byte(`{"kind":"pages"}`),
				ClearNextRetry: true,
				FinishedAt:     &finished,
			})).To(BeNil())

			job, err := s.Job().GetWithStages(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.Stages[0].Status).To(Equal(model.StageStatusSucceeded))
			Expect(job.Stages[0].NextRetryAt).To(BeNil())
			Expect(job.Stages[0].Result).To(MatchJSON(`{"kind":"pages"}`))
		})
	})

	Context("lease", func() {
		var jobID uuid.UUID

		BeforeEach(func() {
			jobID = uuid.New()
			Expect(gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "ref", "acme", model.JobStatusPending, sqlTime(now), sqlTime(now))).Error).To(BeNil())
		})

		It("claims a free job", func() {
			Expect(s.Job().Claim(context.TODO(), jobID, "worker-a", time.Minute, now)).To(BeNil())

			job, err := s.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(*job.LeaseOwner).To(Equal("worker-a"))
		})

		It("rejects a claim while the lease is held", func() {
			Expect(s.Job().Claim(context.TODO(), jobID, "worker-a", time.Minute, now)).To(BeNil())
			err := s.Job().Claim(context.TODO(), jobID, "worker-b", time.Minute, now)
			Expect(err).To(MatchError(store.ErrConcurrentUpdate))
		})

		It("allows a claim after the lease expired", func() {
			Expect(s.Job().Claim(context.TODO(), jobID, "worker-a", time.Minute, now.Add(-2*time.Minute))).To(BeNil())
			Expect(s.Job().Claim(context.TODO(), jobID, "worker-b", time.Minute, now)).To(BeNil())

			job, err := s.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(*job.LeaseOwner).To(Equal("worker-b"))
		})

		It("only the owner can extend", func() {
			Expect(s.Job().Claim(context.TODO(), jobID, "worker-a", time.Minute, now)).To(BeNil())
			Expect(s.Job().ExtendLease(context.TODO(), jobID, "worker-a", time.Minute, now)).To(BeNil())
			Expect(s.Job().ExtendLease(context.TODO(), jobID, "worker-b", time.Minute, now)).To(MatchError(store.ErrConcurrentUpdate))
		})

		It("release clears the lease only for the owner", func() {
			Expect(s.Job().Claim(context.TODO(), jobID, "worker-a", time.Minute, now)).To(BeNil())
			Expect(s.Job().ReleaseLease(context.TODO(), jobID, "worker-b")).To(BeNil())

			job, err := s.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.LeaseOwner).ToNot(BeNil())

			Expect(s.Job().ReleaseLease(context.TODO(), jobID, "worker-a")).To(BeNil())
			job, err = s.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.LeaseOwner).To(BeNil())
		})
	})

	Context("list pending", func() {
		It("returns jobs with a ready stage", func() {
			jobID := uuid.New()
			Expect(gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "ref", "acme", model.JobStatusPending, sqlTime(now), sqlTime(now))).Error).To(BeNil())
			Expect(gormdb.Exec(fmt.Sprintf(insertStageStm, jobID, "decompose", 0, model.StageStatusPending, 0, sqlTime(now))).Error).To(BeNil())

			jobs, err := s.Job().ListPending(context.TODO(), now, 10)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
		})

		It("skips jobs whose only stage waits on a future retry", func() {
			jobID := uuid.New()
			Expect(gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "ref", "acme", model.JobStatusRunning, sqlTime(now), sqlTime(now))).Error).To(BeNil())
			Expect(gormdb.Exec(fmt.Sprintf(insertRetryStageStm, jobID, "ocr", 1, model.StageStatusPending, 1, sqlTime(now.Add(10*time.Minute)), sqlTime(now))).Error).To(BeNil())

			jobs, err := s.Job().ListPending(context.TODO(), now, 10)
			Expect(err).To(BeNil())
			Expect(jobs).To(BeEmpty())
		})

		It("skips jobs under an active lease", func() {
			jobID := uuid.New()
			Expect(gormdb.Exec(fmt.Sprintf(insertLeasedJobStm, jobID, "ref", "acme", model.JobStatusRunning, "worker-a", sqlTime(now.Add(time.Minute)), sqlTime(now), sqlTime(now))).Error).To(BeNil())
			Expect(gormdb.Exec(fmt.Sprintf(insertStageStm, jobID, "decompose", 0, model.StageStatusPending, 0, sqlTime(now))).Error).To(BeNil())

			jobs, err := s.Job().ListPending(context.TODO(), now, 10)
			Expect(err).To(BeNil())
			Expect(jobs).To(BeEmpty())
		})

		It("returns jobs under an expired lease", func() {
			jobID := uuid.New()
			Expect(gormdb.Exec(fmt.Sprintf(insertLeasedJobStm, jobID, "ref", "acme", model.JobStatusRunning, "worker-a", sqlTime(now.Add(-time.Minute)), sqlTime(now), sqlTime(now))).Error).To(BeNil())
			Expect(gormdb.Exec(fmt.Sprintf(insertStageStm, jobID, "decompose", 0, model.StageStatusRunning, 1, sqlTime(now))).Error).To(BeNil())

			jobs, err := s.Job().ListPending(context.TODO(), now, 10)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
		})

		It("returns cancel-requested jobs even without a ready stage", func() {
			jobID := uuid.New()
			Expect(gormdb.Exec(fmt.Sprintf(insertCancelledJobStm, jobID, "ref", "acme", model.JobStatusRunning, sqlTime(now), sqlTime(now))).Error).To(BeNil())
			Expect(gormdb.Exec(fmt.Sprintf(insertRetryStageStm, jobID, "ocr", 1, model.StageStatusPending, 2, sqlTime(now.Add(time.Hour)), sqlTime(now))).Error).To(BeNil())

			jobs, err := s.Job().ListPending(context.TODO(), now, 10)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
		})

		It("never returns terminal jobs", func() {
			jobID := uuid.New()
			Expect(gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "ref", "acme", model.JobStatusFailed, sqlTime(now), sqlTime(now))).Error).To(BeNil())
			Expect(gormdb.Exec(fmt.Sprintf(insertStageStm, jobID, "decompose", 0, model.StageStatusFailed, 3, sqlTime(now))).Error).To(BeNil())

			jobs, err := s.Job().ListPending(context.TODO(), now, 10)
			Expect(err).To(BeNil())
			Expect(jobs).To(BeEmpty())
		})
	})

	Context("finalize and cancel", func() {
		var jobID uuid.UUID

		BeforeEach(func() {
			jobID = uuid.New()
			Expect(gormdb.Exec(fmt.Sprintf(insertJobStm, jobID, "ref", "acme", model.JobStatusRunning, sqlTime(now), sqlTime(now))).Error).To(BeNil())
		})

		It("stamps the terminal status and clears the lease", func() {
			Expect(s.Job().Claim(context.TODO(), jobID, "worker-a", time.Minute, now)).To(BeNil())
			Expect(s.Job().Finalize(context.TODO(), jobID, model.JobStatusSucceeded, now)).To(BeNil())

			job, err := s.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusSucceeded))
			Expect(job.LeaseOwner).To(BeNil())
			Expect(job.FinishedAt).ToNot(BeNil())
		})

		It("records the cancel intent idempotently", func() {
			Expect(s.Job().RequestCancel(context.TODO(), jobID)).To(BeNil())
			Expect(s.Job().RequestCancel(context.TODO(), jobID)).To(BeNil())

			job, err := s.Job().Get(context.TODO(), jobID)
			Expect(err).To(BeNil())
			Expect(job.CancelRequested).To(BeTrue())
		})

		It("returns ErrRecordNotFound when cancelling a missing job", func() {
			Expect(s.Job().RequestCancel(context.TODO(), uuid.New())).To(MatchError(store.ErrRecordNotFound))
		})
	})

	Context("statistics", func() {
		It("counts jobs per status", func() {
			Expect(gormdb.Exec(fmt.Sprintf(insertJobStm, uuid.New(), "r1", "acme", model.JobStatusPending, sqlTime(now), sqlTime(now))).Error).To(BeNil())
			Expect(gormdb.Exec(fmt.Sprintf(insertJobStm, uuid.New(), "r2", "acme", model.JobStatusPending, sqlTime(now), sqlTime(now))).Error).To(BeNil())
			Expect(gormdb.Exec(fmt.Sprintf(insertJobStm, uuid.New(), "r3", "acme", model.JobStatusFailed, sqlTime(now), sqlTime(now))).Error).To(BeNil())

			counts, err := s.Job().CountByStatus(context.TODO())
			Expect(err).To(BeNil())
			Expect(counts[model.JobStatusPending]).To(Equal(int64(2)))
			Expect(counts[model.JobStatusFailed]).To(Equal(int64(1)))
		})
	})

	Context("list with filters", func() {
		It("filters by org and status", func() {
			Expect(gormdb.Exec(fmt.Sprintf(insertJobStm, uuid.New(), "r1", "acme", model.JobStatusPending, sqlTime(now), sqlTime(now))).Error).To(BeNil())
			Expect(gormdb.Exec(fmt.Sprintf(insertJobStm, uuid.New(), "r2", "other", model.JobStatusPending, sqlTime(now), sqlTime(now))).Error).To(BeNil())
			Expect(gormdb.Exec(fmt.Sprintf(insertJobStm, uuid.New(), "r3", "acme", model.JobStatusFailed, sqlTime(now), sqlTime(now))).Error).To(BeNil())

			jobs, err := s.Job().List(context.TODO(), store.NewJobQueryFilter().ByOrgID("acme"))
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(2))

			jobs, err = s.Job().List(context.TODO(), store.NewJobQueryFilter().ByOrgID("acme").ByStatus(model.JobStatusFailed))
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].DrawingRef).To(Equal("r3"))
		})
	})
})
