package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zumen-connect/drawing-worker/internal/store/model"
)

// StageUpdate describes a single compare-and-set mutation of a stage row.
// The zero value leaves everything but Status untouched.
type StageUpdate struct {
	Status            string
	IncrementAttempts bool
	NextRetryAt       *time.Time
	ClearNextRetry    bool
	Result            []byte
	ErrorClass        *string
	ErrorMessage      *string
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

type Job interface {
	Create(ctx context.Context, job *model.Job) (*model.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)
	GetWithStages(ctx context.Context, id uuid.UUID) (*model.Job, error)
	List(ctx context.Context, filter *JobQueryFilter) (model.JobList, error)
	ListPending(ctx context.Context, now time.Time, limit int) (model.JobList, error)
	UpdateStage(ctx context.Context, jobID uuid.UUID, name string, expectedStatus string, upd StageUpdate) error
	MarkRunning(ctx context.Context, id uuid.UUID, now time.Time) error
	Claim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration, now time.Time) error
	ExtendLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration, now time.Time) error
	ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error
	RequestCancel(ctx context.Context, id uuid.UUID) error
	Finalize(ctx context.Context, id uuid.UUID, status string, now time.Time) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type JobStore struct {
	db *gorm.DB
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

func (s *JobStore) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	result := s.getDB(ctx).Create(job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("creating job: %w", result.Error)
	}
	return job, nil
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	job := model.NewJobFromId(id)
	result := s.getDB(ctx).First(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying job: %w", result.Error)
	}
	return job, nil
}

func (s *JobStore) GetWithStages(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	job := model.NewJobFromId(id)
	result := s.getDB(ctx).Preload("Stages", func(db *gorm.DB) *gorm.DB {
		return db.Order("job_stages.seq")
	}).First(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying job: %w", result.Error)
	}
	return job, nil
}

func (s *JobStore) List(ctx context.Context, filter *JobQueryFilter) (model.JobList, error) {
	var jobs model.JobList
	tx := s.getDB(ctx).Model(&model.Job{})
	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}
	result := tx.Order("created_at").Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("listing jobs: %w", result.Error)
	}
	return jobs, nil
}

// ListPending returns jobs eligible for dispatch: non-terminal, lease free or
// expired, and either cancel-requested or owning at least one stage whose
// retry-ready time has passed. Excess pending jobs stay durably queued here;
// nothing is held in memory only.
func (s *JobStore) ListPending(ctx context.Context, now time.Time, limit int) (model.JobList, error) {
	var jobs model.JobList
	result := s.getDB(ctx).
		Where("status IN ?", []string{model.JobStatusPending, model.JobStatusRunning}).
		Where("lease_owner IS NULL OR lease_expires_at < ?", now).
		Where(`cancel_requested OR EXISTS (
			SELECT 1 FROM job_stages st
			WHERE st.job_id = jobs.id
			  AND st.status IN ?
			  AND (st.next_retry_at IS NULL OR st.next_retry_at <= ?)
		)`, []string{model.StageStatusPending, model.StageStatusRunning}, now).
		Order("created_at").
		Limit(limit).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("listing pending jobs: %w", result.Error)
	}
	return jobs, nil
}

// UpdateStage applies upd to the stage row only if its current status still
// equals expectedStatus. A row changed by a concurrent controller yields
// ErrConcurrentUpdate; the caller re-reads and decides.
func (s *JobStore) UpdateStage(ctx context.Context, jobID uuid.UUID, name string, expectedStatus string, upd StageUpdate) error {
	updates := map[string]any{"status": upd.Status, "updated_at": time.Now().UTC()}
	if upd.IncrementAttempts {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	if upd.NextRetryAt != nil {
		updates["next_retry_at"] = *upd.NextRetryAt
	} else if upd.ClearNextRetry {
		updates["next_retry_at"] = nil
	}
	if upd.Result != nil {
		updates["result"] = upd.Result
	}
	if upd.ErrorClass != nil {
		updates["error_class"] = *upd.ErrorClass
	}
	if upd.ErrorMessage != nil {
		updates["error_message"] = *upd.ErrorMessage
	}
	if upd.StartedAt != nil {
		updates["started_at"] = *upd.StartedAt
	}
	if upd.FinishedAt != nil {
		updates["finished_at"] = *upd.FinishedAt
	}

	result := s.getDB(ctx).Model(&model.JobStage{}).
		Where("job_id = ? AND name = ? AND status = ?", jobID, name, expectedStatus).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("updating stage %s/%s: %w", jobID, name, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.getDB(ctx).Model(&model.JobStage{}).
			Where("job_id = ? AND name = ?", jobID, name).
			Count(&count).Error; err != nil {
			return fmt.Errorf("checking stage %s/%s: %w", jobID, name, err)
		}
		if count == 0 {
			return ErrRecordNotFound
		}
		return ErrConcurrentUpdate
	}
	return nil
}

// MarkRunning flips a pending job to running and stamps started_at. A no-op
// for jobs already running.
func (s *JobStore) MarkRunning(ctx context.Context, id uuid.UUID, now time.Time) error {
	result := s.getDB(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, model.JobStatusPending).
		Updates(map[string]any{"status": model.JobStatusRunning, "started_at": now})
	if result.Error != nil {
		return fmt.Errorf("marking job running: %w", result.Error)
	}
	return nil
}

// Claim takes the job lease. Succeeds only when the lease is free or expired,
// so at most one dispatcher owns a job at any time.
func (s *JobStore) Claim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration, now time.Time) error {
	result := s.getDB(ctx).Model(&model.Job{}).
		Where("id = ? AND (lease_owner IS NULL OR lease_expires_at < ?)", id, now).
		Updates(map[string]any{"lease_owner": owner, "lease_expires_at": now.Add(ttl)})
	if result.Error != nil {
		return fmt.Errorf("claiming job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.getDB(ctx).Model(&model.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("checking job: %w", err)
		}
		if count == 0 {
			return ErrRecordNotFound
		}
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *JobStore) ExtendLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration, now time.Time) error {
	result := s.getDB(ctx).Model(&model.Job{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Update("lease_expires_at", now.Add(ttl))
	if result.Error != nil {
		return fmt.Errorf("extending lease: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *JobStore) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	result := s.getDB(ctx).Model(&model.Job{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]any{"lease_owner": nil, "lease_expires_at": nil})
	if result.Error != nil {
		return fmt.Errorf("releasing lease: %w", result.Error)
	}
	return nil
}

// RequestCancel records the cancel intent. Idempotent; the controller acts on
// it before starting the next stage.
func (s *JobStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	result := s.getDB(ctx).Model(&model.Job{}).
		Where("id = ?", id).
		Update("cancel_requested", true)
	if result.Error != nil {
		return fmt.Errorf("requesting cancel: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.getDB(ctx).Model(&model.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("checking job: %w", err)
		}
		if count == 0 {
			return ErrRecordNotFound
		}
	}
	return nil
}

// Finalize stamps the terminal status and clears the lease in one write.
func (s *JobStore) Finalize(ctx context.Context, id uuid.UUID, status string, now time.Time) error {
	result := s.getDB(ctx).Model(&model.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           status,
			"finished_at":      now,
			"lease_owner":      nil,
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("finalizing job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *JobStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	result := s.getDB(ctx).Model(&model.Job{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("counting jobs: %w", result.Error)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

func (s *JobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}

type JobQueryFilter struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

func NewJobQueryFilter() *JobQueryFilter {
	return &JobQueryFilter{}
}

func (f *JobQueryFilter) ByStatus(status string) *JobQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return f
}

func (f *JobQueryFilter) ByOrgID(orgID string) *JobQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("org_id = ?", orgID)
	})
	return f
}
