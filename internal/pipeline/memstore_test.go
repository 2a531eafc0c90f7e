package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zumen-connect/drawing-worker/internal/store"
	"github.com/zumen-connect/drawing-worker/internal/store/model"
)

// memStore is an in-memory store with the same compare-and-set semantics as
// the real one, so controller and executor tests exercise the actual
// concurrency contract without a database.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*model.Job
}

var _ store.Store = (*memStore)(nil)
var _ store.Job = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*model.Job)}
}

func (m *memStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return ctx, nil
}
func (m *memStore) Job() store.Job { return m }

func (m *memStore) InitialMigration() error { return nil }

func (m *memStore) Close() error { return nil }

func (m *memStore) Statistics(ctx context.Context) (map[string]int64, error) {
	return m.CountByStatus(ctx)
}

func (m *memStore) Create(_ context.Context, job *model.Job) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return nil, store.ErrDuplicateKey
	}
	cp := cloneJob(job)
	cp.CreatedAt = time.Now().UTC()
	m.jobs[job.ID] = cp
	return cloneJob(cp), nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrRecordNotFound
	}
	cp := cloneJob(job)
	cp.Stages = nil
	return cp, nil
}

func (m *memStore) GetWithStages(_ context.Context, id uuid.UUID) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrRecordNotFound
	}
	cp := cloneJob(job)
	sort.Slice(cp.Stages, func(i, j int) bool { return cp.Stages[i].Seq < cp.Stages[j].Seq })
	return cp, nil
}

func (m *memStore) List(_ context.Context, _ *store.JobQueryFilter) (model.JobList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out model.JobList
	for _, job := range m.jobs {
		out = append(out, *cloneJob(job))
	}
	return out, nil
}

func (m *memStore) ListPending(_ context.Context, now time.Time, limit int) (model.JobList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out model.JobList
	for _, job := range m.jobs {
		if job.Terminal() {
			continue
		}
		if job.LeaseOwner != nil && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) {
			continue
		}
		ready := job.CancelRequested
		for _, st := range job.Stages {
			if st.Status != model.StageStatusPending && st.Status != model.StageStatusRunning {
				continue
			}
			if st.NextRetryAt == nil || !st.NextRetryAt.After(now) {
				ready = true
			}
		}
		if ready {
			out = append(out, *cloneJob(job))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) UpdateStage(_ context.Context, jobID uuid.UUID, name string, expectedStatus string, upd store.StageUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrRecordNotFound
	}
	for i := range job.Stages {
		st := &job.Stages[i]
		if st.Name != name {
			continue
		}
		if st.Status != expectedStatus {
			return store.ErrConcurrentUpdate
		}
		st.Status = upd.Status
		if upd.IncrementAttempts {
			st.Attempts++
		}
		if upd.NextRetryAt != nil {
			st.NextRetryAt = upd.NextRetryAt
		} else if upd.ClearNextRetry {
			st.NextRetryAt = nil
		}
		if upd.Result != nil {
			st.Result = upd.Result
		}
		if upd.ErrorClass != nil {
			st.ErrorClass = upd.ErrorClass
		}
		if upd.ErrorMessage != nil {
			st.ErrorMessage = upd.ErrorMessage
		}
		if upd.StartedAt != nil {
			st.StartedAt = upd.StartedAt
		}
		if upd.FinishedAt != nil {
			st.FinishedAt = upd.FinishedAt
		}
		st.UpdatedAt = time.Now().UTC()
		return nil
	}
	return store.ErrRecordNotFound
}

func (m *memStore) MarkRunning(_ context.Context, id uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrRecordNotFound
	}
	if job.Status == model.JobStatusPending {
		job.Status = model.JobStatusRunning
		job.StartedAt = &now
	}
	return nil
}

func (m *memStore) Claim(_ context.Context, id uuid.UUID, owner string, ttl time.Duration, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrRecordNotFound
	}
	if job.LeaseOwner != nil && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) {
		return store.ErrConcurrentUpdate
	}
	expires := now.Add(ttl)
	job.LeaseOwner = &owner
	job.LeaseExpiresAt = &expires
	return nil
}

func (m *memStore) ExtendLease(_ context.Context, id uuid.UUID, owner string, ttl time.Duration, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.LeaseOwner == nil || *job.LeaseOwner != owner {
		return store.ErrConcurrentUpdate
	}
	expires := now.Add(ttl)
	job.LeaseExpiresAt = &expires
	return nil
}

func (m *memStore) ReleaseLease(_ context.Context, id uuid.UUID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if job.LeaseOwner != nil && *job.LeaseOwner == owner {
		job.LeaseOwner = nil
		job.LeaseExpiresAt = nil
	}
	return nil
}

func (m *memStore) RequestCancel(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrRecordNotFound
	}
	job.CancelRequested = true
	return nil
}

func (m *memStore) Finalize(_ context.Context, id uuid.UUID, status string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrRecordNotFound
	}
	job.Status = status
	job.FinishedAt = &now
	job.LeaseOwner = nil
	job.LeaseExpiresAt = nil
	return nil
}

func (m *memStore) CountByStatus(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func cloneJob(j *model.Job) *model.Job {
	cp := *j
	cp.Stages = make([]model.JobStage, len(j.Stages))
	copy(cp.Stages, j.Stages)
	return &cp
}
