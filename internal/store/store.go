package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/zumen-connect/drawing-worker/internal/store/model"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Job() Job
	InitialMigration() error
	Statistics(ctx context.Context) (map[string]int64, error)
	Close() error
}

type DataStore struct {
	job Job
	db  *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		job: NewJobStore(db),
		db:  db,
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Job() Job {
	return s.job
}

// InitialMigration creates the schema directly with gorm. Production
// deployments run the goose migrations instead; this path serves tests and
// sqlite setups.
func (s *DataStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Job{}, &model.JobStage{})
}

// Statistics returns the number of jobs per overall status. Feeds the health
// surface and the metrics collector.
func (s *DataStore) Statistics(ctx context.Context) (map[string]int64, error) {
	return s.Job().CountByStatus(ctx)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
