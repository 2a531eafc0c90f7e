package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zumen-connect/drawing-worker/internal/pipeline"
	"github.com/zumen-connect/drawing-worker/internal/store"
	"github.com/zumen-connect/drawing-worker/pkg/metrics"
)

// Config bounds the dispatch loop.
type Config struct {
	PollInterval     time.Duration
	LeaseTTL         time.Duration
	MaxConcurrentJob int
	BatchSize        int
}

// Dispatcher polls the store for dispatchable jobs, claims their leases and
// drives each claimed job through the controller until it is terminal,
// waiting on a retry or conflicted. Multiple worker processes can run the
// same loop against one database; the lease keeps them off each other's jobs.
type Dispatcher struct {
	store    store.Store
	ctrl     *pipeline.Controller
	cfg      Config
	owner    string
	inFlight atomic.Int64
	log      *zap.SugaredLogger
}

func New(s store.Store, ctrl *pipeline.Controller, cfg Config) *Dispatcher {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return &Dispatcher{
		store: s,
		ctrl:  ctrl,
		cfg:   cfg,
		owner: fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		log:   zap.S().Named("dispatcher"),
	}
}

// Owner is the lease owner identity of this dispatcher instance.
func (d *Dispatcher) Owner() string {
	return d.owner
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs to settle.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Infow("dispatcher started",
		"owner", d.owner,
		"poll_interval", d.cfg.PollInterval,
		"lease_ttl", d.cfg.LeaseTTL,
		"max_concurrent_jobs", d.cfg.MaxConcurrentJob)

	ticker := jitterbug.New(d.cfg.PollInterval, &jitterbug.Norm{Stdev: d.cfg.PollInterval / 10})
	defer ticker.Stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.cfg.MaxConcurrentJob)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping, waiting for in-flight jobs")
			err := group.Wait()
			d.log.Info("dispatcher stopped")
			return err
		case <-ticker.C:
			d.tick(groupCtx, group)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context, group *errgroup.Group) {
	jobs, err := d.store.Job().ListPending(ctx, time.Now().UTC(), d.cfg.BatchSize)
	if err != nil {
		d.log.Errorw("listing pending jobs", "error", err)
		return
	}

	for _, job := range jobs {
		id := job.ID
		// TryGo keeps the poll loop responsive when all worker slots are
		// busy; the job stays queued in the store and the next tick gets it.
		started := group.TryGo(func() error {
			d.process(ctx, id)
			return nil
		})
		if !started {
			return
		}
	}

	d.publishQueueDepth(ctx)
}

// process claims the job and advances it until it has nothing more to do
// right now. The lease is extended before every controller step and released
// on the way out so another worker can pick the job up without waiting for
// the TTL.
func (d *Dispatcher) process(ctx context.Context, id uuid.UUID) {
	if err := d.store.Job().Claim(ctx, id, d.owner, d.cfg.LeaseTTL, time.Now().UTC()); err != nil {
		if !errors.Is(err, store.ErrConcurrentUpdate) && !errors.Is(err, store.ErrRecordNotFound) {
			d.log.Errorw("claiming job", "job_id", id, "error", err)
		}
		return
	}
	metrics.UpdateJobsInFlightMetric(int(d.inFlight.Add(1)))
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.store.Job().ReleaseLease(releaseCtx, id, d.owner); err != nil {
			d.log.Warnw("releasing lease", "job_id", id, "error", err)
		}
		metrics.UpdateJobsInFlightMetric(int(d.inFlight.Add(-1)))
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := d.store.Job().ExtendLease(ctx, id, d.owner, d.cfg.LeaseTTL, time.Now().UTC()); err != nil {
			// the lease moved on, whoever holds it now owns the job
			d.log.Warnw("lost job lease", "job_id", id, "error", err)
			return
		}

		outcome, err := d.ctrl.Advance(ctx, id)
		if err != nil {
			d.log.Errorw("advancing job", "job_id", id, "outcome", outcome.String(), "error", err)
		}
		if outcome != pipeline.OutcomeAdvanced {
			return
		}
	}
}

func (d *Dispatcher) publishQueueDepth(ctx context.Context) {
	counts, err := d.store.Job().CountByStatus(ctx)
	if err != nil {
		d.log.Debugw("counting jobs by status", "error", err)
		return
	}
	for status, count := range counts {
		metrics.UpdateJobStatusCountMetric(status, count)
	}
}
