package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loopmail/loopmail/internal/domain"
	"github.com/loopmail/loopmail/pkg/logger"
)

var errUnknownKind = errors.New("no handler registered for job kind")

const (
	// jobTimeout bounds a single handler invocation
	jobTimeout = 5 * time.Minute

	// stuckAfter is how long a job may sit in running before the sweep
	// assumes its worker died and returns it to pending
	stuckAfter = 10 * time.Minute

	stuckSweepInterval = time.Minute
)

// WorkerPool polls the job table and dispatches due jobs to their handlers.
// Delivery is at least once: a job claimed by a crashed worker is requeued by
// the stuck sweep, so every handler must tolerate redelivery.
type WorkerPool struct {
	jobRepo     domain.JobRepository
	handlers    map[string]domain.JobHandler
	clock       domain.Clock
	logger      logger.Logger

	pollInterval time.Duration
	workerCount  int
	batchSize    int
	maxAttempts  int

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	jobs     chan *domain.Job
	wg       sync.WaitGroup
}

// WorkerPoolConfig carries the tunables for a worker pool
type WorkerPoolConfig struct {
	PollInterval time.Duration
	WorkerCount  int
	BatchSize    int
	MaxAttempts  int
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(
	jobRepo domain.JobRepository,
	handlers map[string]domain.JobHandler,
	clock domain.Clock,
	log logger.Logger,
	cfg WorkerPoolConfig,
) *WorkerPool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &WorkerPool{
		jobRepo:      jobRepo,
		handlers:     handlers,
		clock:        clock,
		logger:       log,
		pollInterval: cfg.PollInterval,
		workerCount:  cfg.WorkerCount,
		batchSize:    cfg.BatchSize,
		maxAttempts:  cfg.MaxAttempts,
	}
}

// Start launches the poller, the stuck sweep, and the worker goroutines
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.jobs = make(chan *domain.Job, p.batchSize)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.wg.Add(1)
	go p.poll()

	p.wg.Add(1)
	go p.sweepStuck()

	p.logger.WithFields(map[string]interface{}{
		"workers":       p.workerCount,
		"poll_interval": p.pollInterval.String(),
	}).Info("Job worker pool started")
}

// Stop drains the pool: the poller stops fetching, in-flight jobs finish
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Job worker pool stopped")
}

// poll fetches due jobs each tick and feeds them to the workers. The jobs
// channel is closed here, after the final fetch, so workers drain and exit.
func (p *WorkerPool) poll() {
	defer p.wg.Done()
	defer close(p.jobs)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.fetchBatch()
		case <-p.stopChan:
			return
		}
	}
}

func (p *WorkerPool) fetchBatch() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobs, err := p.jobRepo.FetchDue(ctx, p.clock.Now(), p.batchSize)
	if err != nil {
		p.logger.WithField("error", err.Error()).Error("Failed to fetch due jobs")
		return
	}

	for _, job := range jobs {
		select {
		case p.jobs <- job:
		case <-p.stopChan:
			// Claimed but undispatched jobs are recovered by the stuck sweep
			return
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for job := range p.jobs {
		p.processJob(job)
	}
}

func (p *WorkerPool) processJob(job *domain.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	handler, ok := p.handlers[job.Kind]
	if !ok {
		p.finishFailed(ctx, job, domain.NewPermanentError(
			&domain.ErrJobExecution{JobID: job.ID, Kind: job.Kind, Err: errUnknownKind}))
		return
	}

	err := handler.Handle(ctx, job)
	if err != nil {
		p.finishFailed(ctx, job, err)
		return
	}

	if err := p.jobRepo.MarkCompleted(ctx, job.ID); err != nil {
		p.logger.WithFields(map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		}).Error("Failed to mark job completed")
	}
}

// finishFailed either reschedules the job with backoff or, when the error is
// permanent or the retries are spent, moves it to the dead letter table.
func (p *WorkerPool) finishFailed(ctx context.Context, job *domain.Job, jobErr error) {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.maxAttempts
	}

	fields := map[string]interface{}{
		"job_id":   job.ID,
		"kind":     job.Kind,
		"attempts": job.Attempts,
		"error":    jobErr.Error(),
	}

	if domain.IsPermanent(jobErr) || job.Attempts >= maxAttempts {
		p.logger.WithFields(fields).Error("Job moved to dead letter")
		if err := p.jobRepo.MoveToDeadLetter(ctx, job.ID, jobErr.Error()); err != nil {
			p.logger.WithFields(map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			}).Error("Failed to move job to dead letter")
		}
		return
	}

	nextRun := domain.CalculateNextRetryTime(p.clock.Now(), job.Attempts)
	fields["next_run_at"] = nextRun
	p.logger.WithFields(fields).Warn("Job failed, scheduling retry")

	if err := p.jobRepo.MarkFailed(ctx, job.ID, jobErr.Error(), nextRun); err != nil {
		p.logger.WithFields(map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		}).Error("Failed to reschedule job")
	}
}

// sweepStuck periodically returns long-running jobs to pending
func (p *WorkerPool) sweepStuck() {
	defer p.wg.Done()

	ticker := time.NewTicker(stuckSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			count, err := p.jobRepo.RequeueStuck(ctx, p.clock.Now().Add(-stuckAfter))
			cancel()
			if err != nil {
				p.logger.WithField("error", err.Error()).Error("Failed to requeue stuck jobs")
				continue
			}
			if count > 0 {
				p.logger.WithField("count", count).Warn("Requeued stuck jobs")
			}
		case <-p.stopChan:
			return
		}
	}
}
