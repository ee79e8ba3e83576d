// Package worker drains the background retry queue. Each worker blocks
// on the ready list, re-runs the failed stage through the sequencer,
// and resumes the document walk when the stage finally succeeds. A
// promoter goroutine moves delayed jobs onto the ready list as their
// backoff expires.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"krai.services/engine/common"
	"krai.services/engine/pipeline"
	"krai.services/engine/retry"
)

// RetryQueue is the consuming side of the redis retry queue.
type RetryQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*retry.Job, error)
	Promote(ctx context.Context) (int, error)
	ScheduleRetry(ctx context.Context, job retry.Job) error
}

// Runner is the sequencer surface the workers drive.
type Runner interface {
	RunStage(ctx context.Context, documentID, stage string, retryAttempt int, requestID string) (*pipeline.Result, bool, error)
	Resume(ctx context.Context, documentID string) error
}

// Config sizes the pool.
type Config struct {
	// Workers is the number of concurrent retry consumers.
	Workers int

	// DequeueTimeout bounds each blocking pop.
	DequeueTimeout time.Duration

	// PromoteInterval is the delay-buffer scan cadence.
	PromoteInterval time.Duration
}

// DefaultConfig returns the standard pool sizing.
func DefaultConfig() Config {
	return Config{
		Workers:         2,
		DequeueTimeout:  5 * time.Second,
		PromoteInterval: time.Second,
	}
}

// Pool runs the retry consumers and the promoter.
type Pool struct {
	queue  RetryQueue
	runner Runner
	cfg    Config
	logger *logrus.Entry

	wg sync.WaitGroup
}

// NewPool wires a pool.
func NewPool(queue RetryQueue, runner Runner, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}
	return &Pool{
		queue:  queue,
		runner: runner,
		cfg:    cfg,
		logger: common.ComponentLogger("worker"),
	}
}

// Start launches the workers and the promoter; they run until the
// context ends. Wait blocks until all of them have returned.
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.cfg.Workers).Info("Starting retry worker pool")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.promoteLoop(ctx)
	}()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.workLoop(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker has stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			promoted, err := p.queue.Promote(ctx)
			if err != nil {
				p.logger.WithError(err).Warn("Delay buffer promotion failed")
				continue
			}
			if promoted > 0 {
				p.logger.WithField("promoted", promoted).Debug("Promoted delayed retry jobs")
			}
		}
	}
}

func (p *Pool) workLoop(ctx context.Context, id int) {
	log := p.logger.WithField("worker", id)
	log.Info("Retry worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("Retry worker stopped")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Retry worker stopped")
				return
			}
			log.WithError(err).Warn("Dequeue failed")
			sleepCtx(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}
		p.handle(ctx, log, job)
	}
}

// handle re-runs the stage and, on success, resumes the document walk
// from the next stage. The stage run itself re-applies markers, locks,
// and the retry decision, so a still-failing stage either schedules
// the next attempt or records the terminal failure.
func (p *Pool) handle(ctx context.Context, log *logrus.Entry, job *retry.Job) {
	log = log.WithFields(logrus.Fields{
		"document_id": job.DocumentID,
		"stage":       job.Stage,
		"attempt":     job.Attempt,
	})

	if wait := time.Until(job.NotBefore); wait > 0 {
		// Early delivery; push the job back rather than hold a worker.
		if err := p.queue.ScheduleRetry(ctx, *job); err != nil {
			log.WithError(err).Warn("Failed to requeue early retry job")
		}
		return
	}

	result, wired, err := p.runner.RunStage(ctx, job.DocumentID, job.Stage, job.Attempt, job.RequestID)
	if err != nil {
		log.WithError(err).Warn("Background retry failed to run")
		return
	}
	if !wired {
		log.Warn("Retry job names an unwired stage, dropping")
		return
	}
	if result == nil || !result.Success {
		log.Info("Background retry did not succeed, outcome recorded by the stage run")
		return
	}

	log.Info("Background retry succeeded, resuming document")
	if err := p.runner.Resume(ctx, job.DocumentID); err != nil {
		log.WithError(err).Warn("Failed to resume document after retry")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
