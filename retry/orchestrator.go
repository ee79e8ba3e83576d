package retry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"krai.services/engine/common"
)

// Job is one background retry attempt carried on the queue. The worker
// rebuilds the processing context from the document record, so the job
// only carries identity and attempt bookkeeping.
type Job struct {
	DocumentID string    `json:"document_id"`
	Stage      string    `json:"stage"`
	Attempt    int       `json:"attempt"`
	RequestID  string    `json:"request_id"`
	NotBefore  time.Time `json:"not_before"`
}

// Scheduler enqueues background retry jobs.
type Scheduler interface {
	ScheduleRetry(ctx context.Context, job Job) error
}

// Outcome is the follow-up chosen for a failed attempt.
type Outcome int

const (
	// OutcomeFail records the failure; no further attempts.
	OutcomeFail Outcome = iota

	// OutcomeRetrySync reruns in the current request path after the
	// returned delay, keeping the held advisory lock.
	OutcomeRetrySync

	// OutcomeRetryAsync scheduled a background job; the current path
	// releases its lock and reports the stage as still in progress.
	OutcomeRetryAsync
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetrySync:
		return "retry_sync"
	case OutcomeRetryAsync:
		return "retry_async"
	default:
		return "fail"
	}
}

// Orchestrator picks sync-vs-async follow-ups for stage failures.
type Orchestrator struct {
	policyFor func(stageName string) Policy
	scheduler Scheduler
	logger    *logrus.Entry
}

// NewOrchestrator returns an orchestrator resolving policies through
// policyFor. A nil scheduler degrades async attempts to synchronous
// ones, which keeps single-node deployments working without a queue.
func NewOrchestrator(policyFor func(string) Policy, scheduler Scheduler) *Orchestrator {
	return &Orchestrator{
		policyFor: policyFor,
		scheduler: scheduler,
		logger:    common.ComponentLogger("retry"),
	}
}

// Next decides the follow-up for a failure of retry attempt
// retryAttempt (0 for the initial run). For OutcomeRetrySync the caller
// sleeps the returned delay and reruns; for OutcomeRetryAsync a job was
// scheduled with the delay encoded in its NotBefore.
func (o *Orchestrator) Next(ctx context.Context, documentID, stageName, requestID string, retryAttempt int, failure error) (Outcome, time.Duration) {
	class := Classify(failure)
	policy := o.policyFor(stageName)

	log := o.logger.WithFields(logrus.Fields{
		"document_id": documentID,
		"stage":       stageName,
		"attempt":     retryAttempt,
		"class":       string(class),
	})

	if class == ClassPermanent {
		log.WithError(failure).Warn("Permanent failure, not retrying")
		return OutcomeFail, 0
	}
	if policy.Exhausted(retryAttempt) {
		log.WithError(failure).Warn("Retries exhausted")
		return OutcomeFail, 0
	}

	next := retryAttempt + 1
	delay := policy.Backoff(retryAttempt)

	if next == 1 {
		log.WithField("delay", delay.String()).Info("Retrying synchronously")
		return OutcomeRetrySync, delay
	}

	job := Job{
		DocumentID: documentID,
		Stage:      stageName,
		Attempt:    next,
		RequestID:  requestID,
		NotBefore:  time.Now().UTC().Add(delay),
	}
	if o.scheduler == nil {
		log.Warn("No retry scheduler configured, retrying synchronously")
		return OutcomeRetrySync, delay
	}
	if err := o.scheduler.ScheduleRetry(ctx, job); err != nil {
		log.WithError(err).Warn("Failed to schedule background retry, retrying synchronously")
		return OutcomeRetrySync, delay
	}

	log.WithField("not_before", job.NotBefore.Format(time.RFC3339)).Info("Scheduled background retry")
	return OutcomeRetryAsync, delay
}
