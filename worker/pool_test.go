package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krai.services/engine/pipeline"
	"krai.services/engine/retry"
)

type scriptedQueue struct {
	mu       sync.Mutex
	jobs     []*retry.Job
	requeued []retry.Job
}

func (q *scriptedQueue) Dequeue(ctx context.Context, timeout time.Duration) (*retry.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

func (q *scriptedQueue) Promote(ctx context.Context) (int, error) { return 0, nil }

func (q *scriptedQueue) ScheduleRetry(ctx context.Context, job retry.Job) error {
	q.mu.Lock()
	q.requeued = append(q.requeued, job)
	q.mu.Unlock()
	return nil
}

func (q *scriptedQueue) requeuedJobs() []retry.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]retry.Job(nil), q.requeued...)
}

type scriptedRunner struct {
	mu      sync.Mutex
	results map[string]*pipeline.Result
	wired   bool
	runs    []string
	resumed []string
	err     error
}

func (r *scriptedRunner) RunStage(ctx context.Context, documentID, stage string, retryAttempt int, requestID string) (*pipeline.Result, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, documentID+":"+stage)
	if r.err != nil {
		return nil, true, r.err
	}
	return r.results[stage], r.wired, nil
}

func (r *scriptedRunner) Resume(ctx context.Context, documentID string) error {
	r.mu.Lock()
	r.resumed = append(r.resumed, documentID)
	r.mu.Unlock()
	return nil
}

func (r *scriptedRunner) resumedDocs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.resumed...)
}

func (r *scriptedRunner) ranStages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

// TestPool_SuccessResumesDocument tests the retry-then-resume handoff
func TestPool_SuccessResumesDocument(t *testing.T) {
	queue := &scriptedQueue{jobs: []*retry.Job{{
		DocumentID: "doc-1",
		Stage:      "embedding",
		Attempt:    2,
		NotBefore:  time.Now().Add(-time.Second),
	}}}
	runner := &scriptedRunner{
		wired:   true,
		results: map[string]*pipeline.Result{"embedding": {Success: true, Status: pipeline.StatusSuccess}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(queue, runner, Config{Workers: 1, DequeueTimeout: 20 * time.Millisecond, PromoteInterval: 10 * time.Millisecond})
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		return len(runner.resumedDocs()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	pool.Wait()

	assert.Equal(t, []string{"doc-1:embedding"}, runner.ranStages())
	assert.Equal(t, []string{"doc-1"}, runner.resumedDocs())
}

// TestPool_FailureDoesNotResume tests that a failed retry leaves resumption alone
func TestPool_FailureDoesNotResume(t *testing.T) {
	queue := &scriptedQueue{jobs: []*retry.Job{{
		DocumentID: "doc-1",
		Stage:      "embedding",
		Attempt:    2,
	}}}
	runner := &scriptedRunner{
		wired:   true,
		results: map[string]*pipeline.Result{"embedding": {Success: false, Status: pipeline.StatusFailed}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(queue, runner, Config{Workers: 1, DequeueTimeout: 20 * time.Millisecond})
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		return len(runner.ranStages()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	pool.Wait()

	assert.Empty(t, runner.resumedDocs())
}

// TestPool_EarlyJobRequeued tests NotBefore enforcement
func TestPool_EarlyJobRequeued(t *testing.T) {
	queue := &scriptedQueue{jobs: []*retry.Job{{
		DocumentID: "doc-1",
		Stage:      "storage",
		Attempt:    2,
		NotBefore:  time.Now().Add(time.Hour),
	}}}
	runner := &scriptedRunner{wired: true}

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(queue, runner, Config{Workers: 1, DequeueTimeout: 20 * time.Millisecond})
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		return len(queue.requeuedJobs()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	pool.Wait()

	assert.Empty(t, runner.ranStages(), "early job never runs")
}

// TestPool_RunErrorKeepsWorkerAlive tests resilience to transient run errors
func TestPool_RunErrorKeepsWorkerAlive(t *testing.T) {
	queue := &scriptedQueue{jobs: []*retry.Job{
		{DocumentID: "doc-1", Stage: "embedding", Attempt: 2},
		{DocumentID: "doc-2", Stage: "embedding", Attempt: 2},
	}}
	runner := &scriptedRunner{err: errors.New("store unreachable")}

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(queue, runner, Config{Workers: 1, DequeueTimeout: 20 * time.Millisecond})
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		return len(runner.ranStages()) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	pool.Wait()
}
