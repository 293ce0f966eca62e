// Package worker runs the orchestrator's periodic background jobs.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type JobStatus string

const (
	JobStatusIdle    JobStatus = "idle"
	JobStatusRunning JobStatus = "running"
	JobStatusFailed  JobStatus = "failed"
)

type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type scheduled struct {
	job      Job
	interval time.Duration
}

// Scheduler runs each job on its own ticker until the context passed to Start
// is cancelled or Stop is called.
type Scheduler struct {
	logger *zap.Logger
	jobs   []scheduled

	mu     sync.Mutex
	status map[string]JobStatus
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With(zap.String("component", "worker")),
		status: make(map[string]JobStatus),
	}
}

// Every registers job. Jobs with a non-positive interval are ignored.
func (s *Scheduler) Every(interval time.Duration, job Job) {
	if interval <= 0 {
		return
	}
	s.jobs = append(s.jobs, scheduled{job: job, interval: interval})
	s.setStatus(job.Name(), JobStatusIdle)
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for _, sj := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, sj)
	}
	s.logger.Info("background jobs started", zap.Int("jobs", len(s.jobs)))
}

func (s *Scheduler) loop(ctx context.Context, sj scheduled) {
	defer s.wg.Done()
	ticker := time.NewTicker(sj.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, sj.job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	s.setStatus(job.Name(), JobStatusRunning)
	if err := job.Run(ctx); err != nil {
		s.setStatus(job.Name(), JobStatusFailed)
		s.logger.Error("background job failed", zap.String("job", job.Name()), zap.Error(err))
		return
	}
	s.setStatus(job.Name(), JobStatusIdle)
}

// Stop cancels every loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) setStatus(name string, st JobStatus) {
	s.mu.Lock()
	s.status[name] = st
	s.mu.Unlock()
}

func (s *Scheduler) Status() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStatus, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}
