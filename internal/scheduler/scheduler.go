// Package scheduler runs delayed jobs keyed by (kind, key).
//
// Scheduling a job with an existing kind and key replaces it, and Cancel
// removes it. Exactly one Run loop executes a due job, even when several
// processes share the Redis-backed implementation. Handlers must be
// idempotent: after a crash a job may be replayed.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gossiphub/internal/metrics"
)

const maxAttempts = 3

type Job struct {
	Kind    string            `json:"kind"`
	Key     string            `json:"key"`
	RunAt   time.Time         `json:"run_at"`
	Payload map[string]string `json:"payload,omitempty"`
	Attempt int               `json:"attempt,omitempty"`
}

type Handler func(ctx context.Context, job Job) error

type Scheduler interface {
	Schedule(ctx context.Context, job Job) error
	Cancel(ctx context.Context, kind, key string) (bool, error)
	Handle(kind string, h Handler)
	Run(ctx context.Context) error
}

func member(kind, key string) string {
	return kind + "|" + key
}

type handlers struct {
	mu  sync.RWMutex
	m   map[string]Handler
	log *zap.Logger
}

func (h *handlers) Handle(kind string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string]Handler)
	}
	h.m[kind] = fn
}

// dispatch runs the handler for job. A failed job is handed to retry with a
// bumped attempt counter until maxAttempts is reached.
func (h *handlers) dispatch(ctx context.Context, job Job, retry func(Job)) {
	h.mu.RLock()
	fn, ok := h.m[job.Kind]
	h.mu.RUnlock()
	if !ok {
		h.log.Warn("no handler for job", zap.String("kind", job.Kind), zap.String("key", job.Key))
		metrics.JobsRun.WithLabelValues(job.Kind, "unhandled").Inc()
		return
	}

	err := fn(ctx, job)
	if err == nil {
		metrics.JobsRun.WithLabelValues(job.Kind, "ok").Inc()
		return
	}
	metrics.JobsRun.WithLabelValues(job.Kind, "error").Inc()
	if job.Attempt+1 >= maxAttempts {
		h.log.Error("job failed, giving up", zap.String("kind", job.Kind), zap.String("key", job.Key), zap.Int("attempt", job.Attempt), zap.Error(err))
		return
	}
	h.log.Warn("job failed, retrying", zap.String("kind", job.Kind), zap.String("key", job.Key), zap.Int("attempt", job.Attempt), zap.Error(err))
	job.Attempt++
	job.RunAt = time.Now().Add(time.Duration(job.Attempt) * time.Second)
	retry(job)
}
