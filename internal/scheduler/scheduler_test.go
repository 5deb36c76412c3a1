package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type recorder struct {
	mu   sync.Mutex
	jobs []Job
	hit  chan Job
}

func newRecorder() *recorder {
	return &recorder{hit: make(chan Job, 16)}
}

func (r *recorder) handle(_ context.Context, job Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	r.hit <- job
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func waitJob(t *testing.T, ch <-chan Job, within time.Duration) Job {
	t.Helper()
	select {
	case j := <-ch:
		return j
	case <-time.After(within):
		t.Fatal("job did not fire")
	}
	return Job{}
}

func TestMemory_FiresOnce(t *testing.T) {
	s := NewMemory(zap.NewNop())
	rec := newRecorder()
	s.Handle("purge", rec.handle)

	ctx := context.Background()
	if err := s.Schedule(ctx, Job{Kind: "purge", Key: "m1", RunAt: time.Now().Add(20 * time.Millisecond), Payload: map[string]string{"room": "r1"}}); err != nil {
		t.Fatal(err)
	}

	job := waitJob(t, rec.hit, time.Second)
	if job.Key != "m1" || job.Payload["room"] != "r1" {
		t.Errorf("job = %+v", job)
	}
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("count = %d, want 1", rec.count())
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", s.Pending())
	}
}

func TestMemory_CancelPreventsFire(t *testing.T) {
	s := NewMemory(zap.NewNop())
	rec := newRecorder()
	s.Handle("presence", rec.handle)

	ctx := context.Background()
	s.Schedule(ctx, Job{Kind: "presence", Key: "alice", RunAt: time.Now().Add(30 * time.Millisecond)})

	ok, err := s.Cancel(ctx, "presence", "alice")
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	if ok, _ := s.Cancel(ctx, "presence", "alice"); ok {
		t.Error("second cancel should report nothing removed")
	}
	time.Sleep(60 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("count = %d, want 0", rec.count())
	}
}

func TestMemory_RescheduleReplaces(t *testing.T) {
	s := NewMemory(zap.NewNop())
	rec := newRecorder()
	s.Handle("purge", rec.handle)

	ctx := context.Background()
	s.Schedule(ctx, Job{Kind: "purge", Key: "m1", RunAt: time.Now().Add(10 * time.Millisecond), Payload: map[string]string{"v": "1"}})
	s.Schedule(ctx, Job{Kind: "purge", Key: "m1", RunAt: time.Now().Add(40 * time.Millisecond), Payload: map[string]string{"v": "2"}})

	job := waitJob(t, rec.hit, time.Second)
	if job.Payload["v"] != "2" {
		t.Errorf("payload v = %s, want 2", job.Payload["v"])
	}
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("count = %d, want 1", rec.count())
	}
}

func TestMemory_RetriesFailedJob(t *testing.T) {
	s := NewMemory(zap.NewNop())
	var calls atomic.Int32
	done := make(chan struct{})
	s.Handle("flaky", func(context.Context, Job) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	s.Schedule(context.Background(), Job{Kind: "flaky", Key: "k", RunAt: time.Now()})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job was not retried")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func newRedisScheduler(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })
	return NewRedis(cli, zap.NewNop(), RedisOptions{Prefix: "test", Tick: 10 * time.Millisecond}), mr
}

func TestRedis_RunOnceClaimsDueJobs(t *testing.T) {
	s, _ := newRedisScheduler(t)
	rec := newRecorder()
	s.Handle("purge", rec.handle)
	ctx := context.Background()

	s.Schedule(ctx, Job{Kind: "purge", Key: "due", RunAt: time.Now().Add(-time.Second), Payload: map[string]string{"room": "r1"}})
	s.Schedule(ctx, Job{Kind: "purge", Key: "later", RunAt: time.Now().Add(time.Hour)})

	if err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if rec.count() != 1 {
		t.Fatalf("count = %d, want 1", rec.count())
	}
	job := <-rec.hit
	if job.Key != "due" || job.Payload["room"] != "r1" {
		t.Errorf("job = %+v", job)
	}

	// Replaying the poll must not run the same job again.
	s.RunOnce(ctx)
	if rec.count() != 1 {
		t.Errorf("count after replay = %d, want 1", rec.count())
	}
}

func TestRedis_TwoWorkersRunJobOnce(t *testing.T) {
	a, mr := newRedisScheduler(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cli.Close()
	b := NewRedis(cli, zap.NewNop(), RedisOptions{Prefix: "test"})

	var runs atomic.Int32
	h := func(context.Context, Job) error { runs.Add(1); return nil }
	a.Handle("purge", h)
	b.Handle("purge", h)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		a.Schedule(ctx, Job{Kind: "purge", Key: string(rune('a' + i)), RunAt: time.Now().Add(-time.Millisecond)})
	}

	var wg sync.WaitGroup
	for _, s := range []*Redis{a, b} {
		wg.Add(1)
		go func(s *Redis) {
			defer wg.Done()
			s.RunOnce(ctx)
		}(s)
	}
	wg.Wait()

	if runs.Load() != 20 {
		t.Errorf("runs = %d, want 20", runs.Load())
	}
}

func TestRedis_Cancel(t *testing.T) {
	s, _ := newRedisScheduler(t)
	rec := newRecorder()
	s.Handle("presence", rec.handle)
	ctx := context.Background()

	s.Schedule(ctx, Job{Kind: "presence", Key: "alice", RunAt: time.Now().Add(-time.Second)})
	ok, err := s.Cancel(ctx, "presence", "alice")
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	s.RunOnce(ctx)
	if rec.count() != 0 {
		t.Errorf("count = %d, want 0", rec.count())
	}
}

func TestRedis_RunLoop(t *testing.T) {
	s, _ := newRedisScheduler(t)
	rec := newRecorder()
	s.Handle("purge", rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Schedule(ctx, Job{Kind: "purge", Key: "m1", RunAt: time.Now().Add(30 * time.Millisecond)})
	waitJob(t, rec.hit, time.Second)
}

func TestRedis_AbandonedClaimRunsAfterLease(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cli.Close()
	s := NewRedis(cli, zap.NewNop(), RedisOptions{Prefix: "test", Lease: 50 * time.Millisecond})
	rec := newRecorder()
	s.Handle("purge", rec.handle)
	ctx := context.Background()

	s.Schedule(ctx, Job{Kind: "purge", Key: "m1", RunAt: time.Now().Add(-time.Second), Payload: map[string]string{"room": "r1"}})

	// A worker claims the job and dies before running it.
	if _, _, ok, err := s.claim(ctx, member("purge", "m1"), time.Now().UnixMilli()); err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	s.RunOnce(ctx)
	if rec.count() != 0 {
		t.Fatalf("leased job ran early, count = %d", rec.count())
	}

	time.Sleep(80 * time.Millisecond)
	if err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if rec.count() != 1 {
		t.Fatalf("count = %d, want 1 after the lease ended", rec.count())
	}
	if job := <-rec.hit; job.Payload["room"] != "r1" {
		t.Errorf("payload = %+v", job.Payload)
	}

	s.RunOnce(ctx)
	if rec.count() != 1 {
		t.Errorf("count after ack = %d, want 1", rec.count())
	}
	if n := cli.ZCard(ctx, "test:jobs").Val(); n != 0 {
		t.Errorf("jobs left = %d, want 0", n)
	}
	if n := cli.HLen(ctx, "test:jobs:payload").Val(); n != 0 {
		t.Errorf("payloads left = %d, want 0", n)
	}
}

func TestRedis_FailedJobIsRescheduledNotAcked(t *testing.T) {
	s, _ := newRedisScheduler(t)
	s.Handle("flaky", func(context.Context, Job) error { return errors.New("transient") })
	ctx := context.Background()

	s.Schedule(ctx, Job{Kind: "flaky", Key: "k", RunAt: time.Now().Add(-time.Second)})
	if err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	score, err := s.cli.ZScore(ctx, s.zsetKey(), member("flaky", "k")).Result()
	if err != nil {
		t.Fatalf("retry missing from the queue: %v", err)
	}
	if score <= float64(time.Now().UnixMilli()) {
		t.Errorf("retry score %v is not in the future", score)
	}
}
