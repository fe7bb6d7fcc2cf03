// Package outbound queues text messages and paces them per tenant before they reach
// the tenant's session.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/session"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/gateway"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/validation"
)

var (
	ErrQueueFull    = errors.New("outbound queue is full")
	ErrEmptyText    = errors.New("message text is required")
	ErrQueueStopped = errors.New("outbound queue is stopped")
)

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobSending JobStatus = "sending"
	JobSent    JobStatus = "sent"
	JobFailed  JobStatus = "failed"
)

type Job struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sender delivers one message through the tenant's session.
type Sender interface {
	Send(ctx context.Context, tenantID, to, text string) (gateway.SendResult, error)
}

type Options struct {
	Workers     int
	QueueSize   int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	PerMinute   int
	Burst       int
	MaxAttempts int
	RetryWait   time.Duration
	JobTTL      time.Duration
}

func OptionsFromEnv() Options {
	return Options{
		Workers:     env.GetEnvIntOrDefault("OUTBOUND_WORKERS", 2, 1),
		QueueSize:   env.GetEnvIntOrDefault("OUTBOUND_QUEUE_SIZE", 500, 1),
		MinDelay:    env.GetEnvDurationOrDefault("OUTBOUND_MIN_DELAY", time.Second),
		MaxDelay:    env.GetEnvDurationOrDefault("OUTBOUND_MAX_DELAY", 3*time.Second),
		PerMinute:   env.GetEnvIntOrDefault("OUTBOUND_RATE_PER_MINUTE", 20, 1),
		Burst:       env.GetEnvIntOrDefault("OUTBOUND_RATE_BURST", 3, 1),
		MaxAttempts: env.GetEnvIntOrDefault("OUTBOUND_MAX_ATTEMPTS", 3, 1),
		RetryWait:   env.GetEnvDurationOrDefault("OUTBOUND_RETRY_WAIT", 5*time.Second),
		JobTTL:      env.GetEnvDurationOrDefault("OUTBOUND_JOB_TTL", time.Hour),
	}
}

// Queue paces sends with a random delay and a per-tenant token bucket. Only transport
// failures are retried; a session that is not connected fails the job at once.
type Queue struct {
	sender Sender
	opts   Options
	jobs   *cache.Cache
	queue  chan string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(sender Sender, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 500
	}
	if opts.PerMinute <= 0 {
		opts.PerMinute = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sender:   sender,
		opts:     opts,
		jobs:     cache.New(opts.JobTTL, opts.JobTTL/2),
		queue:    make(chan string, opts.QueueSize),
		limiters: make(map[string]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue validates the recipient and queues the message without blocking.
func (q *Queue) Enqueue(tenantID, to, text string) (Job, error) {
	if q.ctx.Err() != nil {
		return Job{}, ErrQueueStopped
	}
	phone := validation.NormalizePhone(to)
	if err := validation.ValidatePhone(phone); err != nil {
		return Job{}, fmt.Errorf("%w: %v", session.ErrInvalidRecipient, err)
	}
	if strings.TrimSpace(text) == "" {
		return Job{}, ErrEmptyText
	}

	now := time.Now().UTC()
	job := Job{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		To:        phone,
		Text:      text,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.jobs.Set(job.ID, job, cache.DefaultExpiration)

	select {
	case q.queue <- job.ID:
		return job, nil
	default:
		q.jobs.Delete(job.ID)
		return Job{}, ErrQueueFull
	}
}

// Get returns a job of tenantID while it is retained.
func (q *Queue) Get(tenantID, id string) (Job, bool) {
	v, ok := q.jobs.Get(id)
	if !ok {
		return Job{}, false
	}
	job := v.(Job)
	if job.TenantID != tenantID {
		return Job{}, false
	}
	return job, true
}

func (q *Queue) Pending() int {
	return len(q.queue)
}

func (q *Queue) Shutdown() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) limiter(tenantID string) *rate.Limiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	lim, ok := q.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(q.opts.PerMinute)), q.opts.Burst)
		q.limiters[tenantID] = lim
	}
	return lim
}

func (q *Queue) update(job *Job, fn func(*Job)) {
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	q.jobs.Set(job.ID, *job, cache.DefaultExpiration)
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.queue:
			v, ok := q.jobs.Get(id)
			if !ok {
				continue
			}
			job := v.(Job)
			q.process(&job)
		}
	}
}

func (q *Queue) process(job *Job) {
	entry := log.Component("outbound").WithField("tenant_id", job.TenantID).WithField("job_id", job.ID)

	for job.Attempts < q.opts.MaxAttempts {
		if err := q.limiter(job.TenantID).Wait(q.ctx); err != nil {
			return
		}
		if !sleep(q.ctx, q.delay()) {
			return
		}

		q.update(job, func(j *Job) {
			j.Status = JobSending
			j.Attempts++
		})
		res, err := q.sender.Send(q.ctx, job.TenantID, job.To, job.Text)
		if err == nil {
			q.update(job, func(j *Job) {
				j.Status, j.MessageID, j.Error = JobSent, res.MessageID, ""
			})
			entry.WithField("attempts", job.Attempts).Info("queued message sent")
			return
		}
		if !gateway.IsTransport(err) || job.Attempts >= q.opts.MaxAttempts {
			q.update(job, func(j *Job) {
				j.Status, j.Error = JobFailed, err.Error()
			})
			entry.WithField("attempts", job.Attempts).WithError(err).Warn("queued message failed")
			return
		}
		q.update(job, func(j *Job) {
			j.Status, j.Error = JobQueued, err.Error()
		})
		entry.WithField("attempts", job.Attempts).WithError(err).Warn("queued message will be retried")
		if !sleep(q.ctx, q.opts.RetryWait) {
			return
		}
	}
}

func (q *Queue) delay() time.Duration {
	spread := q.opts.MaxDelay - q.opts.MinDelay
	if spread <= 0 {
		return q.opts.MinDelay
	}
	return q.opts.MinDelay + time.Duration(rand.Int63n(int64(spread)))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
