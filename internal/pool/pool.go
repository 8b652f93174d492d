package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Job is one inbound record handed to a worker.
type Job struct {
	ID   string // transport message id, logged with every failure
	Body []byte
}

// JobHandler processes a single Job. Errors are logged and counted; the job
// is never retried in-process. Redelivery by the queue is the only retry path.
type JobHandler func(ctx context.Context, job Job) error

// Config holds worker pool configuration.
type Config struct {
	Workers    int
	QueueDepth int
}

// Pool is a bounded worker pool.
type Pool struct {
	cfg      Config
	jobs     chan Job
	handler  JobHandler
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu     sync.Mutex
	failed int
}

// New creates a Pool with the given config and handler.
func New(cfg Config, handler JobHandler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 16 {
		return nil, fmt.Errorf("POOL_WORKERS must be 1–16, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 64
	}
	return &Pool{
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueDepth),
		handler: handler,
		log:     log,
	}, nil
}

// Start launches the worker goroutines. ctx controls worker lifetime.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Enqueue attempts a non-blocking send. Returns false if the buffer is full.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		p.log.Warn().Str("message_id", job.ID).Msg("job dropped: queue full")
		return false
	}
}

// Stop closes the job channel and waits for all workers to drain.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

// Failed returns the number of jobs whose handler returned an error or that
// were skipped because ctx was cancelled.
func (p *Pool) Failed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// RunBatch processes jobs with a fresh pool and returns once every job has
// been handled or skipped. It returns the number of failed jobs; jobs left
// unprocessed by a cancelled ctx are logged and counted as failed.
func RunBatch(ctx context.Context, cfg Config, jobs []Job, handler JobHandler, log zerolog.Logger) (int, error) {
	if cfg.QueueDepth < len(jobs) {
		cfg.QueueDepth = len(jobs)
	}
	p, err := New(cfg, handler, log)
	if err != nil {
		return 0, err
	}
	p.Start(ctx)
	for _, j := range jobs {
		p.Enqueue(j)
	}
	p.Stop()
	return p.Failed(), nil
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			// Account for whatever is still queued until Stop() closes the channel.
			for job := range p.jobs {
				p.skip(log, job, ctx.Err())
			}
			return
		case job, ok := <-p.jobs:
			if !ok {
				return // channel closed by Stop()
			}
			if err := ctx.Err(); err != nil {
				p.skip(log, job, err)
				continue
			}
			if err := p.handler(ctx, job); err != nil {
				p.fail()
				log.Debug().Err(err).Str("message_id", job.ID).Msg("job failed")
			}
		}
	}
}

func (p *Pool) skip(log zerolog.Logger, job Job, cause error) {
	p.fail()
	log.Warn().Err(cause).Str("message_id", job.ID).Msg("job skipped: context cancelled")
}

func (p *Pool) fail() {
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
}
