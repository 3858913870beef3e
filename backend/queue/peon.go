package queue

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/logger"
)

// PoolConfig configures the peon pool
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	OutputPath   string
	StopTimeout  time.Duration // bound on finishing in-flight items after shutdown
}

// PoolConfigFrom derives pool settings from the queue section
func PoolConfigFrom(cfg am.QueueConfig) PoolConfig {
	pc := PoolConfig{
		Workers:      cfg.Workers,
		PollInterval: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		OutputPath:   cfg.OutputPath,
		StopTimeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	if pc.Workers < 1 {
		pc.Workers = 1
	}
	if pc.PollInterval <= 0 {
		pc.PollInterval = am.DefaultPollIntervalMS * time.Millisecond
	}
	return pc
}

// Pool runs queued shell commands on local peons and reports job
// outcomes straight into the job store
type Pool struct {
	queue  *Queue
	store  *jobstore.Store
	cfg    PoolConfig
	logger *zap.SugaredLogger

	pollInterval atomic.Int64 // nanoseconds, adjustable while running
	active       atomic.Int32
	processed    atomic.Int64
	mu           sync.Mutex
}

// NewPool creates a peon pool
func NewPool(q *Queue, store *jobstore.Store, cfg PoolConfig, log *zap.SugaredLogger) *Pool {
	if log == nil {
		log = logger.Logger
	}
	p := &Pool{
		queue:  q,
		store:  store,
		cfg:    cfg,
		logger: log.Named("peon"),
	}
	p.pollInterval.Store(int64(cfg.PollInterval))
	return p
}

// SetPollInterval changes how often idle peons look for work
func (p *Pool) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.pollInterval.Store(int64(d))
		p.logger.Infow("Poll interval changed", "interval", d)
	}
}

// Processed returns the number of items finished since start
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Run blocks until ctx is done. Items already popped run to completion;
// if they outlive StopTimeout, Run returns ErrTimeout.
func (p *Pool) Run(ctx context.Context) error {
	if n, err := p.queue.RequeueRunning(ctx); err != nil {
		return err
	} else if n > 0 {
		p.logger.Warnw("Requeued items left running by a previous worker", logger.FieldCount, n)
	}

	if total, available, err := memoryStats(); err == nil {
		p.logger.Infow("Starting peons",
			"workers", p.cfg.Workers,
			"memory_total_gb", float64(total)/1024/1024/1024,
			"memory_available_gb", float64(available)/1024/1024/1024)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error { return p.peon(gctx, id) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	if p.cfg.StopTimeout <= 0 {
		return <-done
	}
	select {
	case err := <-done:
		p.logger.Infow("Peons stopped", "processed", p.processed.Load())
		return err
	case <-time.After(p.cfg.StopTimeout):
		return errors.Wrapf(errors.ErrTimeout, "%d peons still busy after %s", p.active.Load(), p.cfg.StopTimeout)
	}
}

func (p *Pool) peon(ctx context.Context, id int) error {
	log := p.logger.With("peon", id)
	for {
		if ctx.Err() != nil {
			return nil
		}

		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorw("Failed to pop work item", logger.FieldError, err)
			item = nil
		}

		if item == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(p.pollInterval.Load())):
			}
			continue
		}

		p.active.Add(1)
		// the popped item finishes even when shutdown starts
		if err := p.Process(context.WithoutCancel(ctx), item); err != nil {
			log.Errorw("Failed to process work item",
				"item", item.ID,
				logger.FieldJobID, item.Envelope.JobID,
				logger.FieldError, err)
		}
		p.active.Add(-1)
		p.processed.Add(1)
	}
}

// Process executes one popped item and records its outcome
func (p *Pool) Process(ctx context.Context, item *WorkItem) error {
	start := time.Now()
	stdout, stderr, runErr := run(ctx, item.Envelope.Shell)

	log := p.logger.With(logger.FieldCommand, item.Envelope.Shell, logger.FieldDurationMS, time.Since(start).Milliseconds())

	if item.Envelope.JobID == 0 {
		// git and friends report progress on stderr, so only the exit code counts here
		var failure string
		if runErr != nil {
			failure = failureText(runErr, stderr)
			log.Warnw("Intermediate step failed", logger.FieldError, failure)
		} else {
			log.Debugw("Intermediate step finished",
				"output", strings.TrimSpace(string(stdout)),
				"stderr", strings.TrimSpace(string(stderr)))
		}
		return p.queue.Complete(ctx, item.ID, failure)
	}

	job := &jobstore.Job{ID: item.Envelope.JobID, PluginExecutionID: item.Envelope.PluginExecutionID}
	if err := p.writeLogs(job, stdout, stderr); err != nil {
		log.Warnw("Failed to write job logs", logger.FieldJobID, job.ID, logger.FieldError, err)
	}

	status := jobstore.StatusDone
	failure := failureText(runErr, stderr)
	if failure != "" {
		status = jobstore.StatusExit
	}

	if err := p.store.UpdateJobStatus(ctx, job.ID, status); err != nil {
		return errors.Wrapf(err, "failed to record status of job %d", job.ID)
	}
	if err := p.queue.Complete(ctx, item.ID, failure); err != nil {
		return err
	}

	log.Infow("Job finished", logger.FieldJobID, job.ID, logger.FieldStatus, status)

	if status == jobstore.StatusDone {
		released, err := p.queue.ReleaseDependents(ctx, job.ID)
		if err != nil {
			return err
		}
		if len(released) > 0 {
			log.Infow("Released dependent jobs", logger.FieldJobID, job.ID, "released", released)
		}
		return nil
	}

	failed, err := p.queue.FailDependents(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}
	statuses := make(map[int64]jobstore.Status, len(failed))
	for _, id := range failed {
		statuses[id] = jobstore.StatusExit
	}
	log.Warnw("Failed dependent jobs", logger.FieldJobID, job.ID, "failed", failed)
	return p.store.UpdateJobStatuses(ctx, statuses)
}

func (p *Pool) writeLogs(job *jobstore.Job, stdout, stderr []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	outPath := backend.LogFile(p.cfg.OutputPath, job, backend.LogOut)
	if err := os.MkdirAll(filepath.Dir(outPath), am.DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create output dir")
	}
	if err := os.WriteFile(outPath, stdout, am.DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write out log")
	}
	errPath := backend.LogFile(p.cfg.OutputPath, job, backend.LogErr)
	if err := os.WriteFile(errPath, stderr, am.DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write err log")
	}
	return nil
}

// run splits shell with shell quoting rules and executes it without a shell
func run(ctx context.Context, shell string) (stdout, stderr []byte, err error) {
	argv, err := shellquote.Split(shell)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to split command %q", shell)
	}
	if len(argv) == 0 {
		return nil, nil, errors.NewInvalidRequestError("empty command")
	}

	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// failureText is empty only for a zero exit with nothing on stderr
func failureText(runErr error, stderr []byte) string {
	msg := strings.TrimSpace(string(stderr))
	if runErr != nil {
		if msg != "" {
			return runErr.Error() + ": " + msg
		}
		return runErr.Error()
	}
	return msg
}
