package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Runner is what a worker executes for each job.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

type JobPackage struct {
	ctx    context.Context
	req    Request
	Result chan jobResult
}

type jobResult struct {
	Data *Result
	Err  error
}

// Pool bounds how many pipeline runs execute at once.
type Pool struct {
	runner       Runner
	JobQueue     chan JobPackage
	log          *zap.Logger
	restartDelay time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(runner Runner, workersNum int, log *zap.Logger) *Pool {
	if workersNum <= 0 {
		workersNum = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		runner:       runner,
		JobQueue:     make(chan JobPackage, workersNum),
		log:          log,
		restartDelay: time.Second,
	}
	p.StartWorker(workersNum)
	return p
}

func (p *Pool) StartWorker(workerNum int) {
	for i := 0; i < workerNum; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

func (p *Pool) runWorker(workerID int) {
	var current *JobPackage
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic, restarting",
				zap.Int("worker", workerID), zap.Any("panic", r), zap.Duration("delay", p.restartDelay))
			if current != nil {
				current.Result <- jobResult{Err: fmt.Errorf("worker %d panic: %v", workerID, r)}
			}
			//重启这个 Worker
			p.wg.Add(1)
			go func() {
				time.Sleep(p.restartDelay)
				p.runWorker(workerID)
			}()
		}
		p.wg.Done()
	}()
	p.log.Debug("worker created", zap.Int("worker", workerID))
	for job := range p.JobQueue {
		current = &job
		if err := job.ctx.Err(); err != nil {
			job.Result <- jobResult{Err: err}
			current = nil
			continue
		}
		res, err := p.runner.Run(job.ctx, job.req)
		job.Result <- jobResult{Data: res, Err: err}
		current = nil
	}
}

// Submit queues req and waits for its result or for ctx to end.
func (p *Pool) Submit(ctx context.Context, req Request) (*Result, error) {
	// buffered so a worker never blocks on an abandoned job
	result := make(chan jobResult, 1)
	job := JobPackage{ctx: ctx, req: req, Result: result}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	select {
	case p.JobQueue <- job:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case r := <-result:
		return r.Data, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting jobs and waits for the workers to drain the queue.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.JobQueue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
