/*
 * MIT License
 *
 * Copyright (c) 2026 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package workerpool runs the blocking subtasks remusockd's reactor must
// never perform on its own goroutine: reverse-DNS lookups today, anything
// else that blocks on a syscall tomorrow. A fixed bank of goroutines pulls
// from a bounded FIFO; each job gets its own cancelable context instead of
// the original daemon's SIGUSR1 interrupt, and completion is always handed
// back to the caller-supplied poster (the reactor's Post) rather than
// invoked on the worker goroutine, so application state is only ever
// touched from the dispatcher.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	liblog "github.com/nabbar/golib/logger"

	"github.com/Zirias/remusockd/internal/xerr"
)

// Job is one unit of blocking work. Run executes on a worker goroutine and
// must observe ctx cancellation to honor timeouts and pool shutdown.
// Finished is invoked through the pool's Poster once Run returns (or the
// job is dropped from the queue uncompleted), with completed=false in
// either the canceled or the queue-dropped case.
type Job struct {
	Run          func(ctx context.Context) (any, error)
	TimeoutTicks int32
	Finished     func(result any, err error, completed bool)

	ticksLeft int32
	cancel    context.CancelFunc
}

// Poster hands a finished-job callback to whatever single-threaded context
// must run it; remusockd passes reactor.Reactor.Post.
type Poster func(func())

// Pool is the worker pool of spec.md §4.2: enqueue/cancel/active, tick-based
// timeout, and restart-on-failure.
type Pool struct {
	post   Poster
	log    liblog.Logger
	queueN int

	mu       sync.Mutex
	queue    []*Job
	inflight map[*Job]struct{}
	active   bool

	jobCh       chan *Job
	stopCh      chan struct{}
	workWG      sync.WaitGroup
	workN       int
	liveWorkers int
	failCount   map[int]int

	restarts atomic.Int32
}

// maxConsecutiveRestarts is how many times in a row a given worker slot may
// die and be respawned before the pool gives up on it, per spec.md §4.2's
// "a repeatedly failing restart path escalates to fatal". A slot's streak
// resets to zero on its next job that returns without panicking, whether
// or not that job completed.
const maxConsecutiveRestarts = 3

// New builds a Pool with workers goroutines and a bounded FIFO of
// capacity queueCap (spec.md recommends 16-64). post delivers each job's
// Finished callback; log receives restart/escalation diagnostics.
func New(workers, queueCap int, post Poster, log liblog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueCap <= 0 {
		queueCap = 32
	}
	return &Pool{
		post:     post,
		log:      log,
		queueN:   queueCap,
		inflight:  make(map[*Job]struct{}),
		jobCh:     make(chan *Job),
		stopCh:    make(chan struct{}),
		workN:     workers,
		failCount: make(map[int]int),
	}
}

// Start launches the worker goroutines. They run until ctx is canceled or
// Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.active = true
	p.liveWorkers = p.workN
	p.mu.Unlock()

	for i := 0; i < p.workN; i++ {
		p.spawn(ctx, i)
	}
}

func (p *Pool) spawn(ctx context.Context, idx int) {
	p.workWG.Add(1)
	go func() {
		defer p.workWG.Done()
		p.runWorker(ctx, idx)
	}()
}

// runWorker pulls jobs from jobCh until ctx is done or Stop closes stopCh.
// A panicking Run is recovered, logged, and treated as an uncompleted job;
// the worker itself is then respawned so one bad job does not shrink the
// pool.
func (p *Pool) runWorker(ctx context.Context, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case job, ok := <-p.jobCh:
			if !ok {
				return
			}
			if p.execute(ctx, job) {
				p.mu.Lock()
				p.failCount[idx] = 0
				p.mu.Unlock()
				continue
			}
			// execute signaled worker failure: restart in its place,
			// unless this slot has failed too many times in a row.
			n := p.restarts.Add(1)
			p.mu.Lock()
			p.failCount[idx]++
			fails := p.failCount[idx]
			p.mu.Unlock()

			if fails >= maxConsecutiveRestarts {
				p.giveUpOnWorker(idx)
				return
			}
			if p.log != nil {
				p.log.Warning("worker pool: restarting worker after failure", nil, idx, n)
			}
			p.spawn(ctx, idx)
			return
		}
	}
}

// giveUpOnWorker stops respawning a slot that has failed
// maxConsecutiveRestarts times in a row, per spec.md §4.2's escalation to
// fatal. The pool keeps running with whatever workers remain; once the
// last one is gone, it marks itself inactive so Enqueue starts rejecting
// work instead of silently queuing jobs nothing will ever run.
func (p *Pool) giveUpOnWorker(idx int) {
	p.mu.Lock()
	p.liveWorkers--
	stillActive := p.liveWorkers > 0
	p.active = stillActive
	p.mu.Unlock()

	if p.log != nil {
		p.log.Error("worker pool: worker slot failed repeatedly, giving up restart", xerr.ErrorPoolRestartFailed.Error(), idx)
	}
}

// execute runs one job, recovering a panic into a logged, uncompleted
// completion. It returns false when the worker goroutine should be
// considered dead and respawned (currently: any recovered panic).
func (p *Pool) execute(ctx context.Context, job *Job) (healthy bool) {
	healthy = true
	jobCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	job.cancel = cancel
	p.inflight[job] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inflight, job)
		p.mu.Unlock()
		cancel()

		if r := recover(); r != nil {
			healthy = false
			if p.log != nil {
				p.log.Error("worker pool: job panicked", r)
			}
			p.deliver(job, nil, nil, false)
		}
	}()

	result, err := job.Run(jobCtx)
	completed := jobCtx.Err() == nil
	p.deliver(job, result, err, completed)
	return healthy
}

func (p *Pool) deliver(job *Job, result any, err error, completed bool) {
	if job.Finished == nil {
		return
	}
	fin := job.Finished
	if p.post != nil {
		p.post(func() { fin(result, err, completed) })
	} else {
		fin(result, err, completed)
	}
}

// Enqueue dispatches job to an idle worker, or appends it to the bounded
// FIFO when every worker is busy. It fails when the FIFO is already full:
// with ErrorPoolInactive if the pool is also inactive, otherwise with
// ErrorPoolQueueFull.
func (p *Pool) Enqueue(job *Job) error {
	job.ticksLeft = job.TimeoutTicks

	select {
	case p.jobCh <- job:
		return nil
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active && len(p.queue) >= p.queueN {
		return xerr.ErrorPoolInactive.Error()
	}
	if len(p.queue) >= p.queueN {
		return xerr.ErrorPoolQueueFull.Error()
	}
	p.queue = append(p.queue, job)
	go p.tryDrain()
	return nil
}

// tryDrain takes the oldest queued job off the FIFO under the lock, so no
// two hand-offs ever carry the same job, and hands it to a worker without
// blocking the caller of Enqueue. It gives up once stopCh closes, rather
// than blocking forever on a jobCh nobody reads from anymore once every
// worker has exited on Stop, and then drains the job it was holding
// itself, against an already-canceled context, exactly as Stop drains the
// jobs still in the queue.
func (p *Pool) tryDrain() {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	job := p.queue[0]
	p.queue = p.queue[1:]
	stopCh := p.stopCh
	p.mu.Unlock()

	select {
	case p.jobCh <- job:
	case <-stopCh:
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p.drainQueued(ctx, job)
	}
}

// Cancel interrupts job if it is currently executing; if it is only
// queued, it is removed from the FIFO and its Finished callback is
// delivered through the pool's Poster with completed=false.
func (p *Pool) Cancel(job *Job) {
	p.mu.Lock()
	if job.cancel != nil {
		cancel := job.cancel
		p.mu.Unlock()
		cancel()
		return
	}

	for i, q := range p.queue {
		if q == job {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.mu.Unlock()
			p.deliver(job, nil, nil, false)
			return
		}
	}
	p.mu.Unlock()
}

// Tick decrements every in-flight job's remaining timeout ticks; a job
// reaching zero is canceled but not waited on — its normal completion path
// still runs once Run notices ctx.Done().
func (p *Pool) Tick() {
	p.mu.Lock()
	var expired []*Job
	for job := range p.inflight {
		if job.ticksLeft <= 0 {
			continue
		}
		job.ticksLeft--
		if job.ticksLeft == 0 && job.cancel != nil {
			expired = append(expired, job)
		}
	}
	p.mu.Unlock()

	for _, job := range expired {
		job.cancel()
	}
}

// Active reports whether the pool has been started and has at least one
// live worker goroutine (spec.md's active()).
func (p *Pool) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Stop marks the pool inactive, signals every worker goroutine to exit and
// waits for each to finish the job it is running, then drains whatever
// never reached a worker: each such job is dispatched once
// more with an already-canceled context, so Run still gets to observe
// cancellation and Finished still fires, with completed=false, instead of
// the job silently vanishing.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.mu.Unlock()

	close(p.stopCh)
	p.workWG.Wait()

	p.mu.Lock()
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()

	if len(queued) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, job := range queued {
		p.drainQueued(ctx, job)
	}
}

// drainQueued runs a job that never reached a worker, against an
// already-canceled ctx, and always delivers completed=false.
func (p *Pool) drainQueued(ctx context.Context, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			if p.log != nil {
				p.log.Error("worker pool: queued job panicked during drain", r)
			}
			p.deliver(job, nil, nil, false)
		}
	}()
	result, err := job.Run(ctx)
	p.deliver(job, result, err, false)
}
