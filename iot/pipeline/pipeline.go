/*Package pipeline runs fire-and-forget jobs on a bounded, sharded work queue.

Jobs are sharded by key. Jobs with the same key run one after the other in
submission order, jobs with different keys may run concurrently and complete
out of order. The queue of every shard is bounded; when it is full, Submit
drops the job and logs a warning. Jobs are best effort, a failing job is
logged and never retried.
*/
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/telemetry/core/logger"
)

// SlowJobThreshold is the duration after which a running job is reported as slow
var SlowJobThreshold = 20 * time.Second

// Func is the work of a job
type Func func(ctx context.Context) error

type job struct {
	ctx  context.Context
	key  string
	name string
	fn   Func
}

// Pipeline is a sharded work queue. Create it with New.
type Pipeline struct {
	shards  []chan job
	workers sync.WaitGroup

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	closed  bool

	dropped atomic.Int64
	failed  atomic.Int64
}

// New starts a pipeline with the given number of workers. Each worker owns
// one shard with a queue of queueSize jobs.
func New(workers, queueSize int) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	p := &Pipeline{shards: make([]chan job, workers)}
	p.idle = sync.NewCond(&p.mu)
	for i := range p.shards {
		p.shards[i] = make(chan job, queueSize)
		p.workers.Add(1)
		go p.worker(p.shards[i])
	}
	return p
}

func (p *Pipeline) shard(key string) chan job {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Submit queues fn under key. It returns false if the job was dropped
// because the queue is full or the pipeline is closed.
func (p *Pipeline) Submit(ctx context.Context, key, name string, fn Func) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.shard(key) <- job{ctx: ctx, key: key, name: name, fn: fn}:
		p.pending++
		return true
	default:
		p.dropped.Add(1)
		logger.FromContext(ctx).Warnf("pipeline: queue full, dropping %s[%s]", name, key)
		return false
	}
}

func (p *Pipeline) worker(jobs <-chan job) {
	defer p.workers.Done()
	for j := range jobs {
		if err := p.run(j); err != nil {
			p.failed.Add(1)
			logger.FromContext(j.ctx).WithError(err).Warnf("pipeline: %s[%s] failed", j.name, j.key)
		}
		p.mu.Lock()
		p.pending--
		if p.pending == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}
}

// run calls the job in a panic/recover envelope
func (p *Pipeline) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
			debug.PrintStack()
		}
	}()
	timeout := time.AfterFunc(SlowJobThreshold, func() {
		logger.FromContext(j.ctx).Errorf("pipeline: %s[%s] is taking a long time...", j.name, j.key)
	})
	defer timeout.Stop()
	return j.fn(j.ctx)
}

// Flush blocks until all queued jobs are processed
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending > 0 {
		p.idle.Wait()
	}
}

// Close processes the queued jobs and stops the workers. Submit drops all jobs after Close.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, shard := range p.shards {
		close(shard)
	}
	p.mu.Unlock()
	p.workers.Wait()
}

// Dropped returns the number of jobs dropped so far
func (p *Pipeline) Dropped() int64 {
	return p.dropped.Load()
}

// Failed returns the number of jobs which returned an error or panicked
func (p *Pipeline) Failed() int64 {
	return p.failed.Load()
}
