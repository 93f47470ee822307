package client

import (
	"sync"
	"sync/atomic"
)

// taskQueue is an unbounded FIFO of tasks. Producers never block.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues fn and reports false if the queue is closed.
func (q *taskQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.cond.Signal()
	return true
}

// pop blocks until a task is available. ok is false once the queue is closed
// and drained.
func (q *taskQueue) pop() (fn func(), ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.tasks) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.tasks) == 0 {
		return nil, false
	}
	fn = q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return fn, true
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// callbackPool runs completion callbacks on a fixed set of goroutines so user
// code never runs on a connection's I/O path.
type callbackPool struct {
	queue *taskQueue
	wg    sync.WaitGroup
}

func newCallbackPool(workers int) *callbackPool {
	if workers < 1 {
		workers = 1
	}
	p := &callbackPool{queue: newTaskQueue()}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *callbackPool) run() {
	defer p.wg.Done()
	for {
		fn, ok := p.queue.pop()
		if !ok {
			return
		}
		fn()
	}
}

// submit schedules fn. After stop, fn runs on its own goroutine so late
// completions still reach their callbacks.
func (p *callbackPool) submit(fn func()) {
	if p == nil || !p.queue.push(fn) {
		go fn()
	}
}

// stop runs the queued callbacks to completion and stops the workers.
func (p *callbackPool) stop() {
	p.queue.close()
	p.wg.Wait()
}

// ioWorker serializes frame encoding and socket writes for the connections
// pinned to it.
type ioWorker struct {
	id    int
	queue *taskQueue
}

// ioPool is the fixed set of I/O workers. Connections are assigned round
// robin when created and stay on their worker for life.
type ioPool struct {
	workers []*ioWorker
	next    atomic.Uint32
	wg      sync.WaitGroup
}

func newIOPool(workers int) *ioPool {
	if workers < 1 {
		workers = 1
	}
	p := &ioPool{workers: make([]*ioWorker, workers)}
	p.wg.Add(workers)
	for i := range p.workers {
		w := &ioWorker{id: i, queue: newTaskQueue()}
		p.workers[i] = w
		go func() {
			defer p.wg.Done()
			for {
				fn, ok := w.queue.pop()
				if !ok {
					return
				}
				fn()
			}
		}()
	}
	return p
}

func (p *ioPool) assign() *ioWorker {
	n := p.next.Add(1) - 1
	return p.workers[int(n)%len(p.workers)]
}

func (p *ioPool) stop() {
	for _, w := range p.workers {
		w.queue.close()
	}
	p.wg.Wait()
}

// submit queues fn on the worker. It reports false when the pool has been
// stopped.
func (w *ioWorker) submit(fn func()) bool {
	return w.queue.push(fn)
}
