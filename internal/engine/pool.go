package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/flowline-dev/flowline/internal/ctxlog"
)

// poolNode is one stage in the parallel scheduler's dependency bookkeeping.
type poolNode struct {
	name       string
	depCount   atomic.Int32
	dependents []*poolNode
	done       sync.Once
}

// runPool executes mutually-independent stages concurrently through a bounded
// worker pool. Stages become ready when their dependency count reaches zero;
// the seed order and the ready channel preserve the validated topological
// order among ties. Checkpoint access stays serialized through the run mutex
// and the manager's single-writer lock.
func (r *run) runPool(ctx context.Context, workers int) {
	logger := ctxlog.FromContext(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	nodes := make(map[string]*poolNode, len(r.order))
	for _, name := range r.order {
		nodes[name] = &poolNode{name: name}
	}
	for _, def := range r.cfg.Stages {
		n := nodes[def.Name]
		n.depCount.Store(int32(len(def.DependsOn)))
		for _, dep := range def.DependsOn {
			nodes[dep].dependents = append(nodes[dep].dependents, n)
		}
	}

	ready := make(chan *poolNode, len(r.order))
	for _, name := range r.order {
		if n := nodes[name]; n.depCount.Load() == 0 {
			ready <- n
		}
	}

	if workers > len(r.order) {
		workers = len(r.order)
	}

	var wg sync.WaitGroup
	wg.Add(len(r.order))
	for i := 0; i < workers; i++ {
		go r.poolWorker(runCtx, cancel, ready, &wg)
	}

	logger.Debug("Worker pool started", "workers", workers)
	wg.Wait()
	close(ready)

	r.mu.Lock()
	if ctx.Err() != nil {
		r.cancelled = true
		r.persistLocked()
	}
	r.mu.Unlock()
}

func (r *run) poolWorker(ctx context.Context, cancel context.CancelFunc, ready chan *poolNode, wg *sync.WaitGroup) {
	for n := range ready {
		if ctx.Err() != nil {
			r.preemptNode(n, wg)
			continue
		}

		def, _ := r.cfg.StageByName(n.name)
		r.executeStage(ctx, def)

		r.mu.Lock()
		failed := r.failed[n.name]
		abort := r.aborted
		r.mu.Unlock()

		if abort {
			cancel()
		}
		if failed {
			r.blockDependents(n, wg)
		} else {
			for _, d := range n.dependents {
				if d.depCount.Add(-1) == 0 {
					ready <- d
				}
			}
		}
		n.done.Do(wg.Done)
	}
}

// preemptNode finalizes a node the run never got to: Cancelled when the run
// context was cancelled from outside, silently unstarted on a fail-fast
// abort. Its downstream nodes are released the same way so the pool drains.
func (r *run) preemptNode(n *poolNode, wg *sync.WaitGroup) {
	n.done.Do(func() {
		r.mu.Lock()
		if !r.aborted {
			if _, ok := r.results[n.name]; !ok {
				r.results[n.name] = StageResult{Name: n.name, Status: StageCancelled}
			}
		}
		r.mu.Unlock()
		wg.Done()
		for _, d := range n.dependents {
			r.preemptNode(d, wg)
		}
	})
}

// blockDependents cascades Blocked through every stage downstream of a
// failure, matching the sequential semantics where a dependent of a Failed or
// Blocked stage never starts.
func (r *run) blockDependents(n *poolNode, wg *sync.WaitGroup) {
	for _, d := range n.dependents {
		d.done.Do(func() {
			r.block(d.name)
			wg.Done()
			r.blockDependents(d, wg)
		})
	}
}
