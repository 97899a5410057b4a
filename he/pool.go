package he

import (
	"sync"
)

// workerPool recycles Workers so that parallel loops do not pay for a
// shallow copy of every scheme object on each iteration.
type workerPool struct {
	pool sync.Pool
}

func newWorkerPool(ctx *Context) *workerPool {
	return &workerPool{
		pool: sync.Pool{
			New: func() interface{} {
				return ctx.newWorker()
			},
		},
	}
}

// AcquireWorker retrieves a Worker from the context's pool.
// Remember to ReleaseWorker it back when done.
func (c *Context) AcquireWorker() *Worker {
	return c.workers.pool.Get().(*Worker)
}

// ReleaseWorker returns a Worker to the context's pool.
func (c *Context) ReleaseWorker(w *Worker) {
	c.workers.pool.Put(w)
}

// WithWorker runs fn with a pooled Worker.
func (c *Context) WithWorker(fn func(w *Worker) error) error {
	w := c.AcquireWorker()
	defer c.ReleaseWorker(w)
	return fn(w)
}

var float64Pool = sync.Pool{
	New: func() interface{} {
		buf := make([]float64, 0, 1024)
		return &buf
	},
}

// GetFloat64Buffer retrieves a zeroed []float64 of length n from the pool.
// Remember to PutFloat64Buffer it back when done.
func GetFloat64Buffer(n int) []float64 {
	bp := float64Pool.Get().(*[]float64)
	buf := *bp
	if cap(buf) < n {
		buf = make([]float64, n)
	} else {
		buf = buf[:n]
		clear(buf)
	}
	return buf
}

// PutFloat64Buffer returns a []float64 buffer to the pool.
func PutFloat64Buffer(buf []float64) {
	buf = buf[:0]
	float64Pool.Put(&buf)
}
