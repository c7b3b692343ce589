package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foldermcp/foldermcp/internal/errors"
)

// PoolConfig configures the embedding worker pool.
type PoolConfig struct {
	// Workers is the number of isolated model workers (default 2).
	Workers int

	// Threads is the intra-op thread count handed to each worker's model
	// runtime (default 2).
	Threads int

	// MaxBatch caps the number of texts per submitted batch.
	MaxBatch int

	// QueueThreshold is the depth above which rotation skips a worker.
	QueueThreshold int

	// QueueCapacity is the per-worker queue buffer.
	QueueCapacity int

	// ShutdownTimeout bounds draining on Close.
	ShutdownTimeout time.Duration

	// CacheSize is the LRU capacity for the candidate-scoring cache.
	CacheSize int

	// QueryPrefix and PassagePrefix are prepended per Options.Kind before
	// dispatch, for models that distinguish the two.
	QueryPrefix   string
	PassagePrefix string
}

// WithDefaults fills zero values with defaults.
func (c PoolConfig) WithDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Threads <= 0 {
		c.Threads = DefaultThreads
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultBatchSize
	}
	if c.MaxBatch > MaxBatchSize {
		c.MaxBatch = MaxBatchSize
	}
	if c.QueueThreshold <= 0 {
		c.QueueThreshold = DefaultQueueThreshold
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	return c
}

// task is one queued embed request. It is resolved by the worker that picks
// it up, or rejected when that worker dies or the pool shuts down.
type task struct {
	id     string
	texts  []string
	result chan taskResult
}

type taskResult struct {
	vectors [][]float32
	err     error
}

type poolWorker struct {
	idx      int
	queue    chan *task
	embedder Embedder
}

// Pool runs N model workers in isolated execution contexts and routes
// batched embed requests round-robin with a shortest-queue fallback. Each
// worker services its queue strictly FIFO.
type Pool struct {
	cfg     PoolConfig
	factory Factory

	mu      sync.Mutex
	workers []*poolWorker
	next    int
	closed  bool

	dims  int
	model string

	cache *textCache

	wg sync.WaitGroup
}

// NewPool creates the pool and starts its workers. Each worker loads its
// model once via the factory.
func NewPool(factory Factory, cfg PoolConfig) (*Pool, error) {
	cfg = cfg.WithDefaults()

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		workers: make([]*poolWorker, cfg.Workers),
		cache:   newTextCache(cfg.CacheSize),
	}

	for i := 0; i < cfg.Workers; i++ {
		w, err := p.startWorker(i)
		if err != nil {
			for _, started := range p.workers {
				if started != nil {
					close(started.queue)
					_ = started.embedder.Close()
				}
			}
			return nil, fmt.Errorf("starting worker %d: %w", i, err)
		}
		p.workers[i] = w
	}

	p.dims = p.workers[0].embedder.Dimensions()
	p.model = p.workers[0].embedder.ModelName()
	return p, nil
}

// Dimensions returns the embedding dimension of the pool's model.
func (p *Pool) Dimensions() int { return p.dims }

// ModelName returns the pool's model identifier.
func (p *Pool) ModelName() string { return p.model }

// EmbedBatch embeds texts through one worker, preserving input order. The
// batch must not exceed the configured maximum. Callers retry failed batches
// themselves; the pool does not retry.
func (p *Pool) EmbedBatch(ctx context.Context, texts []string, opts Options) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if len(texts) > p.cfg.MaxBatch {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "batch of %d exceeds maximum %d", len(texts), p.cfg.MaxBatch)
	}

	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	prefixed := p.applyPrefix(texts, opts.Kind)

	t := &task{
		id:     uuid.NewString(),
		texts:  prefixed,
		result: make(chan taskResult, 1),
	}

	if err := p.dispatch(ctx, t); err != nil {
		return nil, err
	}

	select {
	case res := <-t.result:
		if res.err != nil {
			return nil, res.err
		}
		if len(res.vectors) != len(texts) {
			return nil, errors.Newf(errors.ErrCodeEmbeddingFailed,
				"worker returned %d vectors for %d texts", len(res.vectors), len(texts))
		}
		return res.vectors, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Embed embeds a single text through the candidate-scoring cache. The cache
// is keyed on the raw text and scoped to the pool; ClearCache resets it
// between documents.
func (p *Pool) Embed(ctx context.Context, text string, opts Options) ([]float32, error) {
	if vec, ok := p.cache.get(text); ok {
		return vec, nil
	}

	vecs, err := p.EmbedBatch(ctx, []string{text}, opts)
	if err != nil {
		return nil, err
	}

	p.cache.add(text, vecs[0])
	return vecs[0], nil
}

// ClearCache drops all cached text vectors to prevent cross-document
// pollution in candidate-scoring workloads.
func (p *Pool) ClearCache() {
	p.cache.clear()
}

// Close drains in-flight tasks with the configured timeout, then terminates
// workers.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*poolWorker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	for _, w := range workers {
		if w != nil {
			close(w.queue)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		slog.Warn("embedding pool shutdown timed out, terminating workers")
	}

	for _, w := range workers {
		if w != nil && w.embedder != nil {
			_ = w.embedder.Close()
		}
	}
	return nil
}

// dispatch picks a worker (round-robin; skip queues at or past the
// threshold; if every queue is past it, take the shortest) and enqueues.
func (p *Pool) dispatch(ctx context.Context, t *task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New(errors.ErrCodeInternal, "embedding pool is closed")
	}

	w := p.pickWorkerLocked()
	p.mu.Unlock()

	if w == nil {
		return errors.New(errors.ErrCodeWorkerCrashed, "no live embedding workers")
	}

	select {
	case w.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pickWorkerLocked implements the routing rule under p.mu.
func (p *Pool) pickWorkerLocked() *poolWorker {
	n := len(p.workers)

	var shortest *poolWorker
	shortestLen := -1

	for i := 0; i < n; i++ {
		w := p.workers[(p.next+i)%n]
		if w == nil {
			continue
		}
		qlen := len(w.queue)
		if qlen < p.cfg.QueueThreshold {
			p.next = (p.next + i + 1) % n
			return w
		}
		if shortestLen < 0 || qlen < shortestLen {
			shortest = w
			shortestLen = qlen
		}
	}

	if shortest != nil {
		p.next = (shortest.idx + 1) % n
	}
	return shortest
}

func (p *Pool) applyPrefix(texts []string, kind TextKind) []string {
	var prefix string
	switch kind {
	case KindQuery:
		prefix = p.cfg.QueryPrefix
	case KindPassage:
		prefix = p.cfg.PassagePrefix
	}
	if prefix == "" {
		return texts
	}

	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = prefix + t
	}
	return out
}

// startWorker creates worker idx with a fresh embedder instance.
func (p *Pool) startWorker(idx int) (*poolWorker, error) {
	embedder, err := p.factory(p.cfg.Threads)
	if err != nil {
		return nil, err
	}

	w := &poolWorker{
		idx:      idx,
		queue:    make(chan *task, p.cfg.QueueCapacity),
		embedder: embedder,
	}

	p.wg.Add(1)
	go p.runWorker(w)
	return w, nil
}

// runWorker services the queue strictly FIFO. A panic in the model runtime
// rejects the in-flight task and everything queued behind it, then the pool
// spawns a replacement worker; tasks on other workers are unaffected.
func (p *Pool) runWorker(w *poolWorker) {
	defer p.wg.Done()

	var current *task
	defer func() {
		if r := recover(); r != nil {
			crashErr := errors.Newf(errors.ErrCodeWorkerCrashed, "embedding worker %d crashed: %v", w.idx, r)
			slog.Error("embedding worker crashed",
				slog.Int("worker", w.idx),
				slog.String("error", fmt.Sprint(r)))

			if current != nil {
				current.result <- taskResult{err: crashErr}
			}
			for t := range drainQueue(w.queue) {
				t.result <- taskResult{err: crashErr}
			}

			p.replaceWorker(w.idx)
		}
	}()

	for t := range w.queue {
		current = t
		vectors, err := w.embedder.EmbedBatch(context.Background(), t.texts)
		if err != nil {
			t.result <- taskResult{err: errors.Wrap(err, errors.ErrCodeEmbeddingFailed, "embedding batch")}
		} else {
			t.result <- taskResult{vectors: vectors}
		}
		current = nil
	}
}

// drainQueue consumes whatever is queued without blocking.
func drainQueue(q chan *task) map[*task]struct{} {
	drained := make(map[*task]struct{})
	for {
		select {
		case t, ok := <-q:
			if !ok {
				return drained
			}
			drained[t] = struct{}{}
		default:
			return drained
		}
	}
}

// replaceWorker spawns a substitute for a crashed worker. If the factory
// fails the slot stays empty and routing skips it.
func (p *Pool) replaceWorker(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.workers[idx] = nil
		return
	}

	w, err := p.startWorker(idx)
	if err != nil {
		slog.Error("failed to replace crashed embedding worker",
			slog.Int("worker", idx),
			slog.String("error", err.Error()))
		p.workers[idx] = nil
		return
	}
	p.workers[idx] = w
}
