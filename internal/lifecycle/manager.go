package lifecycle

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foldermcp/foldermcp/internal/chunk"
	"github.com/foldermcp/foldermcp/internal/content"
	"github.com/foldermcp/foldermcp/internal/embed"
	"github.com/foldermcp/foldermcp/internal/errors"
	"github.com/foldermcp/foldermcp/internal/fingerprint"
	"github.com/foldermcp/foldermcp/internal/index"
	"github.com/foldermcp/foldermcp/internal/semantic"
	"github.com/foldermcp/foldermcp/internal/store"
	"github.com/foldermcp/foldermcp/internal/watcher"
)

// Defaults for the index phase.
const (
	DefaultMaxConcurrency = 4
	DefaultMaxRetries     = 3

	// DefaultMaxConsecutiveErrors is how many exhausted tasks in a row drop
	// the folder into the error state. Scattered failures below this just
	// count toward progress.Failed.
	DefaultMaxConsecutiveErrors = 5
)

// Config identifies one managed folder.
type Config struct {
	FolderPath     string
	ModelID        string
	ModelBackend   string
	MaxConcurrency int
	MaxRetries     int
	// MaxConsecutiveErrors bounds the run of exhausted tasks tolerated
	// before the whole pass is abandoned.
	MaxConsecutiveErrors int
	// IgnorePatterns are per-folder excludes on top of the built-ins.
	IgnorePatterns []string
}

// Deps are the folder's indexing collaborators.
type Deps struct {
	Store     *store.Store
	DB        *store.SemanticDB
	Index     *index.Index
	Pool      *embed.Pool
	Extractor *semantic.Extractor
	Log       *slog.Logger
}

// Manager drives one folder through the lifecycle. State transitions are
// serialised by the manager's mutex; task processing fans out with bounded
// concurrency underneath.
type Manager struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu          sync.Mutex
	state       State
	progress    Progress
	tasks       []Task
	consecutive int
	listeners   []func(Event)
	stopped     bool

	// emitMu orders progress emissions: the snapshot and its delivery happen
	// under one lock so listeners never see the percentage move backwards.
	emitMu sync.Mutex
}

// NewManager creates a manager in the pending state.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		deps:  deps,
		log:   log.With(slog.String("component", "lifecycle"), slog.String("folder", cfg.FolderPath)),
		state: StatePending,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Progress returns a snapshot of the current task queue.
func (m *Manager) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// Tasks returns a copy of the current pass's task list, statuses included.
func (m *Manager) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}

// ConsecutiveErrors returns the length of the current exhausted-task run.
func (m *Manager) ConsecutiveErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutive
}

// OnEvent registers a lifecycle listener. Listeners run synchronously on
// the emitting goroutine and must not block.
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Stop marks the manager terminal. In-flight work observes ctx
// cancellation from the caller.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

// Reset moves an errored folder back to pending.
func (m *Manager) Reset() error {
	return m.transition(StateError, StatePending)
}

// SetDownloadingModel toggles the downloading-model sub-state of pending.
func (m *Manager) SetDownloadingModel(downloading bool) error {
	if downloading {
		return m.transition(StatePending, StateDownloadingModel)
	}
	return m.transition(StateDownloadingModel, StatePending)
}

// Run executes the full lifecycle: scan, index, then active. It returns
// once the folder is active or errored; incremental updates after that go
// through ApplyChanges.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.transition(StatePending, StateScanning); err != nil {
		return err
	}

	tasks, err := m.scan(ctx)
	if err != nil {
		m.fail(err)
		return err
	}
	m.emit(Event{Kind: EventScanComplete, FolderPath: m.cfg.FolderPath,
		Progress: Progress{Total: len(tasks)}})

	if err := m.transition(StateScanning, StateReady); err != nil {
		return err
	}

	if len(tasks) == 0 {
		if err := m.transition(StateReady, StateActive); err != nil {
			return err
		}
		return nil
	}

	if err := m.transition(StateReady, StateIndexing); err != nil {
		return err
	}
	if err := m.processTasks(ctx, tasks); err != nil {
		m.fail(err)
		return err
	}

	if err := m.transition(StateIndexing, StateActive); err != nil {
		return err
	}
	m.emit(Event{Kind: EventIndexComplete, FolderPath: m.cfg.FolderPath, Progress: m.Progress()})
	return nil
}

// ApplyChanges converts watcher events into tasks and runs an incremental
// indexing pass. Only legal from active.
func (m *Manager) ApplyChanges(ctx context.Context, events []watcher.Event) error {
	if len(events) == 0 {
		return nil
	}

	tasks := m.tasksFromEvents(events)
	if len(tasks) == 0 {
		return nil
	}
	m.emit(Event{Kind: EventChangesDetected, FolderPath: m.cfg.FolderPath,
		Progress: Progress{Total: len(tasks)}})

	if err := m.transition(StateActive, StateIndexing); err != nil {
		return err
	}
	if err := m.processTasks(ctx, tasks); err != nil {
		m.fail(err)
		return err
	}
	if err := m.transition(StateIndexing, StateActive); err != nil {
		return err
	}
	m.emit(Event{Kind: EventIndexComplete, FolderPath: m.cfg.FolderPath, Progress: m.Progress()})
	return nil
}

func (m *Manager) tasksFromEvents(events []watcher.Event) []Task {
	byPath, err := m.deps.Store.Fingerprints()
	if err != nil {
		m.log.Warn("reading cache fingerprints", slog.Any("error", err))
		byPath = nil
	}
	pathToHash := make(map[string]string, len(byPath))
	for hash, fp := range byPath {
		pathToHash[fp.RelativePath] = hash
	}

	var tasks []Task
	for _, ev := range events {
		rel := filepath.ToSlash(ev.Path)
		if ev.Kind != watcher.EventRemove && !content.Supported(rel) {
			continue
		}
		switch ev.Kind {
		case watcher.EventAdd:
			tasks = append(tasks, newTask(TaskCreate, rel, "", m.cfg.MaxRetries))
		case watcher.EventChange:
			tasks = append(tasks, newTask(TaskUpdate, rel, pathToHash[rel], m.cfg.MaxRetries))
		case watcher.EventRemove:
			if hash, ok := pathToHash[rel]; ok {
				tasks = append(tasks, newTask(TaskRemove, rel, hash, m.cfg.MaxRetries))
			}
		}
	}
	return dedupeTasks(tasks)
}

// scan runs the two sweeps: folder→db finds created and updated files,
// db→folder finds stored entries whose file is gone.
func (m *Manager) scan(ctx context.Context) ([]Task, error) {
	onDisk, err := fingerprint.Dir(m.cfg.FolderPath, m.include)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidPath, "scanning folder")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	stored, err := m.deps.Store.Fingerprints()
	if err != nil {
		return nil, err
	}
	storedByPath := make(map[string]string, len(stored))
	for hash, fp := range stored {
		storedByPath[fp.RelativePath] = hash
	}

	var tasks []Task

	// Sweep 1: folder→db. Paths are sorted so the task queue is
	// deterministic for a given folder state.
	diskPaths := make([]string, 0, len(onDisk))
	for rel := range onDisk {
		diskPaths = append(diskPaths, rel)
	}
	sort.Strings(diskPaths)

	m.emitScan(ScanProgress{Phase: PhaseFolderToDB, Total: len(diskPaths)})
	for _, rel := range diskPaths {
		prevHash, known := storedByPath[rel]
		switch {
		case !known:
			tasks = append(tasks, newTask(TaskCreate, rel, "", m.cfg.MaxRetries))
		case prevHash != onDisk[rel].Hash:
			tasks = append(tasks, newTask(TaskUpdate, rel, prevHash, m.cfg.MaxRetries))
		}
	}
	m.emitScan(ScanProgress{Phase: PhaseFolderToDB, Processed: len(diskPaths), Total: len(diskPaths)})

	// Sweep 2: db→folder.
	storedPaths := make([]string, 0, len(storedByPath))
	for rel := range storedByPath {
		storedPaths = append(storedPaths, rel)
	}
	sort.Strings(storedPaths)

	m.emitScan(ScanProgress{Phase: PhaseDBToFolder, Total: len(storedPaths)})
	for _, rel := range storedPaths {
		if _, exists := onDisk[rel]; !exists {
			tasks = append(tasks, newTask(TaskRemove, rel, storedByPath[rel], m.cfg.MaxRetries))
		}
	}
	m.emitScan(ScanProgress{Phase: PhaseDBToFolder, Processed: len(storedPaths), Total: len(storedPaths)})

	tasks = dedupeTasks(tasks)
	m.log.Info("scan complete",
		slog.Int("on_disk", len(onDisk)),
		slog.Int("stored", len(stored)),
		slog.Int("tasks", len(tasks)))
	return tasks, nil
}

func (m *Manager) emitScan(sp ScanProgress) {
	p := sp
	m.emit(Event{Kind: EventScanProgress, FolderPath: m.cfg.FolderPath, Scan: &p})
}

// include filters the folder walk: supported extensions only, no dot
// directories, none of the built-in or per-folder excludes.
func (m *Manager) include(rel string, _ fs.FileInfo) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") || part == "node_modules" {
			return false
		}
	}
	for _, pattern := range m.cfg.IgnorePatterns {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return false
		}
	}
	return content.Supported(rel)
}

// processTasks drains the queue with bounded concurrency. A failing task is
// rescheduled until its retry budget runs out, then counted failed; the
// drain aborts only on context cancellation or when the consecutive-failure
// limit trips.
func (m *Manager) processTasks(ctx context.Context, tasks []Task) error {
	m.mu.Lock()
	m.tasks = tasks
	m.progress = Progress{Total: len(tasks)}
	m.consecutive = 0
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrency)

	for i := range tasks {
		i := i
		g.Go(func() error {
			m.taskStarted(i)
			for {
				task := m.taskAt(i)
				err := m.processTask(ctx, task)
				if err == nil {
					m.taskFinished(i, nil)
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}

				retries := m.taskRetried(i)
				if retries >= task.MaxRetries || !errors.IsRetryable(err) {
					m.log.Warn("task failed",
						slog.String("task", task.ID),
						slog.String("path", task.RelativePath),
						slog.String("kind", string(task.Kind)),
						slog.Int("retries", retries),
						slog.Any("error", err))
					m.emit(Event{Kind: EventError, FolderPath: m.cfg.FolderPath, Err: err})
					if m.taskFinished(i, err) {
						return errors.Newf(errors.ErrCodeTooManyFailures,
							"%d consecutive task failures, last: %v", m.cfg.MaxConsecutiveErrors, err)
					}
					return nil
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(retries) * 100 * time.Millisecond):
				}
			}
		})
	}
	return g.Wait()
}

// taskStarted flips task i to in-progress.
func (m *Manager) taskStarted(i int) {
	m.mu.Lock()
	m.tasks[i].Status = TaskInProgress
	m.tasks[i].StartedAt = time.Now()
	m.progress.InProgress++
	m.mu.Unlock()
}

func (m *Manager) taskAt(i int) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[i]
}

// taskRetried bumps task i's retry count and returns the new value.
func (m *Manager) taskRetried(i int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[i].RetryCount++
	return m.tasks[i].RetryCount
}

// taskFinished records the terminal status, updates the progress counters
// and the consecutive-failure run, emits one progress event, and reports
// whether the run just hit the configured limit.
func (m *Manager) taskFinished(i int, err error) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	m.tasks[i].FinishedAt = time.Now()
	m.progress.InProgress--
	tripped := false
	if err != nil {
		m.tasks[i].Status = TaskError
		m.progress.Failed++
		m.consecutive++
		tripped = m.consecutive == m.cfg.MaxConsecutiveErrors
	} else {
		m.tasks[i].Status = TaskSuccess
		m.progress.Completed++
		m.consecutive = 0
	}
	progress := m.progress
	m.mu.Unlock()

	m.emit(Event{Kind: EventProgress, FolderPath: m.cfg.FolderPath, Progress: progress})
	return tripped
}

func (m *Manager) processTask(ctx context.Context, task Task) error {
	switch task.Kind {
	case TaskRemove:
		return m.removeDocument(task.Hash)
	case TaskCreate, TaskUpdate:
		return m.indexDocument(ctx, task)
	default:
		return errors.Newf(errors.ErrCodeInternal, "unknown task kind %q", task.Kind)
	}
}

func (m *Manager) removeDocument(hash string) error {
	m.deps.Index.RemoveOwner(hash)
	if err := m.deps.Store.RemoveDocument(hash); err != nil {
		return err
	}
	if m.deps.DB != nil {
		if err := m.deps.DB.RemoveDocument(hash); err != nil {
			return err
		}
	}
	return nil
}

// indexDocument is the full pipeline for one file: parse, chunk, embed,
// persist, index, enrich.
func (m *Manager) indexDocument(ctx context.Context, task Task) error {
	abs := filepath.Join(m.cfg.FolderPath, filepath.FromSlash(task.RelativePath))

	fp, err := fingerprint.File(abs, m.cfg.FolderPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileReadRace, "fingerprinting "+task.RelativePath)
	}

	doc, err := content.Parse(abs)
	if err != nil {
		return err
	}

	// Re-check after the read: a file mutating mid-pipeline is a read race
	// and gets retried.
	if check, cerr := fingerprint.File(abs, m.cfg.FolderPath); cerr != nil || check.Hash != fp.Hash {
		return errors.New(errors.ErrCodeFileReadRace, "file changed while indexing "+task.RelativePath)
	}

	// Replacing content under the same path: drop the previous hash first.
	if task.Kind == TaskUpdate && task.Hash != "" && task.Hash != fp.Hash {
		if err := m.removeDocument(task.Hash); err != nil {
			return err
		}
	}

	chunks := chunk.Split(doc, fp.Hash, chunk.Options{})

	if err := m.persistDocument(fp, doc, chunks); err != nil {
		return err
	}
	if err := m.embedAndIndex(ctx, fp.Hash, chunks); err != nil {
		return err
	}
	m.enrich(ctx, fp.Hash, chunks)
	return nil
}

func (m *Manager) persistDocument(fp *fingerprint.Fingerprint, doc *content.Document, chunks []*chunk.Chunk) error {
	flat := make([]chunk.Chunk, len(chunks))
	totalTokens := 0
	for i, c := range chunks {
		flat[i] = *c
		totalTokens += c.TokenCount
	}
	stats := store.ChunkingStats{TotalChunks: len(chunks), TotalTokens: totalTokens}
	if len(chunks) > 0 {
		stats.AverageTokens = float64(totalTokens) / float64(len(chunks))
	}

	if err := m.deps.Store.SaveDocument(store.DocumentRecord{
		Fingerprint:  *fp,
		DocumentType: doc.Type,
		Content:      doc.Text,
		Chunks:       flat,
		Stats:        stats,
	}); err != nil {
		return err
	}

	if m.deps.DB != nil {
		contents := make([]string, len(chunks))
		for i, c := range chunks {
			contents[i] = c.Content
		}
		return m.deps.DB.UpsertDocument(store.DocumentRow{
			ContentHash:  fp.Hash,
			RelativePath: fp.RelativePath,
			DocType:      string(doc.Type),
			Size:         fp.Size,
		}, contents)
	}
	return nil
}

func (m *Manager) embedAndIndex(ctx context.Context, hash string, chunks []*chunk.Chunk) error {
	for start := 0; start < len(chunks); start += embed.DefaultBatchSize {
		end := start + embed.DefaultBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		vectors, err := m.deps.Pool.EmbedBatch(ctx, texts, embed.Options{Kind: embed.KindPassage})
		if err != nil {
			return err
		}

		for i, c := range batch {
			if err := m.deps.Store.SaveEmbedding(hash, store.EmbeddingRecord{
				Chunk: *c,
				Embedding: store.EmbeddingPayload{
					Vector: vectors[i],
					Model:  m.cfg.ModelID,
				},
				Model:        m.cfg.ModelID,
				ModelBackend: m.cfg.ModelBackend,
			}); err != nil {
				return err
			}
			if err := m.deps.Index.Add(hash, c.ChunkIndex, vectors[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// enrich computes key phrases and readability. Enrichment is best-effort:
// a failure is logged, the chunk stays unprocessed, and indexing succeeds.
func (m *Manager) enrich(ctx context.Context, hash string, chunks []*chunk.Chunk) {
	if m.deps.DB == nil || m.deps.Extractor == nil {
		return
	}
	defer m.deps.Extractor.EndDocument()
	for _, c := range chunks {
		res, err := m.deps.Extractor.ExtractKeyPhrases(ctx, c.Content)
		if err != nil {
			m.log.Warn("key-phrase extraction failed",
				slog.String("hash", hash), slog.Int("chunk", c.ChunkIndex), slog.Any("error", err))
			continue
		}
		score := semantic.Readability(c.Content)
		if err := m.deps.DB.SaveSemantics(hash, c.ChunkIndex, nil, res.Phrases, float64(score)); err != nil {
			m.log.Warn("saving semantics failed",
				slog.String("hash", hash), slog.Int("chunk", c.ChunkIndex), slog.Any("error", err))
		}
	}
}

// PersistIndex snapshots the vector index into the folder cache.
func (m *Manager) PersistIndex() error {
	return m.deps.Index.Save(m.deps.Store.VectorsDir())
}

func (m *Manager) transition(from, to State) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.New(errors.ErrCodeInternal, "lifecycle manager stopped")
	}
	if m.state != from || !CanTransition(from, to) {
		cur := m.state
		m.mu.Unlock()
		return errors.Newf(errors.ErrCodeInternal,
			"illegal transition %s -> %s (current %s)", from, to, cur)
	}
	m.state = to
	m.mu.Unlock()

	m.log.Debug("state change", slog.String("from", string(from)), slog.String("to", string(to)))
	m.emit(Event{Kind: EventStateChange, FolderPath: m.cfg.FolderPath, Prev: from, Next: to})
	return nil
}

// fail forces the error state from wherever the folder currently is.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	prev := m.state
	m.state = StateError
	m.mu.Unlock()

	m.log.Error("folder errored", slog.String("from", string(prev)), slog.Any("error", err))
	m.emit(Event{Kind: EventStateChange, FolderPath: m.cfg.FolderPath, Prev: prev, Next: StateError})
	m.emit(Event{Kind: EventError, FolderPath: m.cfg.FolderPath, Err: err})
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	listeners := make([]func(Event), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
