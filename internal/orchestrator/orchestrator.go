// Package orchestrator owns the fleet: one lifecycle manager, cache store,
// vector index, embedding pool and file watcher per managed folder. It is
// the only component that adds or removes folders, and it mirrors every
// state change into the FMDM broadcaster.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/foldermcp/foldermcp/internal/config"
	"github.com/foldermcp/foldermcp/internal/embed"
	"github.com/foldermcp/foldermcp/internal/errors"
	"github.com/foldermcp/foldermcp/internal/fmdm"
	"github.com/foldermcp/foldermcp/internal/index"
	"github.com/foldermcp/foldermcp/internal/lifecycle"
	"github.com/foldermcp/foldermcp/internal/models"
	"github.com/foldermcp/foldermcp/internal/semantic"
	"github.com/foldermcp/foldermcp/internal/store"
	"github.com/foldermcp/foldermcp/internal/watcher"
)

// systemPrefixes are directories the daemon refuses to index.
var systemPrefixes = []string{
	"/bin", "/boot", "/dev", "/etc", "/lib", "/proc",
	"/root", "/sbin", "/sys", "/usr", "/var",
}

// ValidationIssue is one folder.validate finding.
type ValidationIssue struct {
	Kind    string `json:"type"`
	Message string `json:"message"`
}

// ValidationResult is the folder.validate response payload.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// managedFolder bundles one folder's collaborators.
type managedFolder struct {
	cfg     config.FolderConfig
	store   *store.Store
	db      *store.SemanticDB
	index   *index.Index
	pool    *embed.Pool
	manager *lifecycle.Manager
	watcher *watcher.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// Orchestrator manages the folder fleet.
type Orchestrator struct {
	cfg        *config.Manager
	bus        *fmdm.Broadcaster
	downloader *models.Downloader
	indexes    *index.Manager
	log        *slog.Logger

	mu      sync.Mutex
	folders map[string]*managedFolder
	closed  bool
}

// New creates an orchestrator. The downloader's progress events are mirrored
// onto every folder sharing the model.
func New(cfg *config.Manager, bus *fmdm.Broadcaster, downloader *models.Downloader, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		cfg:        cfg,
		bus:        bus,
		downloader: downloader,
		indexes:    index.NewManager(),
		log:        log.With(slog.String("component", "orchestrator")),
		folders:    make(map[string]*managedFolder),
	}
	downloader.OnProgress(o.mirrorDownload)
	return o
}

// Indexes exposes the per-folder index manager for search surfaces.
func (o *Orchestrator) Indexes() *index.Manager { return o.indexes }

// Folders returns the managed folder paths.
func (o *Orchestrator) Folders() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	paths := make([]string, 0, len(o.folders))
	for p := range o.folders {
		paths = append(paths, p)
	}
	return paths
}

// Store returns the cache store of a managed folder.
func (o *Orchestrator) Store(path string) (*store.Store, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mf, ok := o.folders[path]
	if !ok {
		return nil, false
	}
	return mf.store, true
}

// DB returns the semantic database of a managed folder.
func (o *Orchestrator) DB(path string) (*store.SemanticDB, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mf, ok := o.folders[path]
	if !ok {
		return nil, false
	}
	return mf.db, true
}

// Validate checks a prospective folder path without mutating anything. The
// would-be folder name defaults to the path's base name.
func (o *Orchestrator) Validate(path string) ValidationResult {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ValidationResult{Errors: []ValidationIssue{{Kind: "not_exists", Message: err.Error()}}}
	}
	return o.validateResolved(abs, filepath.Base(abs))
}

// validateResolved runs the full rule set against a resolved path and an
// explicit name.
func (o *Orchestrator) validateResolved(abs, name string) ValidationResult {
	var res ValidationResult

	info, err := os.Stat(abs)
	switch {
	case os.IsNotExist(err):
		res.Errors = append(res.Errors, ValidationIssue{Kind: "not_exists",
			Message: fmt.Sprintf("%s does not exist", abs)})
	case os.IsPermission(err):
		res.Errors = append(res.Errors, ValidationIssue{Kind: "permission_denied",
			Message: fmt.Sprintf("%s is not readable", abs)})
	case err != nil:
		res.Errors = append(res.Errors, ValidationIssue{Kind: "not_exists", Message: err.Error()})
	case !info.IsDir():
		res.Errors = append(res.Errors, ValidationIssue{Kind: "not_directory",
			Message: fmt.Sprintf("%s is not a directory", abs)})
	}

	if isSystemPath(abs) {
		res.Errors = append(res.Errors, ValidationIssue{Kind: "permission_denied",
			Message: fmt.Sprintf("%s is a system directory", abs)})
	}

	o.mu.Lock()
	for existing := range o.folders {
		switch {
		case existing == abs:
			res.Errors = append(res.Errors, ValidationIssue{Kind: "duplicate",
				Message: fmt.Sprintf("%s is already managed", abs)})
		case isDescendant(abs, existing):
			res.Errors = append(res.Errors, ValidationIssue{Kind: "subfolder",
				Message: fmt.Sprintf("%s is inside managed folder %s", abs, existing)})
		case isDescendant(existing, abs):
			res.Warnings = append(res.Warnings, ValidationIssue{Kind: "ancestor",
				Message: fmt.Sprintf("%s contains managed folder %s", abs, existing)})
		}
	}
	o.mu.Unlock()

	// Names are unique across the whole configured fleet, disabled folders
	// included.
	for _, f := range o.cfg.Get().Folders {
		if f.Name == name && f.Path != abs {
			res.Errors = append(res.Errors, ValidationIssue{Kind: "duplicate",
				Message: fmt.Sprintf("folder name %q is already used by %s", name, f.Path)})
			break
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// codeForIssue maps a validation failure kind onto the error taxonomy.
func codeForIssue(kind string) string {
	switch kind {
	case "duplicate":
		return errors.ErrCodeDuplicateFolder
	case "subfolder":
		return errors.ErrCodeFolderConflict
	case "permission_denied":
		return errors.ErrCodeFilePermission
	default:
		return errors.ErrCodeInvalidPath
	}
}

// Add brings a folder under management and starts its lifecycle. The call
// returns once the folder is registered; scanning and indexing proceed in
// the background.
func (o *Orchestrator) Add(ctx context.Context, path, name, modelID string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidPath, "resolving folder path")
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	if res := o.validateResolved(abs, name); !res.Valid {
		first := res.Errors[0]
		return errors.Newf(codeForIssue(first.Kind), "folder rejected: %s", first.Message)
	}

	folderCfg := config.NewFolderConfig(abs, name, modelID)
	if err := models.Validate(folderCfg.Model); err != nil {
		return err
	}

	if err := o.cfg.Update(func(d *config.Document) error {
		d.Folders = append(d.Folders, folderCfg)
		return nil
	}); err != nil {
		return err
	}

	mf, err := o.buildFolder(folderCfg)
	if err != nil {
		// Roll the config entry back; the folder never started.
		_ = o.cfg.Update(func(d *config.Document) error {
			for i, f := range d.Folders {
				if f.Path == abs {
					d.Folders = append(d.Folders[:i], d.Folders[i+1:]...)
					break
				}
			}
			return nil
		})
		return err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.teardown(mf)
		return errors.New(errors.ErrCodeInternal, "orchestrator closed")
	}
	o.folders[abs] = mf
	o.mu.Unlock()

	o.bus.UpsertFolder(fmdm.Folder{
		Path:   abs,
		Name:   name,
		Model:  folderCfg.Model,
		Status: lifecycle.StatePending,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	mf.cancel = cancel
	go o.runFolder(runCtx, mf)
	return nil
}

// buildFolder constructs a folder's collaborators without starting them.
func (o *Orchestrator) buildFolder(folderCfg config.FolderConfig) (*managedFolder, error) {
	st, err := store.Open(folderCfg.Path)
	if err != nil {
		return nil, err
	}

	db, err := store.OpenSemanticDB(st.DBPath())
	if err != nil {
		return nil, err
	}

	model, _ := models.Get(folderCfg.Model)
	dims := model.Dimensions
	if model.Backend != models.BackendBuiltin {
		// Non-builtin runtimes embed through the same deterministic engine
		// until a native runtime is wired; dimensions follow the engine.
		dims = embed.HashDimensions
	}

	pool, err := embed.NewPool(embed.HashFactory, embed.PoolConfig{
		MaxBatch:      folderCfg.Perf.BatchSize,
		QueryPrefix:   model.QueryPrefix,
		PassagePrefix: model.PassagePrefix,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	// The extractor scores candidates outside the pool so enrichment never
	// competes with indexing for pool workers. The cache is cleared per
	// document by the lifecycle manager.
	extEmbedder, err := embed.HashFactory(embed.DefaultThreads)
	if err != nil {
		pool.Close()
		db.Close()
		return nil, err
	}
	cachedExt := embed.NewCached(extEmbedder, embed.DefaultCacheSize)

	ix, err := index.LoadOrRebuild(st.VectorsDir(), index.Config{
		FolderPath: folderCfg.Path,
		ModelID:    folderCfg.Model,
		Dimensions: dims,
	}, func() ([]index.VectorRecord, error) {
		stored, err := st.AllVectors()
		if err != nil {
			return nil, err
		}
		records := make([]index.VectorRecord, 0, len(stored))
		for _, rec := range stored {
			if rec.Model != folderCfg.Model {
				continue
			}
			records = append(records, index.VectorRecord{
				OwnerHash:  rec.OwnerHash,
				ChunkIndex: rec.ChunkIndex,
				Vector:     rec.Vector,
			})
		}
		return records, nil
	})
	if err != nil {
		pool.Close()
		db.Close()
		return nil, err
	}

	manager := lifecycle.NewManager(
		lifecycle.Config{
			FolderPath:     folderCfg.Path,
			ModelID:        folderCfg.Model,
			ModelBackend:   string(model.Backend),
			MaxConcurrency: folderCfg.Perf.MaxConcurrency,
			IgnorePatterns: folderCfg.EffectiveExcludes(),
		},
		lifecycle.Deps{
			Store:     st,
			DB:        db,
			Index:     ix,
			Pool:      pool,
			Extractor: semantic.NewExtractor(cachedExt, semantic.Options{CandidateCap: candidateCap(model)}),
			Log:       o.log,
		},
	)

	mf := &managedFolder{
		cfg:     folderCfg,
		store:   st,
		db:      db,
		index:   ix,
		pool:    pool,
		manager: manager,
		done:    make(chan struct{}),
	}

	manager.OnEvent(func(ev lifecycle.Event) { o.onLifecycleEvent(mf, ev) })
	return mf, nil
}

// runFolder drives one folder: model download, full lifecycle run, then the
// watcher loop until removal or shutdown.
func (o *Orchestrator) runFolder(ctx context.Context, mf *managedFolder) {
	defer close(mf.done)
	path := mf.cfg.Path

	if !o.downloader.Present(mf.cfg.Model) {
		_ = mf.manager.SetDownloadingModel(true)
		o.bus.SetStatus(path, lifecycle.StateDownloadingModel)
		o.bus.SetNotification(path, &fmdm.Notification{
			Message:  fmt.Sprintf("downloading model %s", mf.cfg.Model),
			Severity: "info",
		})

		if err := o.downloader.Ensure(ctx, mf.cfg.Model); err != nil {
			o.log.Error("model download failed",
				slog.String("folder", path), slog.String("model", mf.cfg.Model), slog.Any("error", err))
			o.bus.SetStatus(path, lifecycle.StateError)
			o.bus.SetNotification(path, &fmdm.Notification{Message: err.Error(), Severity: "error"})
			return
		}
		_ = mf.manager.SetDownloadingModel(false)
		o.bus.SetStatus(path, lifecycle.StatePending)
		o.bus.SetNotification(path, nil)
	}

	if err := mf.manager.Run(ctx); err != nil {
		o.log.Error("folder lifecycle failed", slog.String("folder", path), slog.Any("error", err))
		return
	}

	if err := mf.manager.PersistIndex(); err != nil {
		o.log.Warn("persisting index", slog.String("folder", path), slog.Any("error", err))
	}

	o.watchLoop(ctx, mf)
}

// watchLoop consumes watcher events until cancellation, applying each batch
// incrementally and re-persisting the index afterwards.
func (o *Orchestrator) watchLoop(ctx context.Context, mf *managedFolder) {
	w, err := watcher.New(mf.cfg.Path, watcher.Options{
		IgnorePatterns: mf.cfg.EffectiveExcludes(),
	}, o.log)
	if err != nil {
		o.log.Error("starting watcher", slog.String("folder", mf.cfg.Path), slog.Any("error", err))
		return
	}
	mf.watcher = w
	go func() { _ = w.Start(ctx) }()
	defer func() { _ = w.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.Events():
			batch := []watcher.Event{ev}
			// Drain whatever arrived in the same debounce flush.
			for len(w.Events()) > 0 {
				batch = append(batch, <-w.Events())
			}
			if err := mf.manager.ApplyChanges(ctx, batch); err != nil {
				o.log.Warn("applying changes", slog.String("folder", mf.cfg.Path), slog.Any("error", err))
				continue
			}
			if err := mf.manager.PersistIndex(); err != nil {
				o.log.Warn("persisting index", slog.String("folder", mf.cfg.Path), slog.Any("error", err))
			}
		case werr := <-w.Errors():
			o.log.Warn("watcher error", slog.String("folder", mf.cfg.Path), slog.Any("error", werr))
		}
	}
}

// Remove stops a folder and evicts all of its derived state.
func (o *Orchestrator) Remove(path string, deleteCache bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidPath, "resolving folder path")
	}

	o.mu.Lock()
	mf, ok := o.folders[abs]
	if !ok {
		o.mu.Unlock()
		return errors.Newf(errors.ErrCodeInvalidPath, "folder not managed: %s", abs)
	}
	delete(o.folders, abs)
	o.mu.Unlock()

	mf.manager.Stop()
	if mf.cancel != nil {
		mf.cancel()
		<-mf.done
	}

	o.indexes.Detach(abs)
	if deleteCache {
		if err := mf.store.Destroy(); err != nil {
			o.log.Warn("deleting folder cache", slog.String("folder", abs), slog.Any("error", err))
		}
	}
	o.teardown(mf)

	if err := o.cfg.Update(func(d *config.Document) error {
		for i, f := range d.Folders {
			if f.Path == abs {
				d.Folders = append(d.Folders[:i], d.Folders[i+1:]...)
				return nil
			}
		}
		return nil
	}); err != nil {
		return err
	}

	o.bus.RemoveFolder(abs)
	return nil
}

// Restore brings every enabled folder from the configuration under
// management, for daemon startup.
func (o *Orchestrator) Restore(ctx context.Context) {
	for _, folderCfg := range o.cfg.Get().Folders {
		if !folderCfg.Enabled {
			continue
		}
		mf, err := o.buildFolder(folderCfg)
		if err != nil {
			o.log.Error("restoring folder", slog.String("folder", folderCfg.Path), slog.Any("error", err))
			o.bus.UpsertFolder(fmdm.Folder{
				Path: folderCfg.Path, Name: folderCfg.Name, Model: folderCfg.Model,
				Status:       lifecycle.StateError,
				Notification: &fmdm.Notification{Message: err.Error(), Severity: "error"},
			})
			continue
		}

		o.mu.Lock()
		o.folders[folderCfg.Path] = mf
		o.mu.Unlock()

		o.bus.UpsertFolder(fmdm.Folder{
			Path: folderCfg.Path, Name: folderCfg.Name, Model: folderCfg.Model,
			Status: lifecycle.StatePending,
		})

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		mf.cancel = cancel
		go o.runFolder(runCtx, mf)
	}
}

// Close shuts every folder down.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	folders := make([]*managedFolder, 0, len(o.folders))
	for path, mf := range o.folders {
		folders = append(folders, mf)
		delete(o.folders, path)
	}
	o.mu.Unlock()

	for _, mf := range folders {
		mf.manager.Stop()
		if mf.cancel != nil {
			mf.cancel()
			<-mf.done
		}
		o.indexes.Detach(mf.cfg.Path)
		o.teardown(mf)
	}
}

func (o *Orchestrator) teardown(mf *managedFolder) {
	if err := mf.pool.Close(); err != nil {
		o.log.Warn("closing embedding pool", slog.Any("error", err))
	}
	if err := mf.db.Close(); err != nil {
		o.log.Warn("closing semantic db", slog.Any("error", err))
	}
}

// onLifecycleEvent mirrors lifecycle notifications into the FMDM document.
func (o *Orchestrator) onLifecycleEvent(mf *managedFolder, ev lifecycle.Event) {
	switch ev.Kind {
	case lifecycle.EventStateChange:
		if ev.Next == lifecycle.StateActive {
			// Attach before the active state is visible: a client that
			// sees an active folder must be able to search it.
			o.indexes.Attach(mf.cfg.Path, mf.index)
		}
		o.bus.SetStatus(ev.FolderPath, ev.Next)
	case lifecycle.EventScanProgress:
		o.bus.SetScanningProgress(ev.FolderPath, ev.Scan)
	case lifecycle.EventScanComplete:
		o.bus.SetScanningProgress(ev.FolderPath, nil)
		o.bus.SetProgress(ev.FolderPath, ev.Progress)
	case lifecycle.EventChangesDetected, lifecycle.EventProgress, lifecycle.EventIndexComplete:
		o.bus.SetProgress(ev.FolderPath, ev.Progress)
	case lifecycle.EventError:
		if ev.Err != nil {
			o.bus.SetNotification(ev.FolderPath, &fmdm.Notification{
				Message:  ev.Err.Error(),
				Severity: "error",
			})
		}
	}
}

// mirrorDownload fans model-download progress onto folders via the FMDM.
func (o *Orchestrator) mirrorDownload(ev models.ProgressEvent) {
	percent := 0
	if ev.Total > 0 {
		percent = int(ev.Downloaded * 100 / ev.Total)
	}

	switch ev.Kind {
	case models.DownloadStart:
		o.bus.SetDownloadProgress(ev.ModelID, 0, &fmdm.Notification{
			Message:  fmt.Sprintf("downloading model %s", ev.ModelID),
			Severity: "info",
		})
	case models.DownloadProgress:
		o.bus.SetDownloadProgress(ev.ModelID, percent, nil)
	case models.DownloadComplete:
		o.bus.SetDownloadProgress(ev.ModelID, 100, &fmdm.Notification{
			Message:  fmt.Sprintf("model %s ready", ev.ModelID),
			Severity: "info",
		})
	case models.DownloadError:
		o.bus.SetDownloadProgress(ev.ModelID, percent, &fmdm.Notification{
			Message:  ev.Message,
			Severity: "error",
		})
	}
}

// candidateCap picks the enrichment candidate cap for a model: sequential
// embedders get the tighter cap.
func candidateCap(m models.Model) int {
	if m.BatchCapable {
		return semantic.CandidateCapBatch
	}
	return semantic.CandidateCapCPU
}

func isSystemPath(abs string) bool {
	clean := filepath.ToSlash(filepath.Clean(abs))
	if clean == "/" {
		return true
	}
	for _, prefix := range systemPrefixes {
		if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
			return true
		}
	}
	return false
}

// isDescendant reports whether child lives under parent.
func isDescendant(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}
