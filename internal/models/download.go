package models

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/foldermcp/foldermcp/internal/errors"
)

// ProgressKind labels download progress events; the names are the wire
// event types pushed to duplex clients.
type ProgressKind string

const (
	DownloadStart    ProgressKind = "model_download_start"
	DownloadProgress ProgressKind = "model_download_progress"
	DownloadComplete ProgressKind = "model_download_complete"
	DownloadError    ProgressKind = "model_download_error"
)

// ProgressEvent is one download notification.
type ProgressEvent struct {
	Kind       ProgressKind `json:"type"`
	ModelID    string       `json:"modelId"`
	Downloaded int64        `json:"downloaded"`
	Total      int64        `json:"total"`
	Message    string       `json:"message,omitempty"`
}

// Downloader fetches model assets into a shared directory. A file lock
// serialises downloads across daemon instances sharing the directory.
type Downloader struct {
	dir     string
	baseURL string
	client  *http.Client
	log     *slog.Logger

	mu        sync.Mutex
	listeners []func(ProgressEvent)
	inflight  map[string]bool
}

// NewDownloader creates a downloader rooted at dir. baseURL is the asset
// host; the asset for a model lives at baseURL/<id>.bin.
func NewDownloader(dir, baseURL string, log *slog.Logger) *Downloader {
	if log == nil {
		log = slog.Default()
	}
	return &Downloader{
		dir:      dir,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 30 * time.Minute},
		log:      log.With(slog.String("component", "models")),
		inflight: make(map[string]bool),
	}
}

// OnProgress registers a progress listener.
func (d *Downloader) OnProgress(fn func(ProgressEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// AssetPath returns where a model's asset lives on disk.
func (d *Downloader) AssetPath(modelID string) string {
	return filepath.Join(d.dir, sanitize(modelID)+".bin")
}

// Present reports whether the model is usable without downloading.
func (d *Downloader) Present(modelID string) bool {
	m, ok := Get(modelID)
	if !ok {
		return false
	}
	if m.Builtin() {
		return true
	}
	info, err := os.Stat(d.AssetPath(modelID))
	return err == nil && info.Size() > 0
}

// Downloading reports whether a fetch for the model is in flight in this
// process.
func (d *Downloader) Downloading(modelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[modelID]
}

// Ensure makes the model available, downloading it if needed. Concurrent
// callers across processes serialise on a file lock; the loser of the race
// finds the asset already present and returns immediately.
func (d *Downloader) Ensure(ctx context.Context, modelID string) error {
	model, ok := Get(modelID)
	if !ok {
		return Validate(modelID)
	}
	if model.Builtin() || d.Present(modelID) {
		return nil
	}

	d.mu.Lock()
	d.inflight[modelID] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, modelID)
		d.mu.Unlock()
	}()

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileWrite, "creating model directory")
	}

	lock := flock.New(filepath.Join(d.dir, ".download.lock"))
	locked, err := lock.TryLockContext(ctx, 500*time.Millisecond)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeModelDownload, "waiting for download lock")
	}
	if !locked {
		return errors.New(errors.ErrCodeModelDownload, "download lock unavailable")
	}
	defer func() { _ = lock.Unlock() }()

	// Another process may have finished while we waited.
	if d.Present(modelID) {
		return nil
	}

	d.emit(ProgressEvent{Kind: DownloadStart, ModelID: modelID, Total: model.DownloadSize})
	if err := d.fetch(ctx, model); err != nil {
		d.emit(ProgressEvent{Kind: DownloadError, ModelID: modelID, Message: err.Error()})
		return err
	}
	d.emit(ProgressEvent{Kind: DownloadComplete, ModelID: modelID, Total: model.DownloadSize})
	return nil
}

func (d *Downloader) fetch(ctx context.Context, model Model) error {
	url := fmt.Sprintf("%s/%s.bin", d.baseURL, sanitize(model.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeModelDownload, "building download request")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeModelDownload, "downloading "+model.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf(errors.ErrCodeModelDownload,
			"downloading %s: unexpected status %d", model.ID, resp.StatusCode)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = model.DownloadSize
	}

	dest := d.AssetPath(model.ID)
	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileWrite, "creating model file")
	}

	counter := &progressWriter{
		downloader: d,
		modelID:    model.ID,
		total:      total,
	}
	if _, err := io.Copy(f, io.TeeReader(resp.Body, counter)); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrCodeModelDownload, "writing model asset")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrCodeFileWrite, "closing model file")
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrCodeFileWrite, "placing model file")
	}

	d.log.Info("model downloaded", slog.String("model", model.ID), slog.Int64("bytes", counter.written))
	return nil
}

func (d *Downloader) emit(ev ProgressEvent) {
	d.mu.Lock()
	listeners := make([]func(ProgressEvent), len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// progressWriter throttles progress events to one per 64 MiB written.
type progressWriter struct {
	downloader *Downloader
	modelID    string
	total      int64
	written    int64
	lastEmit   int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.written-p.lastEmit >= 64<<20 {
		p.lastEmit = p.written
		p.downloader.emit(ProgressEvent{
			Kind:       DownloadProgress,
			ModelID:    p.modelID,
			Downloaded: p.written,
			Total:      p.total,
		})
	}
	return len(b), nil
}

func sanitize(modelID string) string {
	out := make([]rune, 0, len(modelID))
	for _, r := range modelID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
