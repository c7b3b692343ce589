// Package fmdm owns the authoritative daemon state document. Every mutation
// runs on the broadcaster's own goroutine, bumps the version, and fans the
// entire document out to every subscriber; clients never see deltas.
package fmdm

import (
	"log/slog"
	"os"
	"time"

	"github.com/foldermcp/foldermcp/internal/lifecycle"
	"github.com/foldermcp/foldermcp/internal/models"
)

// Notification is a user-facing message attached to a folder.
type Notification struct {
	Message  string `json:"message"`
	Severity string `json:"severity"` // info, warning, error
}

// Folder is one fleet entry in the state document.
type Folder struct {
	Path             string                  `json:"path"`
	Name             string                  `json:"name"`
	Model            string                  `json:"model"`
	Status           lifecycle.State         `json:"status"`
	Progress         *lifecycle.Progress     `json:"progress,omitempty"`
	ScanningProgress *lifecycle.ScanProgress `json:"scanningProgress,omitempty"`
	DownloadProgress *int                    `json:"downloadProgress,omitempty"`
	Notification     *Notification           `json:"notification,omitempty"`
}

// Client identifies one connected duplex client.
type Client struct {
	ID   string `json:"id"`
	Type string `json:"type"` // tui, cli, web
}

// DaemonInfo is the daemon block of the document.
type DaemonInfo struct {
	PID           int   `json:"pid"`
	UptimeSeconds int64 `json:"uptime"`
}

// Connections is the client block of the document.
type Connections struct {
	Count   int      `json:"count"`
	Clients []Client `json:"clients"`
}

// Snapshot is the full versioned state document.
type Snapshot struct {
	Version       uint64         `json:"version"`
	Folders       []Folder       `json:"folders"`
	Daemon        DaemonInfo     `json:"daemon"`
	Connections   Connections    `json:"connections"`
	Models        []string       `json:"models"`
	CuratedModels []models.Model `json:"curatedModels"`
}

// Broadcaster is the single writer of the state document.
type Broadcaster struct {
	mailbox chan func()
	done    chan struct{}
	log     *slog.Logger

	// All fields below are owned by the run goroutine.
	version     uint64
	folders     []Folder
	clients     []Client
	modelIDs    []string
	started     time.Time
	subscribers map[int]chan Snapshot
	nextSubID   int
}

// New starts a broadcaster. Call Close when done.
func New(log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	b := &Broadcaster{
		mailbox:     make(chan func(), 256),
		done:        make(chan struct{}),
		log:         log.With(slog.String("component", "fmdm")),
		started:     time.Now(),
		subscribers: make(map[int]chan Snapshot),
	}

	ids := make([]string, 0, len(models.All()))
	for _, m := range models.All() {
		ids = append(ids, m.ID)
	}
	b.modelIDs = ids

	go b.run()
	return b
}

func (b *Broadcaster) run() {
	for {
		select {
		case <-b.done:
			return
		case cmd := <-b.mailbox:
			cmd()
		}
	}
}

// Close stops the broadcaster and closes subscriber channels.
func (b *Broadcaster) Close() {
	b.do(func() {
		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
		}
	})
	close(b.done)
}

// do runs fn on the broadcaster goroutine and waits for it.
func (b *Broadcaster) do(fn func()) {
	doneCh := make(chan struct{})
	select {
	case b.mailbox <- func() { fn(); close(doneCh) }:
		<-doneCh
	case <-b.done:
	}
}

// Subscribe registers for snapshots. The current document arrives
// immediately; every later mutation delivers a fresh one. The returned
// function unsubscribes.
func (b *Broadcaster) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	var id int
	b.do(func() {
		id = b.nextSubID
		b.nextSubID++
		b.subscribers[id] = ch
		ch <- b.snapshotLocked()
	})

	return ch, func() {
		b.do(func() {
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}
}

// Snapshot returns a defensive copy of the current document.
func (b *Broadcaster) Snapshot() Snapshot {
	var snap Snapshot
	b.do(func() { snap = b.snapshotLocked() })
	return snap
}

// snapshotLocked builds a deep copy. Run-goroutine only.
func (b *Broadcaster) snapshotLocked() Snapshot {
	folders := make([]Folder, len(b.folders))
	for i, f := range b.folders {
		folders[i] = f
		if f.Progress != nil {
			p := *f.Progress
			folders[i].Progress = &p
		}
		if f.ScanningProgress != nil {
			sp := *f.ScanningProgress
			folders[i].ScanningProgress = &sp
		}
		if f.DownloadProgress != nil {
			dp := *f.DownloadProgress
			folders[i].DownloadProgress = &dp
		}
		if f.Notification != nil {
			n := *f.Notification
			folders[i].Notification = &n
		}
	}

	clients := make([]Client, len(b.clients))
	copy(clients, b.clients)

	modelIDs := make([]string, len(b.modelIDs))
	copy(modelIDs, b.modelIDs)

	return Snapshot{
		Version: b.version,
		Folders: folders,
		Daemon: DaemonInfo{
			PID:           os.Getpid(),
			UptimeSeconds: int64(time.Since(b.started).Seconds()),
		},
		Connections:   Connections{Count: len(clients), Clients: clients},
		Models:        modelIDs,
		CuratedModels: models.All(),
	}
}

// bump increments the version and fans the document out. A full subscriber
// buffer is logged and skipped, never evicted.
func (b *Broadcaster) bump() {
	b.version++
	snap := b.snapshotLocked()
	for id, ch := range b.subscribers {
		select {
		case ch <- snap:
		default:
			b.log.Warn("subscriber buffer full, skipping broadcast",
				slog.Int("subscriber", id), slog.Uint64("version", snap.Version))
		}
	}
}

// UpsertFolder adds or replaces a folder entry. When replacing, an existing
// notification is carried forward unless the new entry brings its own.
func (b *Broadcaster) UpsertFolder(folder Folder) {
	b.do(func() {
		for i, f := range b.folders {
			if f.Path == folder.Path {
				if folder.Notification == nil {
					folder.Notification = f.Notification
				}
				b.folders[i] = folder
				b.bump()
				return
			}
		}
		b.folders = append(b.folders, folder)
		b.bump()
	})
}

// RemoveFolder drops a folder entry.
func (b *Broadcaster) RemoveFolder(path string) {
	b.do(func() {
		for i, f := range b.folders {
			if f.Path == path {
				b.folders = append(b.folders[:i], b.folders[i+1:]...)
				b.bump()
				return
			}
		}
	})
}

// SetStatus updates one folder's lifecycle status.
func (b *Broadcaster) SetStatus(path string, status lifecycle.State) {
	b.do(func() {
		if f := b.folderLocked(path); f != nil {
			f.Status = status
			b.bump()
		}
	})
}

// SetProgress updates one folder's indexing progress.
func (b *Broadcaster) SetProgress(path string, progress lifecycle.Progress) {
	b.do(func() {
		if f := b.folderLocked(path); f != nil {
			p := progress
			f.Progress = &p
			b.bump()
		}
	})
}

// SetScanningProgress updates (or with nil clears) one folder's per-sweep
// scan progress.
func (b *Broadcaster) SetScanningProgress(path string, sp *lifecycle.ScanProgress) {
	b.do(func() {
		if f := b.folderLocked(path); f != nil {
			f.ScanningProgress = nil
			if sp != nil {
				p := *sp
				f.ScanningProgress = &p
			}
			b.bump()
		}
	})
}

// SetNotification attaches (or with nil clears) a folder notification.
func (b *Broadcaster) SetNotification(path string, n *Notification) {
	b.do(func() {
		if f := b.folderLocked(path); f != nil {
			f.Notification = n
			b.bump()
		}
	})
}

// SetDownloadProgress mirrors model-download state onto every folder using
// the model. Existing per-folder progress fields are left untouched.
func (b *Broadcaster) SetDownloadProgress(modelID string, percent int, n *Notification) {
	b.do(func() {
		changed := false
		for i := range b.folders {
			if b.folders[i].Model != modelID {
				continue
			}
			p := percent
			b.folders[i].DownloadProgress = &p
			if n != nil {
				b.folders[i].Notification = n
			}
			changed = true
		}
		if changed {
			b.bump()
		}
	})
}

// ClientJoin records a new duplex client.
func (b *Broadcaster) ClientJoin(client Client) {
	b.do(func() {
		b.clients = append(b.clients, client)
		b.bump()
	})
}

// ClientLeave removes a duplex client.
func (b *Broadcaster) ClientLeave(clientID string) {
	b.do(func() {
		for i, c := range b.clients {
			if c.ID == clientID {
				b.clients = append(b.clients[:i], b.clients[i+1:]...)
				b.bump()
				return
			}
		}
	})
}

// Tick refreshes the daemon uptime block.
func (b *Broadcaster) Tick() {
	b.do(func() { b.bump() })
}

func (b *Broadcaster) folderLocked(path string) *Folder {
	for i := range b.folders {
		if b.folders[i].Path == path {
			return &b.folders[i]
		}
	}
	return nil
}
