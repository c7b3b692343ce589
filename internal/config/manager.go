package config

import (
	"log/slog"
	"sync"
)

// Manager serialises access to the fleet document. Update is transactional:
// the mutation runs on a copy, the copy is validated and persisted, and only
// then does it become visible and notify listeners.
type Manager struct {
	path string
	log  *slog.Logger

	mu        sync.RWMutex
	doc       Document
	listeners []func(Document)
}

// NewManager loads (or initialises) the document at path.
func NewManager(path string, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path: path,
		log:  log.With(slog.String("component", "config")),
		doc:  doc,
	}, nil
}

// Get returns a copy of the current document.
func (m *Manager) Get() Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyDoc(m.doc)
}

// OnChange registers a listener invoked with the new document after every
// successful Update.
func (m *Manager) OnChange(fn func(Document)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Update applies mutate to a copy of the document, validates it, persists
// it, and publishes the change. On any failure the previous document stays
// in effect.
func (m *Manager) Update(mutate func(*Document) error) error {
	m.mu.Lock()

	next := copyDoc(m.doc)
	if err := mutate(&next); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := Save(m.path, next); err != nil {
		m.mu.Unlock()
		return err
	}

	m.doc = next
	listeners := make([]func(Document), len(m.listeners))
	copy(listeners, m.listeners)
	published := copyDoc(next)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(published)
	}
	return nil
}

// Reload re-reads the document from disk, for SIGHUP handling. Listeners
// are notified when the document changed.
func (m *Manager) Reload() error {
	doc, err := Load(m.path)
	if err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.doc = doc
	listeners := make([]func(Document), len(m.listeners))
	copy(listeners, m.listeners)
	published := copyDoc(doc)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(published)
	}
	return nil
}
