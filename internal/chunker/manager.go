package chunker

import (
	"sort"
	"sync"
)

// Manager owns the chunked documents of one collaboration session.
type Manager struct {
	mu        sync.RWMutex
	chunkSize int
	documents map[string]*ChunkedDocument
}

func NewManager(chunkSize int) *Manager {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Manager{
		chunkSize: chunkSize,
		documents: make(map[string]*ChunkedDocument),
	}
}

// ChunkSize is the nominal chunk size used for new documents.
func (m *Manager) ChunkSize() int {
	return m.chunkSize
}

// Document returns the document for filePath, creating an empty one if needed.
func (m *Manager) Document(filePath string) *ChunkedDocument {
	m.mu.RLock()
	doc, ok := m.documents[filePath]
	m.mu.RUnlock()
	if ok {
		return doc
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if doc, ok := m.documents[filePath]; ok {
		return doc
	}
	doc = NewChunkedDocument(filePath, m.chunkSize)
	m.documents[filePath] = doc
	return doc
}

// Lookup returns the document for filePath without creating it.
func (m *Manager) Lookup(filePath string) (*ChunkedDocument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[filePath]
	return doc, ok
}

func (m *Manager) Remove(filePath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.documents, filePath)
}

// Paths lists tracked documents in sorted order.
func (m *Manager) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.documents))
	for p := range m.documents {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Stats returns the chunk layout of every tracked document.
func (m *Manager) Stats() []Stats {
	paths := m.Paths()
	out := make([]Stats, 0, len(paths))
	for _, p := range paths {
		if doc, ok := m.Lookup(p); ok {
			out = append(out, doc.Stats())
		}
	}
	return out
}
