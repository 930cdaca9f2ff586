// Package search defines the best-effort search index the scheduler feeds
// with freshly created tasks. Indexing failures never fail scheduling.
package search

import (
	"context"
	"strings"
	"sync"
)

// Document is one searchable task entry.
type Document struct {
	Name   string `json:"name"`
	TaskID string `json:"id"`
}

// Index receives documents for later retrieval. Best effort: callers log
// and swallow errors.
type Index interface {
	Put(ctx context.Context, docs []Document) error
}

// NoopIndex drops all documents.
type NoopIndex struct{}

// Put implements Index
func (NoopIndex) Put(ctx context.Context, docs []Document) error { return nil }

// MemoryIndex is an in-process index used in tests and local development.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs []Document
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Put implements Index
func (m *MemoryIndex) Put(ctx context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, docs...)
	return nil
}

// Search returns the documents whose name contains the query, newest last.
func (m *MemoryIndex) Search(query string) []Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Document
	for _, d := range m.docs {
		if strings.Contains(d.Name, query) {
			out = append(out, d)
		}
	}
	return out
}
