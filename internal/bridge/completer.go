package bridge

import (
	"context"
	"sync"

	"github.com/matthewbaird/nbcopilot/internal/notebook"
	"github.com/matthewbaird/nbcopilot/internal/wire"
)

// Completer is the completion engine behind the bridge. Documents are
// identified by URI; Open and Update carry the full text.
type Completer interface {
	Open(ctx context.Context, doc notebook.Document) error
	Update(ctx context.Context, doc notebook.Document) error
	Close(ctx context.Context, uri string) error
	// Complete returns suggestions at an absolute line of doc.
	Complete(ctx context.Context, doc notebook.Document, line, character int) ([]wire.CompletionItem, error)
}

// Static is a Completer that answers every request with the same items and
// remembers the documents it was given. It serves tests and offline runs.
type Static struct {
	Items []wire.CompletionItem

	mu   sync.Mutex
	docs map[string]notebook.Document
}

// NewStatic creates a Static completer answering with items.
func NewStatic(items ...wire.CompletionItem) *Static {
	return &Static{Items: items, docs: make(map[string]notebook.Document)}
}

func (s *Static) Open(_ context.Context, doc notebook.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.URI] = doc
	return nil
}

func (s *Static) Update(_ context.Context, doc notebook.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.URI] = doc
	return nil
}

func (s *Static) Close(_ context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, uri)
	return nil
}

func (s *Static) Complete(_ context.Context, doc notebook.Document, line, character int) ([]wire.CompletionItem, error) {
	items := make([]wire.CompletionItem, len(s.Items))
	for i, it := range s.Items {
		it.DocVersion = doc.Version
		it.Position = &wire.Position{Line: line, Character: character}
		items[i] = it
	}
	return items, nil
}

// Document returns the last state seen for uri.
func (s *Static) Document(uri string) (notebook.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[uri]
	return doc, ok
}
