package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/polzovatel/nlflow/internal/action"
)

// Version tags the persisted document. Bump it whenever entry semantics
// change; a mismatch on load discards everything.
const Version = "2"

// Entry is one remembered plan. Instruction keeps the caller's wording;
// the key uses its normalized form.
type Entry struct {
	PagePattern         string          `json:"pagePattern"`
	Instruction         string          `json:"instruction"`
	Actions             []action.Action `json:"actions"`
	Reasoning           string          `json:"reasoning,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	LastSuccessAt       time.Time       `json:"lastSuccessAt"`
	SuccessCount        int             `json:"successCount"`
	ConsecutiveFailures int             `json:"consecutiveFailureCount"`
	Seq                 uint64          `json:"seq"`
}

// Document is the whole persisted cache.
type Document struct {
	Version      string            `json:"version"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastModified time.Time         `json:"lastModified"`
	Entries      map[string]*Entry `json:"entries"`
}

// Store loads and saves the cache document. Load returns (nil, nil) when
// nothing has been stored yet.
type Store interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
	String() string
}

// IOError reports a failed read or write of the persisted cache. The cache
// logs it and keeps working in memory.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

var pathLocks sync.Map // path -> *sync.Mutex

func lockFor(path string) *sync.Mutex {
	mu, _ := pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// FileStore keeps the document as JSON on disk. Writers to the same path
// serialize through a process-wide lock and replace the file atomically.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &FileStore{Path: path}
}

func (s *FileStore) String() string { return s.Path }

func (s *FileStore) Load(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mu := lockFor(s.Path)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "read", Path: s.Path, Err: err}
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &IOError{Op: "decode", Path: s.Path, Err: err}
	}
	return &doc, nil
}

func (s *FileStore) Save(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &IOError{Op: "encode", Path: s.Path, Err: err}
	}
	mu := lockFor(s.Path)
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".cache-*.json")
	if err != nil {
		return &IOError{Op: "write", Path: s.Path, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return &IOError{Op: "write", Path: s.Path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return &IOError{Op: "write", Path: s.Path, Err: err}
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		os.Remove(tmp.Name())
		return &IOError{Op: "rename", Path: s.Path, Err: err}
	}
	return nil
}

// MemoryStore keeps the last saved document in memory. Used by tests and
// when persistence is disabled.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func (s *MemoryStore) String() string { return "memory" }

func (s *MemoryStore) Load(ctx context.Context) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	var doc Document
	if err := json.Unmarshal(s.data, &doc); err != nil {
		return nil, &IOError{Op: "decode", Path: "memory", Err: err}
	}
	return &doc, nil
}

func (s *MemoryStore) Save(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return &IOError{Op: "encode", Path: "memory", Err: err}
	}
	s.mu.Lock()
	s.data = data
	s.saves++
	s.mu.Unlock()
	return nil
}

// Saves reports how many times Save succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
