// Package storage keeps a history of pipeline runs.
// Supports two backends: file and memory.
package storage

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"siope-etl/db/ingestion"
	"siope-etl/internal/errors"
)

// Backend is a storage backend type
type Backend string

const (
	BackendFile   Backend = "file"
	BackendMemory Backend = "memory"
)

// Run statuses
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Store is the storage interface
type Store interface {
	// Save stores a run record, assigning an ID when it has none
	Save(ctx context.Context, record *RunRecord) error

	// Get retrieves a run by ID
	Get(ctx context.Context, id string) (*RunRecord, error)

	// List returns runs newest first
	List(ctx context.Context, filter *ListFilter) ([]*RunRecord, error)

	// Delete removes a run
	Delete(ctx context.Context, id string) error

	// Latest returns the most recent run
	Latest(ctx context.Context) (*RunRecord, error)

	// Close closes the store
	Close() error
}

// RunRecord is a stored pipeline run
type RunRecord struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Duration time.Duration `json:"duration"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`

	Stages []StageRecord `json:"stages"`

	// Metadata carries run options such as the database and year
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StageRecord is one stage of a stored run
type StageRecord struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Status   string        `json:"status"`
	Jobs     []JobRecord   `json:"jobs"`
}

// JobRecord is one job of a stored stage
type JobRecord struct {
	Name     string          `json:"name"`
	Duration time.Duration   `json:"duration"`
	Stats    json.RawMessage `json:"stats,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ListFilter filters run listing
type ListFilter struct {
	Status string
	Since  time.Time
	Limit  int
}

func (f *ListFilter) match(r *RunRecord) bool {
	if f == nil {
		return true
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && r.Started.Before(f.Since) {
		return false
	}
	return true
}

// FromResult converts a pipeline result into a record
func FromResult(result *ingestion.Result, metadata map[string]string) (*RunRecord, error) {
	record := &RunRecord{
		ID:       result.RunID.String(),
		Started:  result.Started,
		Finished: result.Finished,
		Duration: result.Duration(),
		Status:   status(result.Err),
		Metadata: metadata,
	}
	if result.Err != nil {
		record.Error = result.Err.Error()
	}

	for _, stage := range result.Stages {
		sr := StageRecord{Name: stage.Name, Duration: stage.Duration, Status: status(stage.Err)}
		for _, job := range stage.Jobs {
			jr := JobRecord{Name: job.Name, Duration: job.Duration}
			if job.Stats != nil {
				raw, err := json.Marshal(job.Stats)
				if err != nil {
					return nil, errors.Internal("encoding stats of "+job.Name, err)
				}
				jr.Stats = raw
			}
			if job.Err != nil {
				jr.Error = job.Err.Error()
			}
			sr.Jobs = append(sr.Jobs, jr)
		}
		record.Stages = append(record.Stages, sr)
	}
	return record, nil
}

func status(err error) string {
	if err != nil {
		return StatusFailed
	}
	return StatusOK
}

// prepare fills the ID and timestamps of a record about to be saved
func prepare(record *RunRecord) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Started.IsZero() {
		record.Started = time.Now()
	}
	if record.Status == "" {
		record.Status = StatusOK
	}
}

// newestFirst sorts, filters and truncates records
func newestFirst(records []*RunRecord, filter *ListFilter) []*RunRecord {
	var out []*RunRecord
	for _, r := range records {
		if filter.match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Started.After(out[j].Started)
	})
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// FileStore is a file-based storage backend, one JSON file per run
type FileStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewFileStore creates a file store
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, errors.Wrapf(errors.TypeStore, err, "creating history directory %s", basePath)
	}
	return &FileStore{basePath: basePath}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.basePath, id+".json")
}

func (s *FileStore) Save(ctx context.Context, record *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepare(record)
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Internal("encoding run record", err)
	}

	// Write to a temp file first so readers never see a partial record
	tmp := s.path(record.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Store("writing run record", err)
	}
	if err := os.Rename(tmp, s.path(record.ID)); err != nil {
		return errors.Store("committing run record", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.read(s.path(id), id)
}

func (s *FileStore) read(path, id string) (*RunRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFound("run", id)
	}
	if err != nil {
		return nil, errors.Store("reading run record", err)
	}

	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.Parsing("decoding run record "+id, err)
	}
	return &record, nil
}

func (s *FileStore) List(ctx context.Context, filter *ListFilter) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, errors.Store("reading history directory", err)
	}

	var records []*RunRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		record, err := s.read(filepath.Join(s.basePath, name), strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // Skip unreadable records
		}
		records = append(records, record)
	}
	return newestFirst(records, filter), nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return errors.NotFound("run", id)
	}
	if err != nil {
		return errors.Store("deleting run record", err)
	}
	return nil
}

func (s *FileStore) Latest(ctx context.Context) (*RunRecord, error) {
	records, err := s.List(ctx, &ListFilter{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.NotFound("run", "latest")
	}
	return records[0], nil
}

func (s *FileStore) Close() error {
	return nil
}

// MemoryStore is an in-memory storage backend (for testing)
type MemoryStore struct {
	records map[string]*RunRecord
	mu      sync.RWMutex
}

// NewMemoryStore creates a memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*RunRecord),
	}
}

func (s *MemoryStore) Save(ctx context.Context, record *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepare(record)
	s.records[record.ID] = record
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, errors.NotFound("run", id)
	}
	return record, nil
}

func (s *MemoryStore) List(ctx context.Context, filter *ListFilter) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*RunRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record)
	}
	return newestFirst(records, filter), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return errors.NotFound("run", id)
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context) (*RunRecord, error) {
	records, _ := s.List(ctx, &ListFilter{Limit: 1})
	if len(records) == 0 {
		return nil, errors.NotFound("run", "latest")
	}
	return records[0], nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// StoreFactory creates stores by backend type
func StoreFactory(backend Backend, path string) (Store, error) {
	switch backend {
	case BackendFile:
		if path == "" {
			path = ".siope-etl/runs"
		}
		return NewFileStore(path)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, errors.Newf(errors.TypeConfig, "unsupported history backend: %s", backend)
	}
}

// Ensure interfaces are implemented
var _ io.Closer = (*FileStore)(nil)
var _ io.Closer = (*MemoryStore)(nil)
var _ Store = (*FileStore)(nil)
var _ Store = (*MemoryStore)(nil)
