package statestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
)

const (
	// StateFileName is the canonical state document under the data root
	StateFileName = "alert_thresholds_state.json"

	// SchemaVersion is the current state document version
	SchemaVersion = "1.0"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// document is the on-disk layout of the state file
type document struct {
	Alerts   map[string]*domain.AlertTrack `json:"alerts"`
	Metadata domain.StoreMetadata          `json:"metadata"`
}

// loadResult carries a decoded document and how it was obtained
type loadResult struct {
	doc      *document
	corrupt  bool
	migrated bool
}

// FileStore persists AlertTrack records in a single JSON document.
// Every mutation runs under an exclusive flock and replaces the document
// with a temp-file-then-rename, so readers observe either the previous or
// the new document.
//
// The flock is held on a sibling "<state file>.lock" rather than on the
// state file itself: the rename gives the state file a new inode, and a
// lock on the old inode would no longer exclude anyone.
type FileStore struct {
	path     string
	lockPath string
	log      zerolog.Logger
	now      func() time.Time

	missingOnce sync.Once

	// serializes goroutines of this process; flock only arbitrates
	// between processes
	mu     sync.RWMutex
	closed bool
}

// Option configures a FileStore
type Option func(*FileStore)

// WithLogger sets the store logger
func WithLogger(log zerolog.Logger) Option {
	return func(s *FileStore) { s.log = log }
}

// WithClock overrides the clock used for created_at/updated_at/last_sweep_at
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

// NewFileStore opens the state file under dataRoot, creating the directory
// when needed. A document written by an older schema is migrated and
// rewritten before the store is returned.
func NewFileStore(dataRoot string, opts ...Option) (*FileStore, error) {
	if dataRoot == "" {
		return nil, domain.ConfigError("state store", "data root is required")
	}
	if err := os.MkdirAll(dataRoot, 0o750); err != nil {
		return nil, domain.StorageError("create data root", err)
	}

	path := filepath.Join(dataRoot, StateFileName)
	s := &FileStore{
		path:     path,
		lockPath: path + ".lock",
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.upgrade(); err != nil {
		return nil, err
	}
	return s, nil
}

// upgrade persists an in-place schema migration
func (s *FileStore) upgrade() error {
	return s.withExclusive(context.Background(), "upgrade", func() error {
		res, err := s.load()
		if err != nil {
			return err
		}
		if !res.migrated {
			return nil
		}
		if err := s.write(res.doc); err != nil {
			return err
		}
		s.log.Info().Str("path", s.path).Str("version", SchemaVersion).Msg("state document rewritten after migration")
		return nil
	})
}

// Path returns the canonical state file path
func (s *FileStore) Path() string {
	return s.path
}

// Get returns the stored record for alertUID, or nil, nil when absent
func (s *FileStore) Get(ctx context.Context, alertUID string) (*domain.AlertTrack, error) {
	var out *domain.AlertTrack
	err := s.withShared(ctx, "get", func() error {
		res, err := s.load()
		if err != nil {
			return err
		}
		if rec, ok := res.doc.Alerts[alertUID]; ok {
			cp := *rec
			out = &cp
		}
		return nil
	})
	return out, err
}

// Upsert performs an atomic read-modify-write of one record
func (s *FileStore) Upsert(ctx context.Context, alertUID string, fields domain.TrackFields, expectedVersion *int64) (*domain.AlertTrack, error) {
	if alertUID == "" {
		return nil, domain.StorageError("upsert", errors.New("empty alert uid"))
	}

	var out *domain.AlertTrack
	err := s.withExclusive(ctx, "upsert", func() error {
		res, err := s.load()
		if err != nil {
			return err
		}
		doc := res.doc

		existing := doc.Alerts[alertUID]
		var current int64
		if existing != nil {
			current = existing.Version
		}
		if expectedVersion != nil && *expectedVersion != current {
			return fmt.Errorf("%w: alert %s expected version %d, stored %d", domain.ErrStaleVersion, alertUID, *expectedVersion, current)
		}

		now := s.timestamp()
		rec := &domain.AlertTrack{
			AlertUID:                alertUID,
			AlertShortID:            fields.AlertShortID,
			RuleUID:                 fields.RuleUID,
			RuleName:                fields.RuleName,
			LastTriggeredAt:         truncate(fields.LastTriggeredAt),
			LastTriggeredEventCount: fields.LastTriggeredEventCount,
			TotalTriggers:           fields.TotalTriggers,
			CreatedAt:               now,
			UpdatedAt:               now,
			Version:                 current + 1,
		}
		if existing != nil {
			rec.CreatedAt = existing.CreatedAt
		}

		doc.Alerts[alertUID] = rec
		if err := s.write(doc); err != nil {
			return err
		}
		if res.corrupt {
			s.log.Warn().Str("path", s.path).Msg("corrupt state file replaced by upsert")
		}

		cp := *rec
		out = &cp
		return nil
	})
	return out, err
}

// SweepOlderThan removes records whose last trigger is strictly before cutoff
func (s *FileStore) SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.withExclusive(ctx, "sweep", func() error {
		res, err := s.load()
		if err != nil {
			return err
		}
		if res.corrupt {
			// keep the unreadable document for inspection
			s.log.Error().Str("path", s.path).Msg("skipping sweep of corrupt state file")
			return nil
		}
		doc := res.doc

		for uid, rec := range doc.Alerts {
			if rec.LastTriggeredAt.Before(cutoff) {
				delete(doc.Alerts, uid)
				removed++
			}
		}

		sweptAt := s.timestamp()
		doc.Metadata.LastSweepAt = &sweptAt
		return s.write(doc)
	})
	if err != nil {
		return 0, err
	}

	s.log.Info().
		Int("removed", removed).
		Time("cutoff", cutoff).
		Msg("state sweep completed")
	return removed, nil
}

// Stats summarizes the stored document
func (s *FileStore) Stats(ctx context.Context) (domain.StoreStats, error) {
	var stats domain.StoreStats
	err := s.withShared(ctx, "stats", func() error {
		res, err := s.load()
		if err != nil {
			return err
		}
		stats = domain.StoreStats{
			Count:         len(res.doc.Alerts),
			SchemaVersion: res.doc.Metadata.Version,
			LastSweepAt:   res.doc.Metadata.LastSweepAt,
		}
		return nil
	})
	return stats, err
}

// Close marks the store closed; later calls fail with a StorageError.
// No lock outlives a single operation, so there is nothing else to release.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) withShared(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.StorageError(op, errors.New("store closed"))
	}
	return s.withFileLock(op, false, fn)
}

func (s *FileStore) withExclusive(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.StorageError(op, errors.New("store closed"))
	}
	return s.withFileLock(op, true, fn)
}

func (s *FileStore) withFileLock(op string, exclusive bool, fn func() error) error {
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return domain.StorageError(op, fmt.Errorf("open lock file: %w", err))
	}
	defer f.Close()

	if err := lockFile(f, exclusive); err != nil {
		return domain.StorageError(op, fmt.Errorf("acquire lock: %w", err))
	}
	defer func() {
		if err := unlockFile(f); err != nil {
			s.log.Warn().Err(err).Str("op", op).Msg("failed to release state lock")
		}
	}()

	err = fn()
	if err != nil && !errors.Is(err, domain.ErrStaleVersion) && domain.KindOf(err) == "" {
		return domain.StorageError(op, err)
	}
	return err
}

// load reads the canonical document. A missing file is an empty store; a
// malformed one is logged and treated as empty without being touched.
func (s *FileStore) load() (loadResult, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.missingOnce.Do(func() {
			s.log.Info().Str("path", s.path).Msg("state file not found, starting with an empty store")
		})
		return loadResult{doc: emptyDocument()}, nil
	}
	if err != nil {
		return loadResult{}, domain.StorageError("read state", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Error().Err(err).Str("path", s.path).Msg("state file is corrupt, treating store as empty")
		return loadResult{doc: emptyDocument(), corrupt: true}, nil
	}
	if doc.Alerts == nil {
		doc.Alerts = make(map[string]*domain.AlertTrack)
	}

	if doc.Metadata.Version != SchemaVersion {
		from := doc.Metadata.Version
		if err := migrate(&doc); err != nil {
			return loadResult{}, domain.StorageError("migrate state", err)
		}
		s.log.Info().Str("from", from).Str("to", SchemaVersion).Msg("state document migrated")
		return loadResult{doc: &doc, migrated: true}, nil
	}

	return loadResult{doc: &doc}, nil
}

// write replaces the canonical document atomically
func (s *FileStore) write(doc *document) error {
	doc.Metadata.Version = SchemaVersion

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return domain.StorageError("encode state", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+StateFileName+"-*.tmp")
	if err != nil {
		return domain.StorageError("create temp state", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return domain.StorageError("write temp state", err)
	}
	if err := tmp.Sync(); err != nil {
		return domain.StorageError("sync temp state", err)
	}
	if err := tmp.Close(); err != nil {
		return domain.StorageError("close temp state", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return domain.StorageError("rename state", err)
	}
	committed = true

	syncDir(dir)
	return nil
}

func (s *FileStore) timestamp() time.Time {
	return truncate(s.now())
}

func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func emptyDocument() *document {
	return &document{
		Alerts:   make(map[string]*domain.AlertTrack),
		Metadata: domain.StoreMetadata{Version: SchemaVersion},
	}
}

// syncDir flushes the directory entry after a rename; failures are ignored
// because not every filesystem supports fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
