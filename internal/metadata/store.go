// Package metadata persists resource freshness metadata across process
// restarts. Only metadata is stored, never resource payloads, so the
// file stays small no matter how large the cache grows.
//
// Durability model: every write lands in a temp file that is atomically
// renamed over the target, so a reader never observes a partial
// document. A bounded number of prior versions are kept as rotating
// backups; Open falls back through them, and finally to an empty set,
// rather than failing startup on corruption.
package metadata

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tracklab/projectsync/internal/resource"
)

// timeNow is a package-level variable for testability.
var timeNow = time.Now

const (
	// FileName is the metadata file name under the data directory.
	FileName = "metadata.json"
	// fileVersion guards against reading documents from a future layout.
	fileVersion = 1
)

// ErrVersionRegression is returned by Save when a write would lower a
// resource's stored version.
var ErrVersionRegression = errors.New("metadata version regression")

// fileDoc is the on-disk document shape.
type fileDoc struct {
	Version int                 `json:"version"`
	SavedAt time.Time           `json:"saved_at"`
	Entries []resource.Metadata `json:"entries"`
}

// Stats reports the adapter's persisted footprint.
type Stats struct {
	Entries   int       `json:"entries"`
	SizeBytes int64     `json:"size_bytes"`
	LastWrite time.Time `json:"last_write"`
}

// Store is the metadata persistence adapter.
type Store struct {
	mu        sync.Mutex
	path      string
	backups   int
	compress  bool
	entries   map[string]resource.Metadata
	lastWrite time.Time
	log       *zap.Logger
}

// Open creates the data directory if needed and loads the metadata set,
// falling back to the newest valid backup, then to empty. Open never
// fails because of a corrupt file, only on filesystem-level errors
// creating the directory.
func Open(dir string, backups int, compress bool, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}
	if backups < 0 {
		backups = 0
	}
	if log == nil {
		log = zap.NewNop()
	}

	name := FileName
	if compress {
		name += ".gz"
	}
	s := &Store{
		path:     filepath.Join(dir, name),
		backups:  backups,
		compress: compress,
		entries:  make(map[string]resource.Metadata),
		log:      log,
	}
	s.load()
	return s, nil
}

// load populates s.entries from the primary file or the newest valid
// backup. All candidates invalid means starting empty.
func (s *Store) load() {
	candidates := []string{s.path}
	for i := 1; i <= s.backups; i++ {
		candidates = append(candidates, s.backupPath(i))
	}

	for i, path := range candidates {
		doc, err := s.readDoc(path)
		if err != nil {
			if !os.IsNotExist(err) {
				s.log.Warn("metadata file unreadable, trying next candidate",
					zap.String("path", path), zap.Error(err))
			}
			continue
		}
		for _, m := range doc.Entries {
			s.entries[m.Key()] = m
		}
		if i > 0 {
			s.log.Warn("metadata restored from backup", zap.String("path", path))
		}
		s.lastWrite = doc.SavedAt
		return
	}

	s.log.Info("no valid metadata file found, starting empty")
}

// readDoc reads and structurally validates one candidate file.
func (s *Store) readDoc(path string) (*fileDoc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if s.compress {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	if doc.Version != fileVersion {
		return nil, fmt.Errorf("unsupported metadata file version %d", doc.Version)
	}
	for _, m := range doc.Entries {
		if m.ResourceID == "" || m.ResourceType == "" {
			return nil, errors.New("metadata entry missing resource id or type")
		}
	}
	return &doc, nil
}

// Save upserts one metadata entry and persists the full set. A write
// that would lower the stored version for a resource is rejected.
func (s *Store) Save(m resource.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[m.Key()]; ok && m.Version < prev.Version {
		return fmt.Errorf("%w: %s has version %d, refusing %d",
			ErrVersionRegression, m.Key(), prev.Version, m.Version)
	}
	s.entries[m.Key()] = m
	return s.persistLocked()
}

// SaveAll upserts a batch of entries with a single persist. Entries that
// would regress a version are skipped with a warning instead of failing
// the batch.
func (s *Store) SaveAll(batch []resource.Metadata) error {
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range batch {
		if prev, ok := s.entries[m.Key()]; ok && m.Version < prev.Version {
			s.log.Warn("skipping metadata version regression",
				zap.String("key", m.Key()),
				zap.Int64("stored", prev.Version),
				zap.Int64("offered", m.Version))
			continue
		}
		s.entries[m.Key()] = m
	}
	return s.persistLocked()
}

// Get returns the stored metadata for one resource.
func (s *Store) Get(t resource.Type, id string) (resource.Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.entries[resource.Key(t, id)]
	return m, ok
}

// All returns a copy of the full metadata set keyed by "<type>/<id>".
func (s *Store) All() map[string]resource.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]resource.Metadata, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Stats reports entry count, on-disk size, and last write time.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Entries: len(s.entries), LastWrite: s.lastWrite}
	if info, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	return stats
}

// persistLocked writes the full set: temp file, fsync, backup rotation,
// atomic rename. Caller holds s.mu.
func (s *Store) persistLocked() error {
	now := timeNow().UTC()
	doc := fileDoc{Version: fileVersion, SavedAt: now, Entries: make([]resource.Metadata, 0, len(s.entries))}
	for _, m := range s.entries {
		doc.Entries = append(doc.Entries, m)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := s.writeFile(tmp, data); err != nil {
		return err
	}

	s.rotateBackups()

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing metadata file: %w", err)
	}
	s.lastWrite = now
	return nil
}

// writeFile writes data (gzipped when configured) and syncs it to disk
// before close, so the subsequent rename publishes complete bytes.
func (s *Store) writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp metadata file: %w", err)
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if s.compress {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing metadata: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return fmt.Errorf("flushing gzip stream: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing metadata: %w", err)
	}
	return nil
}

// rotateBackups shifts path → .bak.1 → .bak.2 → ... dropping the oldest.
// Rotation failures are logged, not fatal; the primary write proceeds.
func (s *Store) rotateBackups() {
	if s.backups <= 0 {
		return
	}
	// Oldest first so each rename target is free.
	_ = os.Remove(s.backupPath(s.backups))
	for i := s.backups - 1; i >= 1; i-- {
		if err := os.Rename(s.backupPath(i), s.backupPath(i+1)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("rotating metadata backup", zap.Int("slot", i), zap.Error(err))
		}
	}
	if err := os.Rename(s.path, s.backupPath(1)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("archiving previous metadata file", zap.Error(err))
	}
}

func (s *Store) backupPath(i int) string {
	return fmt.Sprintf("%s.bak.%d", s.path, i)
}
