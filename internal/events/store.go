package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// timeNow is a package-level variable for testability.
var timeNow = time.Now

const (
	// filePrefix and fileExt frame partition file names:
	// events-2026-08-27.ndjson, events-2026-08-27.2.ndjson, ...
	filePrefix = "events-"
	fileExt    = ".ndjson"
	dateLayout = "2006-01-02"

	// DefaultMaxPerFile caps events per partition segment before rolling
	// to the next sequence number, so no single file grows unbounded.
	DefaultMaxPerFile = 1000
)

// partitionRe parses "events-<date>[.<seq>].ndjson" file names.
var partitionRe = regexp.MustCompile(`^events-(\d{4}-\d{2}-\d{2})(?:\.(\d+))?\.ndjson$`)

// Stats reports the store's footprint across memory and disk.
type Stats struct {
	Total    int       `json:"total"`
	InMemory int       `json:"in_memory"`
	OnDisk   int       `json:"on_disk"`
	Oldest   time.Time `json:"oldest,omitempty"`
	Newest   time.Time `json:"newest,omitempty"`
}

// CleanupResult summarizes one retention pass.
type CleanupResult struct {
	MemoryPruned int `json:"memory_pruned"`
	FilesRemoved int `json:"files_removed"`
}

// segState tracks the open segment for one calendar day.
type segState struct {
	seq   int
	count int
}

// Store is the event store: a bounded in-memory hot buffer over
// append-only, day-and-sequence-partitioned NDJSON files. Events are
// immutable once stored and destroyed only by retention cleanup.
type Store struct {
	mu sync.Mutex

	dir        string
	maxMemory  int
	maxPerFile int
	retention  int // days

	buffer   []Event // oldest first
	inBuffer map[string]struct{}
	segments map[string]*segState // by date

	log *zap.Logger
}

// NewStore opens (creating if needed) the events directory.
func NewStore(dir string, maxMemory, retentionDays int, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating events directory: %w", err)
	}
	if maxMemory < 1 {
		maxMemory = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		dir:        dir,
		maxMemory:  maxMemory,
		maxPerFile: DefaultMaxPerFile,
		retention:  retentionDays,
		inBuffer:   make(map[string]struct{}),
		segments:   make(map[string]*segState),
		log:        log,
	}, nil
}

// StoreEvent appends an event to disk and to the hot buffer. The buffer
// deduplicates by id; the disk append path does not (readers dedupe on
// merge, buffer entries winning). A disk write failure degrades to
// memory-only and is logged, not returned; the event is still served
// from the buffer.
func (s *Store) StoreEvent(e Event) error {
	return s.StoreEvents([]Event{e})
}

// StoreEvents appends a batch of events.
func (s *Store) StoreEvents(batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before the first append so a rejected
	// batch leaves no partial state behind.
	for _, e := range batch {
		if e.ID == "" {
			return fmt.Errorf("event without id (resource %s/%s)", e.ResourceType, e.ResourceID)
		}
	}

	for _, e := range batch {
		if err := s.appendToDisk(e); err != nil {
			s.log.Warn("event disk append failed, serving from memory only",
				zap.String("event_id", e.ID), zap.Error(err))
		}
		if _, dup := s.inBuffer[e.ID]; dup {
			continue
		}
		s.buffer = append(s.buffer, e)
		s.inBuffer[e.ID] = struct{}{}
	}

	// Evict oldest past the cap; evicted events remain on disk.
	if over := len(s.buffer) - s.maxMemory; over > 0 {
		for _, e := range s.buffer[:over] {
			delete(s.inBuffer, e.ID)
		}
		s.buffer = append([]Event(nil), s.buffer[over:]...)
	}
	return nil
}

// appendToDisk writes one event as a JSON line into the partition for
// its timestamp's calendar day, rolling to a new sequence once the
// current segment reaches maxPerFile. Caller holds s.mu.
func (s *Store) appendToDisk(e Event) error {
	date := e.Timestamp.UTC().Format(dateLayout)
	seg, ok := s.segments[date]
	if !ok {
		seg = s.scanSegments(date)
		s.segments[date] = seg
	}
	if seg.count >= s.maxPerFile {
		seg.seq++
		seg.count = 0
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	f, err := os.OpenFile(s.partitionPath(date, seg.seq), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening partition: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	seg.count++
	return nil
}

// scanSegments finds the highest existing sequence for a date and its
// line count, so appends continue where a previous process left off.
func (s *Store) scanSegments(date string) *segState {
	seg := &segState{seq: 1}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return seg
	}
	for _, entry := range entries {
		d, seq, ok := parsePartitionName(entry.Name())
		if !ok || d != date {
			continue
		}
		if seq > seg.seq {
			seg.seq = seq
		}
	}
	seg.count = countLines(s.partitionPath(date, seg.seq))
	return seg
}

func (s *Store) partitionPath(date string, seq int) string {
	name := filePrefix + date + fileExt
	if seq > 1 {
		name = fmt.Sprintf("%s%s.%d%s", filePrefix, date, seq, fileExt)
	}
	return filepath.Join(s.dir, name)
}

// GetEvents returns events matching the query, newest-first. The hot
// buffer serves first; disk is consulted when the query names a time
// range or wants more than the buffer can satisfy. Merge deduplicates
// by id with buffer entries taking precedence.
func (s *Store) GetEvents(q Query) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]Event)
	bufferMatches := 0
	for _, e := range s.buffer {
		if q.matches(e) {
			merged[e.ID] = e
			bufferMatches++
		}
	}

	needDisk := q.hasTimeRange() ||
		q.Limit <= 0 ||
		q.Offset+q.Limit > bufferMatches
	if needDisk {
		diskEvents, err := s.readDisk(q)
		if err != nil {
			return nil, err
		}
		for _, e := range diskEvents {
			if _, ok := merged[e.ID]; !ok {
				merged[e.ID] = e
			}
		}
	}

	out := make([]Event, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetEventsFromTimestamp is the replay convenience: everything at or
// after ts, newest-first, up to limit.
func (s *Store) GetEventsFromTimestamp(ts time.Time, limit int) ([]Event, error) {
	return s.GetEvents(Query{From: ts, Limit: limit})
}

// readDisk loads events from every partition whose date can intersect
// the query's time range. Caller holds s.mu.
func (s *Store) readDisk(q Query) ([]Event, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading events directory: %w", err)
	}

	var out []Event
	for _, entry := range entries {
		date, _, ok := parsePartitionName(entry.Name())
		if !ok {
			continue
		}
		day, err := time.Parse(dateLayout, date)
		if err != nil {
			continue
		}
		// File-level pruning: a whole day outside the range is skipped.
		if !q.From.IsZero() && day.Add(24*time.Hour).Before(q.From) {
			continue
		}
		if !q.To.IsZero() && day.After(q.To) {
			continue
		}

		events, err := readPartition(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.log.Warn("skipping unreadable event partition",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		for _, e := range events {
			if q.matches(e) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// Cleanup removes events older than the retention window from both the
// hot buffer and disk. Disk removal is at partition granularity; a
// partition's date is its events' date, so nothing newer is lost.
func (s *Store) Cleanup() (CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result CleanupResult
	cutoff := timeNow().UTC().AddDate(0, 0, -s.retention)
	cutoffDate := cutoff.Format(dateLayout)

	// Prune the buffer in place.
	kept := s.buffer[:0]
	for _, e := range s.buffer {
		if e.Timestamp.Before(cutoff) {
			delete(s.inBuffer, e.ID)
			result.MemoryPruned++
			continue
		}
		kept = append(kept, e)
	}
	s.buffer = kept

	// Unlink partitions dated before the cutoff day.
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return result, fmt.Errorf("reading events directory: %w", err)
	}
	for _, entry := range entries {
		date, _, ok := parsePartitionName(entry.Name())
		if !ok || date >= cutoffDate {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			s.log.Warn("removing expired event partition",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		delete(s.segments, date)
		result.FilesRemoved++
	}

	if result.MemoryPruned > 0 || result.FilesRemoved > 0 {
		s.log.Info("event retention cleanup",
			zap.Int("memory_pruned", result.MemoryPruned),
			zap.Int("files_removed", result.FilesRemoved))
	}
	return result, nil
}

// Stats reports unique event counts and the observed timestamp bounds.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{InMemory: len(s.buffer)}
	seen := make(map[string]struct{}, len(s.buffer))
	var oldest, newest time.Time

	observe := func(e Event) {
		if _, dup := seen[e.ID]; dup {
			return
		}
		seen[e.ID] = struct{}{}
		if oldest.IsZero() || e.Timestamp.Before(oldest) {
			oldest = e.Timestamp
		}
		if newest.IsZero() || e.Timestamp.After(newest) {
			newest = e.Timestamp
		}
	}

	for _, e := range s.buffer {
		observe(e)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return stats, fmt.Errorf("reading events directory: %w", err)
	}
	for _, entry := range entries {
		if _, _, ok := parsePartitionName(entry.Name()); !ok {
			continue
		}
		events, err := readPartition(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		stats.OnDisk += len(events)
		for _, e := range events {
			observe(e)
		}
	}

	stats.Total = len(seen)
	stats.Oldest = oldest
	stats.Newest = newest
	return stats, nil
}

// --- helpers ---

func parsePartitionName(name string) (date string, seq int, ok bool) {
	m := partitionRe.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	seq = 1
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return "", 0, false
		}
		seq = n
	}
	return m[1], seq, true
}

// readPartition decodes one NDJSON segment. Malformed lines (for
// example a torn final line after a crash) are skipped, not fatal.
func readPartition(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n
}
