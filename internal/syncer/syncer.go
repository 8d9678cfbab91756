// Package syncer reconciles the local cache and metadata store with the
// remote repository. The initial sync runs every configured resource
// type concurrently under one hard time budget: a repository call that
// never returns costs its own type a timed-out entry, never the whole
// sync.
package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tracklab/projectsync/internal/cache"
	"github.com/tracklab/projectsync/internal/metadata"
	"github.com/tracklab/projectsync/internal/resource"
)

// timeNow is a package-level variable for testability.
var timeNow = time.Now

// Status classifies the outcome of syncing one resource type.
type Status string

const (
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed-out"
)

// TypeResult is the per-type outcome of a sync pass.
type TypeResult struct {
	Type    resource.Type `json:"type"`
	Status  Status        `json:"status"`
	Listed  int           `json:"listed"`
	Fetched int           `json:"fetched"`
	Failed  int           `json:"failed"`
	Error   string        `json:"error,omitempty"`
}

// Result is the outcome of one full sync pass.
type Result struct {
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Types     []TypeResult  `json:"types"`
}

// Complete reports whether every type finished without failure.
func (r Result) Complete() bool {
	for _, tr := range r.Types {
		if tr.Status != StatusSynced {
			return false
		}
	}
	return true
}

// Options configures an Orchestrator.
type Options struct {
	// Types to sync, in no particular order.
	Types []resource.Type
	// Timeout is the hard budget for one full sync pass.
	Timeout time.Duration
	// CacheTTL for entries written during sync; zero uses the cache default.
	CacheTTL time.Duration
}

// Orchestrator pulls remote state into the cache and metadata store.
type Orchestrator struct {
	repo  resource.Repository
	cache *cache.Cache
	meta  *metadata.Store
	opts  Options
	log   *zap.Logger

	mu   sync.Mutex
	last *Result
}

// New wires an orchestrator. A nil logger is replaced with a no-op one.
func New(repo resource.Repository, c *cache.Cache, m *metadata.Store, opts Options, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Orchestrator{repo: repo, cache: c, meta: m, opts: opts, log: log}
}

// PerformInitialSync syncs every configured type concurrently and
// returns within the configured budget plus scheduling slack. Types
// whose repository calls outlive the budget are reported timed-out;
// their goroutines are abandoned to finish against a canceled context.
func (o *Orchestrator) PerformInitialSync(ctx context.Context) Result {
	start := timeNow()
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	type slot struct {
		idx int
		res TypeResult
	}
	results := make([]TypeResult, len(o.opts.Types))
	done := make(chan slot, len(o.opts.Types))
	for i, t := range o.opts.Types {
		go func(i int, t resource.Type) {
			done <- slot{i, o.SyncResourceType(ctx, t)}
		}(i, t)
	}

	pending := len(o.opts.Types)
	for pending > 0 {
		select {
		case s := <-done:
			results[s.idx] = s.res
			pending--
		case <-ctx.Done():
			// Collect whatever finished in the same instant, then write
			// off the rest. The channel is buffered so stragglers can
			// still send and be garbage collected.
		drain:
			for pending > 0 {
				select {
				case s := <-done:
					results[s.idx] = s.res
					pending--
				default:
					break drain
				}
			}
			for i := range results {
				if results[i].Status == "" {
					results[i] = TypeResult{
						Type:   o.opts.Types[i],
						Status: StatusTimedOut,
						Error:  "sync budget exhausted",
					}
				}
			}
			pending = 0
		}
	}

	result := Result{StartedAt: start.UTC(), Elapsed: timeNow().Sub(start), Types: results}
	o.mu.Lock()
	o.last = &result
	o.mu.Unlock()

	for _, tr := range results {
		o.log.Info("resource type synced",
			zap.String("type", string(tr.Type)),
			zap.String("status", string(tr.Status)),
			zap.Int("listed", tr.Listed),
			zap.Int("fetched", tr.Fetched),
			zap.Int("failed", tr.Failed))
	}
	return result
}

// SyncOne runs a single resource type under the same budget as a full
// pass and records the outcome as the last result.
func (o *Orchestrator) SyncOne(ctx context.Context, t resource.Type) Result {
	start := timeNow()
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	tr := o.SyncResourceType(ctx, t)
	result := Result{StartedAt: start.UTC(), Elapsed: timeNow().Sub(start), Types: []TypeResult{tr}}
	o.mu.Lock()
	o.last = &result
	o.mu.Unlock()

	o.log.Info("resource type synced",
		zap.String("type", string(tr.Type)),
		zap.String("status", string(tr.Status)),
		zap.Int("listed", tr.Listed),
		zap.Int("fetched", tr.Fetched),
		zap.Int("failed", tr.Failed))
	return result
}

// SyncResourceType lists one type, fetches entries that are new or newer
// than the stored metadata, populates the cache, and persists metadata
// in one batch. Individual fetch failures are counted, not propagated.
func (o *Orchestrator) SyncResourceType(ctx context.Context, t resource.Type) TypeResult {
	tr := TypeResult{Type: t, Status: StatusSynced}

	summaries, err := o.repo.ListAll(ctx, t)
	if err != nil {
		tr.Status = StatusFailed
		if ctx.Err() != nil {
			tr.Status = StatusTimedOut
		}
		tr.Error = err.Error()
		return tr
	}
	tr.Listed = len(summaries)

	now := timeNow().UTC()
	batch := make([]resource.Metadata, 0, len(summaries))
	for _, sum := range summaries {
		if ctx.Err() != nil {
			tr.Status = StatusTimedOut
			tr.Error = "sync budget exhausted"
			break
		}
		if !o.needsFetch(t, sum) {
			// Unchanged entries still get a fresh SyncedAt so staleness
			// checks measure against this pass, not the original fetch.
			if m, ok := o.meta.Get(t, sum.ID); ok {
				m.SyncedAt = now
				batch = append(batch, m)
			}
			continue
		}

		res, err := o.repo.FindByID(ctx, t, sum.ID)
		if err != nil {
			tr.Failed++
			o.log.Warn("fetching resource during sync",
				zap.String("type", string(t)), zap.String("id", sum.ID), zap.Error(err))
			continue
		}

		meta := resource.Metadata{
			ResourceID:   sum.ID,
			ResourceType: t,
			LastModified: sum.LastModified,
			Version:      sum.Version,
			SyncedAt:     now,
		}
		o.cache.Set(*res, meta, o.opts.CacheTTL)
		batch = append(batch, meta)
		tr.Fetched++
	}

	if err := o.meta.SaveAll(batch); err != nil {
		tr.Status = StatusFailed
		tr.Error = err.Error()
	}
	return tr
}

// needsFetch compares a remote summary against stored metadata.
func (o *Orchestrator) needsFetch(t resource.Type, sum resource.Summary) bool {
	m, ok := o.meta.Get(t, sum.ID)
	if !ok {
		return true
	}
	if sum.Version > m.Version {
		return true
	}
	return sum.LastModified.After(m.LastModified)
}

// RunPeriodic re-syncs on the given interval until the context ends.
// Catch-up for types that timed out in the initial pass happens here and
// only here; the initial sync never retries on its own.
func (o *Orchestrator) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.PerformInitialSync(ctx)
		}
	}
}

// LastResult returns the most recent sync outcome, if any.
func (o *Orchestrator) LastResult() (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Result{}, false
	}
	return *o.last, true
}
