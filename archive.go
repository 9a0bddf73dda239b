package archivist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Archive is a local archive store rooted at one base directory. It owns
// the record store, the search index, the alias views and the ingestion
// journal. Reads are safe for concurrent use; ingestion and reindex are
// meant to run one at a time.
type Archive struct {
	layout   Layout
	records  *RecordStore
	views    *Views
	journal  *Journal
	metrics  *Metrics
	log      *zap.Logger
	maxEntry int64

	mu    sync.RWMutex // guards index swaps during ResetIndex
	index *Index
}

// Options configures Open.
type Options struct {
	// Dir is the archive base directory. Required.
	Dir string

	Logger *zap.Logger

	// Registerer, if set, receives the archive's Prometheus collectors.
	Registerer prometheus.Registerer

	// RecordCacheSize bounds the decoded record cache.
	RecordCacheSize int

	// MaxEntrySize bounds each file extracted from a payload.
	MaxEntrySize int64

	// NoJournal disables the ingestion journal.
	NoJournal bool
}

// Open opens or creates the archive at opts.Dir.
func Open(opts Options) (*Archive, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("archive dir is required")
	}
	base, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve archive dir: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics, err := NewMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	layout := Layout{Base: base}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	a := &Archive{
		layout:   layout,
		views:    NewViews(layout, log),
		metrics:  metrics,
		log:      log,
		maxEntry: opts.MaxEntrySize,
	}
	if a.records, err = OpenRecordStore(layout.RecordsDir(), opts.RecordCacheSize); err != nil {
		return nil, err
	}
	if a.index, err = OpenIndex(layout.IndexDir(), metrics); err != nil {
		a.records.Close()
		return nil, err
	}
	if !opts.NoJournal {
		if a.journal, err = OpenJournal(layout.JournalPath()); err != nil {
			a.index.Close()
			a.records.Close()
			return nil, err
		}
	}
	return a, nil
}

// Close flushes the index and closes every store.
func (a *Archive) Close() error {
	var err error
	ix := a.idx()
	err = multierr.Append(err, ix.Flush(context.Background()))
	err = multierr.Append(err, ix.Close())
	err = multierr.Append(err, a.records.Close())
	if a.journal != nil {
		err = multierr.Append(err, a.journal.Close())
	}
	return err
}

func (a *Archive) idx() *Index {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index
}

// Root returns the archive base directory.
func (a *Archive) Root() string { return a.layout.Base }

// Layout returns the path layout of the archive.
func (a *Archive) Layout() Layout { return a.layout }

// Journal returns the ingestion journal, or nil when disabled.
func (a *Archive) Journal() *Journal { return a.journal }

// Metrics returns the archive's collectors.
func (a *Archive) Metrics() *Metrics { return a.metrics }

// FetchByID returns the stored record for id.
func (a *Archive) FetchByID(id uint32) (*Record, error) {
	return a.records.Get(id)
}

// Contains reports whether a record for id is stored.
func (a *Archive) Contains(id uint32) (bool, error) {
	return a.records.Contains(id)
}

// Search runs a query against the index and resolves the hits. Ids whose
// record cannot be loaded are logged and dropped.
func (a *Archive) Search(ctx context.Context, query string, defaultFields []string, limit int) ([]*Record, error) {
	ids, err := a.idx().Search(ctx, query, defaultFields, limit)
	if err != nil {
		return nil, err
	}
	return a.resolve(ids), nil
}

// WithAllTags returns the records carrying every tag in tags, in ascending
// id order. An empty tag set matches nothing.
func (a *Archive) WithAllTags(ctx context.Context, tags []string) ([]*Record, error) {
	ids, err := a.idx().FindWithAllTags(ctx, tags)
	if err != nil {
		return nil, err
	}
	return a.resolve(ids), nil
}

// SuggestTags returns indexed tags close to term.
func (a *Archive) SuggestTags(ctx context.Context, term string, n int) ([]string, error) {
	return a.idx().SuggestTags(ctx, term, n)
}

func (a *Archive) resolve(ids []uint32) []*Record {
	recs := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := a.records.Get(id)
		if err != nil {
			a.log.Warn("Dropping search hit", zap.Uint32("id", id), zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

// HasArchive reports whether the canonical unit of id exists on disk.
func (a *Archive) HasArchive(id uint32) bool {
	fi, err := os.Stat(a.layout.CanonicalDir(id))
	return err == nil && fi.IsDir()
}

// IsComplete reports whether the canonical unit of id was fully unpacked.
func (a *Archive) IsComplete(id uint32) bool {
	_, err := os.Stat(filepath.Join(a.layout.CanonicalDir(id), completeMarker))
	return err == nil
}

// CanonicalDir returns the canonical unit path of id.
func (a *Archive) CanonicalDir(id uint32) string { return a.layout.CanonicalDir(id) }

// AliasDir returns the directory holding every alias for key in a view.
func (a *Archive) AliasDir(kind ViewKind, key string) string { return a.layout.AliasDir(kind, key) }

// AliasPath returns rec's alias path for key in a view.
func (a *Archive) AliasPath(kind ViewKind, key string, rec *Record) string {
	return a.layout.AliasPath(kind, key, rec)
}

// RenderedFile returns the rendered document path of id.
func (a *Archive) RenderedFile(id uint32) string { return a.layout.RenderedFile(id) }

// RenderedAliasFile returns rec's rendered alias path for key in a view.
func (a *Archive) RenderedAliasFile(kind ViewKind, key string, rec *Record) string {
	return a.layout.RenderedAliasFile(kind, key, rec)
}

// ResetIndex discards the search index and starts an empty one.
func (a *Archive) ResetIndex() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.index.Close(); err != nil {
		a.log.Warn("Failed to close index before reset", zap.Error(err))
	}
	if err := os.RemoveAll(a.layout.IndexDir()); err != nil {
		return wrapKind(ErrStorageIO, fmt.Errorf("remove index: %w", err))
	}
	ix, err := OpenIndex(a.layout.IndexDir(), a.metrics)
	if err != nil {
		return err
	}
	a.index = ix
	return nil
}

// ResetView deletes the alias tree of a view.
func (a *Archive) ResetView(kind ViewKind) { a.views.Reset(kind) }

// Dangling lists aliases of a view whose canonical unit is gone.
func (a *Archive) Dangling(kind ViewKind) ([]string, error) { return a.views.Dangling(kind) }

// Prune removes dangling aliases of a view.
func (a *Archive) Prune(kind ViewKind) (int, error) { return a.views.Prune(kind) }

// Stats returns archive statistics.
func (a *Archive) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	n, err := a.records.Len()
	if err != nil {
		return nil, err
	}
	stats.Records = int64(n)

	if stats.Indexed, err = a.idx().Count(ctx); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(a.layout.IDDir())
	if err != nil {
		return nil, wrapKind(ErrStorageIO, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			stats.Units++
		}
	}

	for _, dir := range []string{a.layout.DataDir(), a.layout.RenderedDir()} {
		size, err := dirSize(dir)
		if err != nil {
			return nil, err
		}
		stats.DiskBytes += size
	}

	if a.journal != nil {
		if stats.Journal, err = a.journal.Counts(ctx); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// Stats contains statistics about the archive.
type Stats struct {
	Records   int64             `json:"records"`
	Indexed   int64             `json:"indexed"`
	Units     int64             `json:"units"`
	DiskBytes int64             `json:"disk_bytes"`
	Journal   map[Outcome]int64 `json:"journal,omitempty"`
}

// dirSize sums regular file sizes under dir without following symlinks.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrapKind(ErrStorageIO, err)
	}
	return total, nil
}
