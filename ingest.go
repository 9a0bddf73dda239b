package archivist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Payload supplies an item's binary archive.
type Payload interface {
	// Open returns the payload stream and its size in bytes, or -1 when
	// the size is unknown.
	Open(ctx context.Context) (io.ReadCloser, int64, error)
}

// PayloadFunc adapts a function to Payload.
type PayloadFunc func(ctx context.Context) (io.ReadCloser, int64, error)

func (f PayloadFunc) Open(ctx context.Context) (io.ReadCloser, int64, error) { return f(ctx) }

// BytesPayload is an in-memory payload.
type BytesPayload []byte

func (b BytesPayload) Open(context.Context) (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

// Item is one record handed over by the crawler together with its payload.
type Item struct {
	Record  *Record
	Payload Payload
}

// Source yields items for a batch. Next returns io.EOF when exhausted.
type Source interface {
	Next(ctx context.Context) (*Item, error)
}

// SliceSource is a Source over a fixed list of items.
type SliceSource struct {
	items []*Item
	pos   int
}

// NewSliceSource returns a Source yielding items in order.
func NewSliceSource(items ...*Item) *SliceSource {
	return &SliceSource{items: items}
}

func (s *SliceSource) Next(context.Context) (*Item, error) {
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	it := s.items[s.pos]
	s.pos++
	return it, nil
}

// Stage is a step of the per-item ingestion pipeline.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageDedup    Stage = "dedup"
	StageDownload Stage = "download"
	StageUnpack   Stage = "unpack"
	StageStore    Stage = "store"
	StageLink     Stage = "link"
	StageIndex    Stage = "index"
	StageDone     Stage = "done"
)

// Outcome is the terminal state of one item.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Event reports ingestion progress. Bytes and Total are set during
// StageDownload; Total is -1 when the payload size is unknown.
type Event struct {
	ID    uint32
	Name  string
	Stage Stage
	Bytes int64
	Total int64
}

// IngestOptions controls ingestion.
type IngestOptions struct {
	// Force re-ingests ids that are already stored, replacing their
	// canonical unit and record.
	Force bool

	// Progress, if set, receives stage changes and download progress.
	Progress func(Event)
}

func (o *IngestOptions) emit(ev Event) {
	if o != nil && o.Progress != nil {
		o.Progress(ev)
	}
}

// StageError is a per-item failure tagged with the stage it happened in.
type StageError struct {
	ID    uint32
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("item %d: %s: %v", e.ID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Failure is an item excluded from a batch.
type Failure struct {
	ID    uint32
	Name  string
	Stage Stage
	Err   error
}

// BatchReport summarizes one ingestion batch.
type BatchReport struct {
	RunID     string
	Added     []*Record
	Skipped   []uint32
	Failed    []Failure
	Cancelled bool
}

// AddArchive runs the full pipeline for a single item: dedup check,
// download, unpack, store, link, index. It returns OutcomeSkipped when the
// id is already stored and opts.Force is unset, and OutcomeFailed with a
// *StageError otherwise on failure. Link failures are logged and do not fail
// the item.
func (a *Archive) AddArchive(ctx context.Context, item *Item, opts *IngestOptions) (Outcome, error) {
	return a.ingestOne(ctx, uuid.NewString(), item, opts)
}

// Ingest processes every item of src sequentially. Per-item failures are
// logged and collected in the report; they never stop the batch.
//
// ctx is the cancellation signal and is polled between items only: the
// item in flight always runs to completion. Whatever the exit path, the
// index is flushed before Ingest returns.
func (a *Archive) Ingest(ctx context.Context, src Source, opts *IngestOptions) (report *BatchReport, err error) {
	report = &BatchReport{RunID: uuid.NewString()}
	log := a.log.With(zap.String("run", report.RunID))
	work := context.WithoutCancel(ctx)

	defer func() {
		if ferr := a.idx().Flush(work); ferr != nil {
			log.Error("Failed to flush search index", zap.Error(ferr))
			if err == nil {
				err = ferr
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			report.Cancelled = true
			log.Info("Ingestion interrupted", zap.Int("added", len(report.Added)))
			return report, nil
		}

		item, nerr := src.Next(ctx)
		if nerr == io.EOF {
			break
		}
		if nerr != nil {
			if ctx.Err() != nil {
				report.Cancelled = true
				return report, nil
			}
			return report, fmt.Errorf("next item: %w", nerr)
		}
		if item == nil || item.Record == nil {
			continue
		}

		outcome, ierr := a.ingestOne(work, report.RunID, item, opts)
		switch outcome {
		case OutcomeCommitted:
			report.Added = append(report.Added, cloneRecord(item.Record))
		case OutcomeSkipped:
			report.Skipped = append(report.Skipped, item.Record.ID)
		default:
			f := Failure{ID: item.Record.ID, Name: item.Record.Name, Err: ierr}
			var se *StageError
			if errors.As(ierr, &se) {
				f.Stage = se.Stage
			}
			report.Failed = append(report.Failed, f)
		}
	}

	log.Info("Ingestion finished",
		zap.Int("added", len(report.Added)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func (a *Archive) ingestOne(ctx context.Context, runID string, item *Item, opts *IngestOptions) (Outcome, error) {
	rec := item.Record
	log := a.log.With(zap.String("run", runID), zap.Uint32("id", rec.ID), zap.String("name", rec.Name))

	finish := func(outcome Outcome, stage Stage, err error) (Outcome, error) {
		a.metrics.item(outcome)
		if a.journal != nil {
			if jerr := a.journal.Record(ctx, runID, rec, outcome, stage, err); jerr != nil {
				log.Warn("Failed to write journal entry", zap.Error(jerr))
			}
		}
		if outcome == OutcomeFailed {
			log.Error("Item excluded from batch", zap.String("stage", string(stage)), zap.Error(err))
			return outcome, &StageError{ID: rec.ID, Stage: stage, Err: err}
		}
		return outcome, nil
	}

	if err := rec.Validate(); err != nil {
		return finish(OutcomeFailed, StageFetch, err)
	}
	if item.Payload == nil {
		return finish(OutcomeFailed, StageFetch, fmt.Errorf("no payload for %d", rec.ID))
	}

	opts.emit(Event{ID: rec.ID, Name: rec.Name, Stage: StageDedup})
	prevRaw, err := a.records.getRaw(rec.ID)
	if err != nil {
		return finish(OutcomeFailed, StageDedup, err)
	}
	if prevRaw != nil && (opts == nil || !opts.Force) {
		log.Debug("Not downloading archive as it already exists")
		return finish(OutcomeSkipped, StageDedup, nil)
	}
	var prev *Record
	if prevRaw != nil {
		if prev, err = a.records.Get(rec.ID); err != nil {
			log.Warn("Replacing undecodable record", zap.Error(err))
		}
	}

	opts.emit(Event{ID: rec.ID, Name: rec.Name, Stage: StageDownload, Total: -1})
	spool, err := a.download(ctx, item, opts)
	if err != nil {
		return finish(OutcomeFailed, StageDownload, err)
	}
	defer os.Remove(spool)

	// Extract next to the spool and swap the result in only once it is
	// complete, so a bad payload never touches the current unit.
	opts.emit(Event{ID: rec.ID, Name: rec.Name, Stage: StageUnpack})
	stage, err := os.MkdirTemp(a.layout.TmpDir(), fmt.Sprintf("%d-*.unpack", rec.ID))
	if err != nil {
		return finish(OutcomeFailed, StageUnpack, wrapKind(ErrStorageIO, err))
	}
	defer os.RemoveAll(stage)
	if err := unpack(spool, stage, a.maxEntry); err != nil {
		return finish(OutcomeFailed, StageUnpack, err)
	}
	marker := []byte(time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(stage, completeMarker), marker, 0644); err != nil {
		return finish(OutcomeFailed, StageUnpack, wrapKind(ErrStorageIO, err))
	}
	backup, err := a.swapUnit(rec.ID, stage)
	if err != nil {
		return finish(OutcomeFailed, StageUnpack, err)
	}
	if backup != "" {
		defer os.RemoveAll(backup)
	}

	opts.emit(Event{ID: rec.ID, Name: rec.Name, Stage: StageStore})
	if err := a.records.Put(rec.ID, rec); err != nil {
		a.restoreUnit(rec.ID, backup, log)
		return finish(OutcomeFailed, StageStore, err)
	}

	opts.emit(Event{ID: rec.ID, Name: rec.Name, Stage: StageLink})
	if prev != nil {
		if err := a.views.Unlink(prev, rec); err != nil {
			log.Warn("Failed to remove stale aliases", zap.Error(err))
		}
	}
	if err := a.views.Link(rec); err != nil {
		log.Warn("Failed to build aliases, continuing", zap.Error(err))
	}

	opts.emit(Event{ID: rec.ID, Name: rec.Name, Stage: StageIndex})
	if err := a.idx().Add(ctx, rec); err != nil {
		// The failed add left the previous document, if any, in place: put
		// back exactly what it describes so store and index agree.
		a.rollback(rec, prev, prevRaw, backup, log)
		return finish(OutcomeFailed, StageIndex, err)
	}

	opts.emit(Event{ID: rec.ID, Name: rec.Name, Stage: StageDone})
	return finish(OutcomeCommitted, StageDone, nil)
}

// swapUnit moves the extracted stage directory into place as the canonical
// unit of id. Any existing unit is moved aside into tmp and its new path is
// returned, so the caller can restore it or delete it.
func (a *Archive) swapUnit(id uint32, stage string) (backup string, err error) {
	unit := a.layout.CanonicalDir(id)
	if _, err := os.Lstat(unit); err == nil {
		backup = stage + ".prev"
		if err := os.Rename(unit, backup); err != nil {
			return "", wrapKind(ErrStorageIO, fmt.Errorf("move aside unit %d: %w", id, err))
		}
	} else if !os.IsNotExist(err) {
		return "", wrapKind(ErrStorageIO, err)
	}

	err = os.MkdirAll(filepath.Dir(unit), 0755)
	if err == nil {
		err = os.Rename(stage, unit)
	}
	if err != nil {
		if backup != "" {
			os.Rename(backup, unit)
		}
		return "", wrapKind(ErrStorageIO, fmt.Errorf("install unit %d: %w", id, err))
	}
	return backup, nil
}

// restoreUnit undoes swapUnit: the new unit is removed and the previous
// one, if there was one, moved back.
func (a *Archive) restoreUnit(id uint32, backup string, log *zap.Logger) {
	unit := a.layout.CanonicalDir(id)
	if err := os.RemoveAll(unit); err != nil {
		log.Error("Failed to remove replaced unit", zap.Error(err))
		return
	}
	if backup == "" {
		return
	}
	if err := os.Rename(backup, unit); err != nil {
		log.Error("Failed to restore previous unit", zap.String("backup", backup), zap.Error(err))
	}
}

// rollback returns id to its state before ingestion: aliases, canonical
// unit and stored record. A first-time item is removed entirely.
func (a *Archive) rollback(rec, prev *Record, prevRaw []byte, backup string, log *zap.Logger) {
	if err := a.views.Unlink(rec, prev); err != nil {
		log.Warn("Failed to remove aliases during rollback", zap.Error(err))
	}
	a.restoreUnit(rec.ID, backup, log)

	if prevRaw == nil {
		if err := a.records.Delete(rec.ID); err != nil {
			log.Error("Failed to roll back record after index failure", zap.Error(err))
		}
		return
	}
	if err := a.records.putRaw(rec.ID, prevRaw); err != nil {
		log.Error("Failed to restore previous record after index failure", zap.Error(err))
		return
	}
	if prev != nil {
		if err := a.views.Link(prev); err != nil {
			log.Warn("Failed to restore aliases during rollback", zap.Error(err))
		}
	}
}

// download spools the payload into the tmp directory and returns the path.
func (a *Archive) download(ctx context.Context, item *Item, opts *IngestOptions) (string, error) {
	rec := item.Record
	rc, size, err := item.Payload.Open(ctx)
	if err != nil {
		return "", wrapKind(ErrNetwork, err)
	}
	defer rc.Close()

	f, err := os.CreateTemp(a.layout.TmpDir(), fmt.Sprintf("%d-*.part", rec.ID))
	if err != nil {
		return "", wrapKind(ErrStorageIO, err)
	}
	path := f.Name()

	pr := &progressReader{r: rc, total: size, fn: func(n, total int64) {
		opts.emit(Event{ID: rec.ID, Name: rec.Name, Stage: StageDownload, Bytes: n, Total: total})
	}}
	n, err := io.Copy(f, pr)
	a.metrics.downloaded(n)
	if err == nil && size >= 0 && n != size {
		pr.err = fmt.Errorf("short payload: got %d of %d bytes", n, size)
		err = pr.err
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		if pr.err != nil {
			return "", wrapKind(ErrNetwork, err)
		}
		return "", wrapKind(ErrStorageIO, err)
	}
	return path, nil
}

// progressReader counts bytes read and remembers read-side errors so they
// can be told apart from write-side ones.
type progressReader struct {
	r     io.Reader
	n     int64
	total int64
	err   error
	fn    func(n, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.n += int64(n)
	if n > 0 {
		p.fn(p.n, p.total)
	}
	if err != nil && err != io.EOF {
		p.err = err
	}
	return n, err
}

// ReindexReport summarizes a reindex run.
type ReindexReport struct {
	Records   int
	Unlinked  []uint32 // records whose aliases could not all be built
	Corrupt   []uint32 // records that could not be decoded
	Cancelled bool
}

var errReindexStopped = errors.New("reindex stopped")

// Reindex rebuilds the search index and the alias views from the record
// store, in ascending id order, without fetching anything. The record store
// itself is not modified. Cancellation is honored between records and the
// index is flushed before returning.
func (a *Archive) Reindex(ctx context.Context, progress func(id uint32, done int)) (report *ReindexReport, err error) {
	report = &ReindexReport{}
	work := context.WithoutCancel(ctx)

	for _, kind := range ViewKinds {
		a.views.Reset(kind)
	}
	if err := a.ResetIndex(); err != nil {
		return report, err
	}

	defer func() {
		if ferr := a.idx().Flush(work); ferr != nil && err == nil {
			err = ferr
		}
	}()

	err = a.records.ForEach(func(id uint32, rec *Record, rerr error) error {
		if ctx.Err() != nil {
			return errReindexStopped
		}
		if rerr != nil {
			a.log.Error("Skipping undecodable record", zap.Uint32("id", id), zap.Error(rerr))
			report.Corrupt = append(report.Corrupt, id)
			return nil
		}
		if lerr := a.views.Link(rec); lerr != nil {
			a.log.Warn("Failed to build aliases", zap.Uint32("id", id), zap.Error(lerr))
			report.Unlinked = append(report.Unlinked, id)
		}
		if ierr := a.idx().Add(work, rec); ierr != nil {
			return fmt.Errorf("index %d: %w", id, ierr)
		}
		a.metrics.reindexed()
		report.Records++
		if progress != nil {
			progress(id, report.Records)
		}
		return nil
	})
	if errors.Is(err, errReindexStopped) {
		report.Cancelled = true
		err = nil
	}
	return report, err
}
