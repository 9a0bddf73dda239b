package archivist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"
)

// Index is the full-text index over record name, creator, parody and tags.
//
// Documents live in an FTS5 table whose rowid is the record id, so there is
// exactly one document per id. Exact tag terms are kept in a side table for
// AND lookups. Writers are serialized by a weight-1 semaphore; readers run
// concurrently against the WAL.
type Index struct {
	db      *sql.DB
	writer  *semaphore.Weighted
	metrics *Metrics

	mu      sync.Mutex
	suggest *tagSuggester // rebuilt lazily after writes
	gen     uint64        // bumped by every write
}

const indexSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS archives USING fts5(
	name,
	creator,
	parody,
	tag,
	tokenize = 'unicode61 remove_diacritics 2'
);

CREATE TABLE IF NOT EXISTS archive_tags (
	tag TEXT NOT NULL,
	id  INTEGER NOT NULL,
	PRIMARY KEY (tag, id)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS archive_tags_id ON archive_tags(id);
`

// OpenIndex opens or creates the index in dir.
func OpenIndex(dir string, m *Metrics) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, wrapKind(ErrStorageIO, fmt.Errorf("create index dir: %w", err))
	}

	dsn := "file:" + filepath.Join(dir, "index.db") +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapKind(ErrStorageIO, fmt.Errorf("open index: %w", err))
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, wrapKind(ErrStorageIO, fmt.Errorf("init index schema: %w", err))
	}

	return &Index{
		db:      db,
		writer:  semaphore.NewWeighted(1),
		metrics: m,
	}, nil
}

// Close checkpoints and closes the index. The database is closed even when
// the checkpoint fails.
func (ix *Index) Close() error {
	var err error
	if _, cerr := ix.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); cerr != nil {
		err = wrapKind(ErrStorageIO, fmt.Errorf("checkpoint index: %w", cerr))
	}
	return multierr.Append(err, ix.db.Close())
}

// foldTag normalizes a tag for exact matching: lower case, single spaces.
func foldTag(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Add writes the document for rec, replacing any earlier document with the
// same id, and commits before returning.
func (ix *Index) Add(ctx context.Context, rec *Record) error {
	if err := ix.writer.Acquire(ctx, 1); err != nil {
		return err
	}
	defer ix.writer.Release(1)

	start := time.Now()
	defer ix.metrics.commit(start)

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapKind(ErrStorageIO, fmt.Errorf("begin index tx: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM archives WHERE rowid = ?", rec.ID); err != nil {
		return wrapKind(ErrStorageIO, fmt.Errorf("clear document %d: %w", rec.ID, err))
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM archive_tags WHERE id = ?", rec.ID); err != nil {
		return wrapKind(ErrStorageIO, fmt.Errorf("clear tags %d: %w", rec.ID, err))
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO archives(rowid, name, creator, parody, tag) VALUES (?, ?, ?, ?, ?)",
		rec.ID, rec.Name, rec.Creator, rec.Parody, strings.Join(rec.TagNames(), "\n"),
	)
	if err != nil {
		return wrapKind(ErrStorageIO, fmt.Errorf("insert document %d: %w", rec.ID, err))
	}

	for _, t := range rec.Tags {
		tag := foldTag(t.Name)
		if tag == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO archive_tags(tag, id) VALUES (?, ?)", tag, rec.ID); err != nil {
			return wrapKind(ErrStorageIO, fmt.Errorf("insert tag %q for %d: %w", tag, rec.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapKind(ErrStorageIO, fmt.Errorf("commit document %d: %w", rec.ID, err))
	}

	ix.mu.Lock()
	ix.suggest = nil
	ix.gen++
	ix.mu.Unlock()
	return nil
}

// Flush waits for any in-progress write and checkpoints the WAL into the
// main database file.
func (ix *Index) Flush(ctx context.Context) error {
	if err := ix.writer.Acquire(ctx, 1); err != nil {
		return err
	}
	defer ix.writer.Release(1)

	if _, err := ix.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return wrapKind(ErrStorageIO, fmt.Errorf("checkpoint index: %w", err))
	}
	return nil
}

// FindWithAllTags returns the ids of documents carrying every tag in tags.
// Tags match exactly after case folding. An empty tag set matches nothing.
func (ix *Index) FindWithAllTags(ctx context.Context, tags []string) ([]uint32, error) {
	seen := make(map[string]bool)
	var args []any
	for _, t := range tags {
		f := foldTag(t)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		args = append(args, f)
	}
	if len(args) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT id FROM archive_tags
		WHERE tag IN (%s)
		GROUP BY id
		HAVING COUNT(DISTINCT tag) = ?
		ORDER BY id
	`, strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", "))
	args = append(args, len(args))

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapKind(ErrStorageIO, fmt.Errorf("tag lookup: %w", err))
	}
	return scanIDs(rows)
}

// Search runs query against the index. Unqualified terms search
// defaultFields (all fields when empty). With limit > 0 the best limit
// documents by bm25 are returned, ties broken by ascending id; otherwise all
// matches are returned in ascending id order.
func (ix *Index) Search(ctx context.Context, query string, defaultFields []string, limit int) ([]uint32, error) {
	clauses, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	match, err := compileMatch(clauses, defaultFields)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if limit > 0 {
		rows, err = ix.db.QueryContext(ctx, `
			SELECT rowid FROM archives
			WHERE archives MATCH ?
			ORDER BY bm25(archives), rowid
			LIMIT ?
		`, match, limit)
	} else {
		rows, err = ix.db.QueryContext(ctx, `
			SELECT rowid FROM archives
			WHERE archives MATCH ?
			ORDER BY rowid
		`, match)
	}
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	return ids, nil
}

// Count returns the number of indexed documents.
func (ix *Index) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := ix.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM archives").Scan(&n); err != nil {
		return 0, wrapKind(ErrStorageIO, err)
	}
	return n, nil
}

// Tags returns every distinct folded tag in the index.
func (ix *Index) Tags(ctx context.Context) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, "SELECT DISTINCT tag FROM archive_tags ORDER BY tag")
	if err != nil {
		return nil, wrapKind(ErrStorageIO, err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, wrapKind(ErrStorageIO, err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]uint32, error) {
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uint32(id))
	}
	return ids, rows.Err()
}

// classifyQueryErr reports FTS5 parse failures as ErrInvalidQuery.
func classifyQueryErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "fts5") || strings.Contains(msg, "syntax error") || strings.Contains(msg, "no such column") {
		return wrapKind(ErrInvalidQuery, err)
	}
	return wrapKind(ErrStorageIO, err)
}
