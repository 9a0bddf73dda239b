// Package archivist provides a local archive store for catalog items.
//
// This package implements:
//   - A bbolt record store keyed by item id, CBOR encoded
//   - A SQLite FTS5 search index over name, creator, parody and tags
//   - Symlink views grouping canonical directories by tag and creator
//   - An idempotent, resumable ingestion pipeline with a run journal
//
// Every item owns one canonical directory under data/by_id. Records, index
// documents and aliases are kept consistent across partial failures: a
// record is indexed only after it is stored, and the index and views can be
// rebuilt from the record store at any time with Reindex.
//
// Basic usage:
//
//	a, err := archivist.Open(archivist.Options{Dir: "/path/to/archive"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer a.Close()
//
//	report, err := a.Ingest(ctx, archivist.NewSliceSource(items...), nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	recs, err := a.WithAllTags(ctx, []string{"full color", "english"})
package archivist
