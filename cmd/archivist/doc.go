/*
archivist manages a local archive of catalog items.

It fetches archive metadata and payloads from a remote catalog, unpacks
each payload into a canonical directory, and keeps a record store, a
full-text index and browsable tag and creator views in sync.

# Usage

	archivist <command> [options]

# Commands

	fetch id     Fetch archives by id
	fetch tag    Fetch every archive listed under a tag
	get id       Show a stored archive
	get tag      List archives carrying every given tag
	get search   Full-text search
	dir          Print an archive directory
	reindex      Rebuild the search index and views from stored records
	status       Show archive statistics and recent failures
	serve        Serve a read-only JSON API and /metrics

# Environment

	ARCHIVIST_DIR       Archive directory (default: ~/.cache/archivist)
	ARCHIVIST_BASE_URL  Catalog base URL
	ARCHIVIST_CONFIG    Path to a YAML config file

# Fetching

Fetching is idempotent: archives already stored are skipped unless --force
is given, and an interrupted run can simply be started again.

	archivist fetch id 1234 5678
	archivist fetch tag full-color
	archivist fetch --force id 1234

# Searching

Search terms apply to name and tag unless a field is named. Terms may be
required (+term), excluded (-term), grouped, quoted, or prefixed (term*):

	archivist get search 'creator:someone +"full color" -sketch'
	archivist get search -f name,parody 'summer*'
	archivist get tag "full color" english
	archivist get -o id-path id 1234

# Views

	data/by_id/<id>/                    canonical directories
	data/by_tag/<tag>/<name>-<id>       symlinks into by_id
	data/by_creator/<creator>/...       symlinks into by_id

Views are derived state; reindex rebuilds them together with the index.
*/
package main
