package archivist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Layout resolves every path under the archive base directory. All methods
// are pure; none touch the filesystem except Ensure.
//
//	data/by_id/<id>/                 canonical units
//	data/by_tag/<tag>/<name>-<id>    alias → canonical unit
//	data/by_creator/<creator>/...    alias → canonical unit
//	rendered/by_id/<id>.pdf          rendered documents (produced elsewhere)
//	rendered/by_tag/, by_creator/    rendered aliases
//	meta/records/                    record store
//	meta/index/                      search index
//	meta/journal.db                  ingestion journal
//	tmp/                             download spool
type Layout struct {
	Base string
}

// completeMarker is written into a canonical unit after a successful unpack.
const completeMarker = ".complete"

// maxNameBytes keeps alias names well under common filename limits.
const maxNameBytes = 200

func (l Layout) DataDir() string     { return filepath.Join(l.Base, "data") }
func (l Layout) RenderedDir() string { return filepath.Join(l.Base, "rendered") }
func (l Layout) MetaDir() string     { return filepath.Join(l.Base, "meta") }
func (l Layout) RecordsDir() string  { return filepath.Join(l.MetaDir(), "records") }
func (l Layout) IndexDir() string    { return filepath.Join(l.MetaDir(), "index") }
func (l Layout) JournalPath() string { return filepath.Join(l.MetaDir(), "journal.db") }
func (l Layout) TmpDir() string      { return filepath.Join(l.Base, "tmp") }

// IDDir is the root of the canonical units.
func (l Layout) IDDir() string { return filepath.Join(l.DataDir(), "by_id") }

// CanonicalDir is the canonical unit of id.
func (l Layout) CanonicalDir(id uint32) string {
	return filepath.Join(l.IDDir(), fmt.Sprint(id))
}

// ViewDir is the alias root of a view.
func (l Layout) ViewDir(kind ViewKind) string {
	return filepath.Join(l.DataDir(), kind.dirName())
}

// AliasDir is the directory grouping every alias for key in a view.
func (l Layout) AliasDir(kind ViewKind, key string) string {
	return filepath.Join(l.ViewDir(kind), Sanitize(key))
}

// AliasPath is where rec's alias for key lives in a view.
func (l Layout) AliasPath(kind ViewKind, key string, rec *Record) string {
	return filepath.Join(l.AliasDir(kind, key), aliasName(rec))
}

// RenderedFile is the rendered document of id.
func (l Layout) RenderedFile(id uint32) string {
	return filepath.Join(l.RenderedDir(), "by_id", fmt.Sprintf("%d.pdf", id))
}

// RenderedAliasFile is where rec's rendered alias for key lives in a view.
func (l Layout) RenderedAliasFile(kind ViewKind, key string, rec *Record) string {
	return filepath.Join(l.RenderedDir(), kind.dirName(), Sanitize(key), aliasName(rec)+".pdf")
}

// Ensure creates the fixed directory skeleton.
func (l Layout) Ensure() error {
	dirs := []string{
		l.IDDir(),
		l.ViewDir(ViewTag),
		l.ViewDir(ViewCreator),
		filepath.Join(l.RenderedDir(), "by_id"),
		filepath.Join(l.RenderedDir(), ViewTag.dirName()),
		filepath.Join(l.RenderedDir(), ViewCreator.dirName()),
		l.RecordsDir(),
		l.IndexDir(),
		l.TmpDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return wrapKind(ErrStorageIO, fmt.Errorf("create %s: %w", dir, err))
		}
	}
	return nil
}

func aliasName(rec *Record) string {
	suffix := fmt.Sprintf("-%d", rec.ID)
	return truncateBytes(Sanitize(rec.Name), maxNameBytes-len(suffix)) + suffix
}

// Sanitize turns an arbitrary display string into a single safe path
// element.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(s))

	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return truncateBytes(s, maxNameBytes)
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
