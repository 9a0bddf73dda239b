package archivist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Views maintains the tag and creator alias trees. Aliases are relative
// symlinks into data/by_id, so they are derived state: any view can be
// deleted and rebuilt from the record store.
type Views struct {
	layout Layout
	log    *zap.Logger
}

// NewViews returns the view layer for layout.
func NewViews(layout Layout, log *zap.Logger) *Views {
	if log == nil {
		log = zap.NewNop()
	}
	return &Views{layout: layout, log: log}
}

// Link creates one alias per tag and one for the creator of rec, all
// pointing at rec's canonical unit. The canonical unit must exist.
// Re-linking to the same target is a no-op; a path that holds anything
// else yields ErrLinkConflict and is left untouched. Every alias is
// attempted; the returned error combines the individual failures.
func (v *Views) Link(rec *Record) error {
	target := v.layout.CanonicalDir(rec.ID)
	fi, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("canonical unit %d: %w", rec.ID, ErrNotFound)
		}
		return wrapKind(ErrStorageIO, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("canonical unit %d is not a directory: %w", rec.ID, ErrCorrupt)
	}

	var errs error
	for _, kind := range ViewKinds {
		for _, key := range kind.keysFor(rec) {
			errs = multierr.Append(errs, v.linkOne(target, v.layout.AliasPath(kind, key, rec)))
		}
	}
	return errs
}

func (v *Views) linkOne(target, alias string) error {
	dir := filepath.Dir(alias)
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return fmt.Errorf("relative target for %s: %w", alias, err)
	}

	if fi, err := os.Lstat(alias); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(alias); err == nil && (dest == rel || dest == target) {
				return nil
			}
		}
		return fmt.Errorf("%s: %w", alias, ErrLinkConflict)
	} else if !os.IsNotExist(err) {
		return wrapKind(ErrStorageIO, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return wrapKind(ErrStorageIO, fmt.Errorf("create alias dir: %w", err))
	}
	if err := os.Symlink(rel, alias); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", alias, ErrLinkConflict)
		}
		return wrapKind(ErrStorageIO, fmt.Errorf("symlink %s: %w", alias, err))
	}
	return nil
}

// Unlink removes the aliases of rec that keep would not produce; a nil keep
// removes all of them. Only symlinks pointing at rec's canonical unit are
// touched. Key directories left empty are removed as well.
func (v *Views) Unlink(rec, keep *Record) error {
	target := v.layout.CanonicalDir(rec.ID)
	wanted := make(map[string]bool)
	if keep != nil {
		for _, kind := range ViewKinds {
			for _, key := range kind.keysFor(keep) {
				wanted[v.layout.AliasPath(kind, key, keep)] = true
			}
		}
	}

	var errs error
	for _, kind := range ViewKinds {
		for _, key := range kind.keysFor(rec) {
			alias := v.layout.AliasPath(kind, key, rec)
			if wanted[alias] {
				continue
			}
			fi, err := os.Lstat(alias)
			if err != nil {
				if !os.IsNotExist(err) {
					errs = multierr.Append(errs, err)
				}
				continue
			}
			if fi.Mode()&os.ModeSymlink == 0 {
				continue
			}
			rel, _ := filepath.Rel(filepath.Dir(alias), target)
			if dest, err := os.Readlink(alias); err != nil || (dest != rel && dest != target) {
				continue
			}
			if err := os.Remove(alias); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			os.Remove(filepath.Dir(alias)) // only succeeds when empty
		}
	}
	if errs != nil {
		return wrapKind(ErrStorageIO, errs)
	}
	return nil
}

// Reset deletes the whole alias tree of a view. Failures are logged and
// otherwise ignored; a missing tree is fine.
func (v *Views) Reset(kind ViewKind) {
	root := v.layout.ViewDir(kind)
	if err := os.RemoveAll(root); err != nil {
		v.log.Warn("Failed to reset view", zap.Stringer("view", kind), zap.String("path", root), zap.Error(err))
	}
}

// Dangling returns the aliases of a view whose target no longer resolves.
func (v *Views) Dangling(kind ViewKind) ([]string, error) {
	root := v.layout.ViewDir(kind)
	var dangling []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		if _, err := os.Stat(path); err != nil {
			dangling = append(dangling, path)
		}
		return nil
	})
	if err != nil {
		return nil, wrapKind(ErrStorageIO, err)
	}
	return dangling, nil
}

// Prune removes dangling aliases from a view and returns how many it removed.
// Key directories left empty are removed as well.
func (v *Views) Prune(kind ViewKind) (int, error) {
	dangling, err := v.Dangling(kind)
	if err != nil {
		return 0, err
	}
	var errs error
	removed := 0
	for _, path := range dangling {
		if err := os.Remove(path); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed++
		os.Remove(filepath.Dir(path)) // only succeeds when empty
	}
	if errs != nil {
		return removed, wrapKind(ErrStorageIO, errs)
	}
	return removed, nil
}
