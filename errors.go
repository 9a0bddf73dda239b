package archivist

import "errors"

// Error kinds returned by the archive. Callers match them with errors.Is;
// the wrapped error carries the detail.
var (
	// ErrNotFound reports a missing record or canonical unit.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt reports a record that cannot be decoded or a payload
	// that cannot be extracted.
	ErrCorrupt = errors.New("corrupt")

	// ErrStorageIO reports a device or filesystem failure.
	ErrStorageIO = errors.New("storage i/o")

	// ErrInvalidQuery reports malformed search syntax.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrLinkConflict reports an alias path already taken by a different target.
	ErrLinkConflict = errors.New("link conflict")

	// ErrNetwork reports a failed metadata or payload fetch.
	ErrNetwork = errors.New("network")
)

// kindError wraps err so that it matches kind with errors.Is while keeping
// err itself reachable.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.err.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// wrapKind tags err with kind. A nil err stays nil, and an err that already
// matches kind is returned unchanged.
func wrapKind(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &kindError{kind: kind, err: err}
}
