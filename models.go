package archivist

import (
	"fmt"
	"strings"
)

// Tag is a single catalog tag attached to a record.
type Tag struct {
	// Slug is the catalog path segment for the tag (e.g., "full-color")
	Slug string `cbor:"1,keyasint" json:"slug"`

	// Name is the human-readable tag name (e.g., "Full Color")
	Name string `cbor:"2,keyasint" json:"name"`
}

// Record represents one ingested catalog item's metadata.
//
// A stored record is only ever replaced as a whole; there are no
// partial-field updates.
type Record struct {
	// ID is the catalog identifier and the store's primary key
	ID uint32 `cbor:"1,keyasint" json:"id"`

	// Name is the item title
	Name string `cbor:"2,keyasint" json:"name"`

	// Creator is the primary artist or author
	Creator string `cbor:"3,keyasint" json:"creator"`

	// Parody is the free-text parody or category
	Parody string `cbor:"4,keyasint" json:"parody"`

	// Tags in catalog order; slugs are unique within a record
	Tags []Tag `cbor:"5,keyasint" json:"tags"`

	// Pages is the page count reported by the catalog
	Pages uint16 `cbor:"6,keyasint" json:"pages"`

	// OriginURL is the catalog page the record was read from
	OriginURL string `cbor:"7,keyasint" json:"origin_url"`

	// PayloadURL is where the item's archive can be downloaded
	PayloadURL string `cbor:"8,keyasint" json:"payload_url"`
}

// TagNames returns the display names of all tags.
func (r *Record) TagNames() []string {
	names := make([]string, 0, len(r.Tags))
	for _, t := range r.Tags {
		names = append(names, t.Name)
	}
	return names
}

// Validate checks the invariants a record must satisfy before it is stored.
func (r *Record) Validate() error {
	if r.ID == 0 {
		return fmt.Errorf("record has no id")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("record %d has no name", r.ID)
	}
	seen := make(map[string]bool, len(r.Tags))
	for _, t := range r.Tags {
		if seen[t.Slug] {
			return fmt.Errorf("record %d has duplicate tag slug %q", r.ID, t.Slug)
		}
		seen[t.Slug] = true
	}
	return nil
}

// PrettyLine returns a one-line "[creator] name" summary.
func (r *Record) PrettyLine() string {
	return fmt.Sprintf("[%s] %s", r.Creator, r.Name)
}

// ViewKind selects one alias view over the canonical storage.
type ViewKind int

const (
	// ViewTag groups canonical units by tag display name.
	ViewTag ViewKind = iota
	// ViewCreator groups canonical units by creator.
	ViewCreator
)

// ViewKinds lists every alias view.
var ViewKinds = []ViewKind{ViewTag, ViewCreator}

func (k ViewKind) String() string {
	switch k {
	case ViewTag:
		return "tag"
	case ViewCreator:
		return "creator"
	default:
		return fmt.Sprintf("ViewKind(%d)", int(k))
	}
}

// dirName is the on-disk directory name of the view root.
func (k ViewKind) dirName() string {
	switch k {
	case ViewTag:
		return "by_tag"
	case ViewCreator:
		return "by_creator"
	default:
		return "by_unknown"
	}
}

// ParseViewKind parses "tag" or "creator".
func ParseViewKind(s string) (ViewKind, error) {
	switch strings.ToLower(s) {
	case "tag", "tags":
		return ViewTag, nil
	case "creator", "creators", "artist":
		return ViewCreator, nil
	}
	return 0, fmt.Errorf("unknown view %q", s)
}

// keysFor returns the view keys a record is filed under.
func (k ViewKind) keysFor(r *Record) []string {
	switch k {
	case ViewTag:
		return r.TagNames()
	case ViewCreator:
		if r.Creator == "" {
			return nil
		}
		return []string{r.Creator}
	}
	return nil
}
