package archivist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCatalog serves archive metadata, tag listings and zip payloads.
type fakeCatalog struct {
	t     *testing.T
	metas map[uint32]archiveMeta
	pages map[string][][]uint32

	mu       sync.Mutex
	fetched  []uint32
	agents   []string
	payloads map[uint32][]byte
}

func newFakeCatalog(t *testing.T) (*fakeCatalog, *httptest.Server) {
	f := &fakeCatalog{
		t:        t,
		metas:    map[uint32]archiveMeta{},
		pages:    map[string][][]uint32{},
		payloads: map[uint32][]byte{},
	}
	srv := httptest.NewServer(f.routes())
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeCatalog) add(srvURL string, id uint32, title, artist string, tags ...string) {
	m := archiveMeta{
		ID:          id,
		Title:       title,
		Pages:       2,
		DownloadURL: fmt.Sprintf("%s/download/%d.zip", srvURL, id),
		Artists:     []sluggedMeta{{Slug: strings.ToLower(artist), Name: artist}},
	}
	for _, tag := range tags {
		m.Tags = append(m.Tags, sluggedMeta{Slug: strings.ReplaceAll(tag, " ", "-"), Name: tag})
	}
	f.metas[id] = m
	f.payloads[id] = zipBytes(f.t, map[string]string{"001.jpg": title})
}

func (f *fakeCatalog) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/archive/{file}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.agents = append(f.agents, r.UserAgent())
		f.mu.Unlock()

		id, err := strconv.ParseUint(strings.TrimSuffix(chi.URLParam(r, "file"), ".json"), 10, 32)
		m, ok := f.metas[uint32(id)]
		if err != nil || !ok {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		f.fetched = append(f.fetched, uint32(id))
		f.mu.Unlock()
		json.NewEncoder(w).Encode(m)
	})
	r.Get("/tags/{file}", func(w http.ResponseWriter, r *http.Request) {
		tag := strings.TrimSuffix(chi.URLParam(r, "file"), ".json")
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		pages, ok := f.pages[tag]
		if !ok {
			http.NotFound(w, r)
			return
		}
		ids := []uint32{}
		if page >= 1 && page <= len(pages) {
			ids = pages[page-1]
		}
		json.NewEncoder(w).Encode(map[string][]uint32{"archives": ids})
	})
	r.Get("/download/{file}", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseUint(strings.TrimSuffix(chi.URLParam(r, "file"), ".zip"), 10, 32)
		data, ok := f.payloads[uint32(id)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	})
	return r
}

func newTestCatalog(t *testing.T, baseURL string) *Catalog {
	t.Helper()
	c, err := NewCatalog(CatalogConfig{BaseURL: baseURL, UserAgent: "archivist-test"}, nil)
	require.NoError(t, err)
	return c
}

func TestCatalogFetchItem(t *testing.T) {
	f, srv := newFakeCatalog(t)
	f.add(srv.URL, 42, "Summer Days", "Alice", "english", "full color")
	c := newTestCatalog(t, srv.URL)

	item, err := c.FetchItem(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, &Record{
		ID:         42,
		Name:       "Summer Days",
		Creator:    "Alice",
		Parody:     "original",
		Pages:      2,
		Tags:       []Tag{{Slug: "english", Name: "english"}, {Slug: "full-color", Name: "full color"}},
		OriginURL:  srv.URL + "/archive/42",
		PayloadURL: srv.URL + "/download/42.zip",
	}, item.Record)
	assert.Equal(t, []string{"archivist-test"}, f.agents)

	rc, size, err := item.Payload.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(len(f.payloads[42])), size)

	_, err = c.FetchItem(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogRecordRequiresArtist(t *testing.T) {
	m := archiveMeta{ID: 1, Title: "x", Parodies: []sluggedMeta{{Name: "p"}}}
	_, err := m.record("")
	assert.Error(t, err)

	m.Artists = []sluggedMeta{{Name: "a"}}
	rec, err := m.record("")
	require.NoError(t, err)
	assert.Equal(t, "p", rec.Parody)
}

func TestCatalogServerErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestCatalog(t, srv.URL).FetchItem(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestCatalogTagSourceIngest(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeCatalog(t)
	f.add(srv.URL, 1, "One", "Alice", "english")
	f.add(srv.URL, 2, "Two", "Bob", "english")
	f.add(srv.URL, 3, "Three", "Alice", "english")
	f.pages["english"] = [][]uint32{{3, 2}, {1, 404}}
	c := newTestCatalog(t, srv.URL)
	a := openTestArchive(t, Options{})

	skip := func(id uint32) bool {
		ok, _ := a.Contains(id)
		return ok
	}
	report, err := a.Ingest(ctx, c.TagSource("english", skip), nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 2, 1}, recordIDs(report.Added))
	assert.Empty(t, report.Failed)

	recs, err := a.WithAllTags(ctx, []string{"english"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, recordIDs(recs))

	// Stored ids are not fetched again on a second walk.
	f.fetched = nil
	report, err = a.Ingest(ctx, c.TagSource("english", skip), nil)
	require.NoError(t, err)
	assert.Empty(t, report.Added)
	assert.Empty(t, f.fetched)
}

func TestCatalogTagSourceMissingTag(t *testing.T) {
	_, srv := newFakeCatalog(t)
	c := newTestCatalog(t, srv.URL)
	a := openTestArchive(t, Options{})

	_, err := a.Ingest(context.Background(), c.TagSource("nope", nil), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
