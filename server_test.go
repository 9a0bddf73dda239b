package archivist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiArchive struct {
	ID       uint32 `json:"id"`
	Name     string `json:"name"`
	Creator  string `json:"creator"`
	Complete bool   `json:"complete"`
	Path     string `json:"path"`
}

func newTestServer(t *testing.T) (*Archive, *prometheus.Registry, http.Handler) {
	t.Helper()
	reg := prometheus.NewRegistry()
	a := openTestArchive(t, Options{Registerer: reg})
	_, err := a.Ingest(context.Background(), NewSliceSource(
		testItem(t, testRecord(1, "Summer Days", "alice", "english", "full color")),
		testItem(t, testRecord(2, "Winter Nights", "bob", "english")),
	), nil)
	require.NoError(t, err)
	return a, reg, NewServer(a, []string{FieldName, FieldTag}, nil).Handler(reg)
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServerArchive(t *testing.T) {
	a, _, h := newTestServer(t)

	rec := get(t, h, "/api/archives/1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got apiArchive
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, apiArchive{
		ID:       1,
		Name:     "Summer Days",
		Creator:  "alice",
		Complete: true,
		Path:     a.CanonicalDir(1),
	}, got)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/archives/99").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/archives/abc").Code)
}

func TestServerSearch(t *testing.T) {
	_, _, h := newTestServer(t)

	tests := []struct {
		target string
		status int
		ids    []uint32
	}{
		{"/api/search?q=summer", http.StatusOK, []uint32{1}},
		{"/api/search?q=english", http.StatusOK, []uint32{1, 2}},
		{"/api/search?q=days+OR+winter&field=name&limit=500000", http.StatusOK, []uint32{1, 2}},
		{"/api/search?q=bob&field=creator", http.StatusOK, []uint32{2}},
		{"/api/search?q=bob", http.StatusOK, []uint32{}},
		{"/api/search?q=foo:bar", http.StatusBadRequest, nil},
		{"/api/search?q=x&field=title", http.StatusBadRequest, nil},
		{"/api/search?q=x&limit=-1", http.StatusBadRequest, nil},
		{"/api/search", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := get(t, h, tt.target)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.ids == nil {
				return
			}
			var got []apiArchive
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			ids := []uint32{}
			for _, g := range got {
				ids = append(ids, g.ID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}
}

func TestServerTags(t *testing.T) {
	_, _, h := newTestServer(t)

	rec := get(t, h, "/api/tags?tag=english&tag=Full%20Color")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []apiArchive
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, uint32(1), got[0].ID)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/tags").Code)

	rec = get(t, h, "/api/tags/suggest?q=englsh")
	require.Equal(t, http.StatusOK, rec.Code)
	var tags []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tags))
	assert.Contains(t, tags, "english")
}

func TestServerStatsAndMetrics(t *testing.T) {
	_, _, h := newTestServer(t)

	rec := get(t, h, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Records)
	assert.Equal(t, int64(2), stats.Indexed)
	assert.Equal(t, int64(2), stats.Journal[OutcomeCommitted])

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `archivist_ingest_items_total{outcome="committed"} 2`))
}
