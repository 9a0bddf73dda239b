package archivist

import (
	"archive/tar"
	"bytes"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

func openTestArchive(t *testing.T, opts Options) *Archive {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	a, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func testRecord(id uint32, name, creator string, tags ...string) *Record {
	rec := &Record{
		ID:      id,
		Name:    name,
		Creator: creator,
		Parody:  "original",
		Pages:   12,
	}
	for _, tag := range tags {
		rec.Tags = append(rec.Tags, Tag{Slug: tag, Name: tag})
	}
	return rec
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range sortedKeys(files) {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func tarGzBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, name := range sortedKeys(files) {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func testItem(t *testing.T, rec *Record) *Item {
	t.Helper()
	return &Item{
		Record:  rec,
		Payload: BytesPayload(zipBytes(t, map[string]string{"001.jpg": "page one", "002.jpg": "page two"})),
	}
}

func recordIDs(recs []*Record) []uint32 {
	ids := make([]uint32, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
