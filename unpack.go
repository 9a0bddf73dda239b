package archivist

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// DefaultMaxEntrySize bounds a single extracted file.
const DefaultMaxEntrySize = 512 << 20

var (
	zipMagic  = []byte("PK\x03\x04")
	zipEmpty  = []byte("PK\x05\x06")
	gzipMagic = []byte{0x1f, 0x8b}
)

// unpack extracts the container at srcPath into dstDir. Zip archives and
// gzip-compressed tarballs are recognized by their magic bytes; anything
// else is ErrCorrupt. Entries that would land outside dstDir are rejected.
func unpack(srcPath, dstDir string, maxEntry int64) error {
	if maxEntry <= 0 {
		maxEntry = DefaultMaxEntrySize
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return wrapKind(ErrStorageIO, err)
	}
	defer f.Close()

	head := make([]byte, 4)
	n, _ := io.ReadFull(f, head)
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, zipEmpty):
		fi, err := f.Stat()
		if err != nil {
			return wrapKind(ErrStorageIO, err)
		}
		return extractZip(f, fi.Size(), dstDir, maxEntry)
	case bytes.HasPrefix(head, gzipMagic):
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return wrapKind(ErrStorageIO, err)
		}
		return extractTarGz(f, dstDir, maxEntry)
	default:
		return fmt.Errorf("%w: unrecognized payload container", ErrCorrupt)
	}
}

// entryPath resolves name inside dstDir, refusing anything that escapes it.
func entryPath(dstDir, name string) (string, error) {
	name = filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %q escapes destination", ErrCorrupt, name)
	}
	return filepath.Join(dstDir, name), nil
}

func extractZip(r io.ReaderAt, size int64, dstDir string, maxEntry int64) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return wrapKind(ErrCorrupt, fmt.Errorf("read zip: %w", err))
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return wrapKind(ErrStorageIO, err)
	}

	for _, zf := range zr.File {
		target, err := entryPath(dstDir, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return wrapKind(ErrStorageIO, err)
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return wrapKind(ErrCorrupt, fmt.Errorf("open %s: %w", zf.Name, err))
		}
		err = writeEntry(target, rc, maxEntry)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTarGz(r io.Reader, dstDir string, maxEntry int64) error {
	gzr, err := gzip.NewReader(bufio.NewReader(r))
	if err != nil {
		return wrapKind(ErrCorrupt, fmt.Errorf("read gzip: %w", err))
	}
	defer gzr.Close()

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return wrapKind(ErrStorageIO, err)
	}

	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return wrapKind(ErrCorrupt, fmt.Errorf("read tar: %w", err))
		}

		target, err := entryPath(dstDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return wrapKind(ErrStorageIO, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, maxEntry); err != nil {
				return err
			}
		}
	}
}

// writeEntry copies at most maxEntry bytes of r into path. A longer entry
// is ErrCorrupt; the partial file is left for the caller to discard with
// the unit.
func writeEntry(path string, r io.Reader, maxEntry int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return wrapKind(ErrStorageIO, err)
	}
	out, err := os.Create(path)
	if err != nil {
		return wrapKind(ErrStorageIO, err)
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(r, maxEntry+1))
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return wrapKind(ErrStorageIO, err)
		}
		return wrapKind(ErrCorrupt, fmt.Errorf("extract %s: %w", filepath.Base(path), err))
	}
	if n > maxEntry {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrCorrupt, filepath.Base(path), maxEntry)
	}
	return out.Close()
}
