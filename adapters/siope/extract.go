package siope

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"siope-etl/internal/errors"
)

// Extract unpacks every regular file of the zip at path into dir and
// returns the written paths. Entries escaping dir are rejected.
func Extract(path, dir string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(errors.TypeInput, err, "opening %s", path)
	}
	defer r.Close()

	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	var written []string
	for _, entry := range r.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		target := filepath.Join(root, filepath.FromSlash(entry.Name))
		if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return written, errors.Newf(errors.TypeInput, "archive %s: entry %s escapes %s", path, entry.Name, dir)
		}
		if err := extractFile(entry, target); err != nil {
			return written, errors.Wrapf(errors.TypeInput, err, "extracting %s from %s", entry.Name, path)
		}
		written = append(written, target)
	}
	return written, nil
}

func extractFile(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
