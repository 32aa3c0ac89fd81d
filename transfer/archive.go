package transfer

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// packDirectory tars and gzips dir into a spooled temp file so its
// compressed size is known before the offer is sent (spec.md §4.4
// "directories, a tar wrapper"). The caller owns the returned file: close it
// and remove its name once done. numFiles counts regular files only.
func packDirectory(dir string) (spool *os.File, numFiles int64, err error) {
	tmp, err := os.CreateTemp("", "wormhole-transfer-*.tar.gz")
	if err != nil {
		return nil, 0, fmt.Errorf("transfer: creating archive spool: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		numFiles++
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		cleanup()
		return nil, 0, &PathError{Op: "packing directory", Path: dir, Err: walkErr}
	}
	if err := tw.Close(); err != nil {
		cleanup()
		return nil, 0, fmt.Errorf("transfer: closing tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		cleanup()
		return nil, 0, fmt.Errorf("transfer: closing gzip writer: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, fmt.Errorf("transfer: rewinding archive spool: %w", err)
	}
	return tmp, numFiles, nil
}

// unpackDirectory extracts a tar.gz stream into destDir, anchoring every
// entry's path under destDir to refuse directory traversal regardless of
// what a malicious or buggy peer puts in the archive header.
func unpackDirectory(r io.Reader, destDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("transfer: opening archive stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("transfer: reading archive entry: %w", err)
		}

		target, err := anchoredPath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return &PathError{Op: "creating directory", Path: target, Err: err}
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return &PathError{Op: "creating directory", Path: filepath.Dir(target), Err: err}
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return &PathError{Op: "creating file", Path: target, Err: err}
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return &PathError{Op: "writing file", Path: target, Err: err}
			}
			if err := f.Close(); err != nil {
				return &PathError{Op: "closing file", Path: target, Err: err}
			}
		}
	}
}

// anchoredPath rejects entry names that are absolute or climb out through
// "../" segments, and joins every other name onto root after cleaning it as
// an absolute path, so the result cannot escape root.
func anchoredPath(root, name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("transfer: archive entry %q escapes destination directory", name)
	}
	cleaned := filepath.Clean(string(filepath.Separator) + name)
	target := filepath.Join(root, cleaned)
	if target != root && !filepathHasPrefix(target, root) {
		return "", fmt.Errorf("transfer: archive entry %q escapes destination directory", name)
	}
	return target, nil
}

func filepathHasPrefix(path, prefix string) bool {
	if len(path) < len(prefix) {
		return false
	}
	if path[:len(prefix)] != prefix {
		return false
	}
	return len(path) == len(prefix) || os.IsPathSeparator(path[len(prefix)])
}
