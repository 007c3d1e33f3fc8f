package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeindex/codeindex/internal/codeerrors"
)

// fetchArchive extracts src.Path (.zip, .tar, or .tar.gz) into a fresh
// temp directory. No third-party archive library appears anywhere in the
// example pack, so this stays on the standard library (see DESIGN.md).
func (f *Fetcher) fetchArchive(src *ArchiveSource, cleanupOnError bool) (*Result, error) {
	if _, err := os.Stat(src.Path); err != nil {
		if os.IsNotExist(err) {
			return nil, codeerrors.Fetch("not-found", fmt.Sprintf("archive %q does not exist", src.Path), err)
		}
		return nil, codeerrors.Fetch("network", fmt.Sprintf("stat archive %q", src.Path), err)
	}

	dir, err := os.MkdirTemp("", "codeindex-fetch-*")
	if err != nil {
		return nil, codeerrors.Fetch("network", "create extraction directory", err)
	}

	var extractErr error
	switch {
	case strings.HasSuffix(src.Path, ".zip"):
		extractErr = extractZip(src.Path, dir)
	case strings.HasSuffix(src.Path, ".tar.gz"), strings.HasSuffix(src.Path, ".tgz"):
		extractErr = extractTarGz(src.Path, dir)
	case strings.HasSuffix(src.Path, ".tar"):
		extractErr = extractTar(src.Path, dir)
	default:
		extractErr = fmt.Errorf("unrecognized archive extension: %s", src.Path)
	}

	if extractErr != nil {
		if cleanupOnError {
			os.RemoveAll(dir)
		}
		return nil, codeerrors.Fetch("corrupt", fmt.Sprintf("extract archive %q", src.Path), extractErr)
	}

	absPath, err := filepath.Abs(src.Path)
	if err != nil {
		absPath = src.Path
	}

	return &Result{
		WorkingPath: dir,
		SourceKind:  "archive",
		URL:         absPath,
		cleanupPath: dir,
	}, nil
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := copyZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func copyZipEntry(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}

func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	return extractTarReader(tar.NewReader(gz), destDir)
}

func extractTar(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	return extractTarReader(tar.NewReader(f), destDir)
}

func extractTarReader(r *tar.Reader, destDir string) error {
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, r); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

// safeJoin joins destDir with an archive-relative entry name, rejecting
// paths that would escape destDir (zip-slip).
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}
