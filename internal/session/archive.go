package session

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// archiveDir writes a gzip-compressed tar of srcDir to dstPath, excluding
// the backups subdirectory. The bundle is written to a temp file first and
// renamed into place so a crash never leaves a half-written bundle behind.
func archiveDir(srcDir, dstPath string) (int64, error) {
	tmp := dstPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == backupDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
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

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, src)
		src.Close()
		return err
	})

	if walkErr == nil {
		walkErr = tw.Close()
	} else {
		tw.Close()
	}
	if cerr := gz.Close(); walkErr == nil {
		walkErr = cerr
	}
	if cerr := f.Close(); walkErr == nil {
		walkErr = cerr
	}

	if walkErr != nil {
		os.Remove(tmp)
		return 0, walkErr
	}

	if err := os.Rename(tmp, dstPath); err != nil {
		os.Remove(tmp)
		return 0, err
	}

	info, err := os.Stat(dstPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// extractArchive unpacks the bundle at srcPath into dstDir.
// Returns the number of files and bytes written.
func extractArchive(srcPath, dstDir string) (int, int64, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, 0, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	var files int
	var written int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, written, err
		}

		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			return files, written, fmt.Errorf("unsafe path in bundle: %q", hdr.Name)
		}
		target := filepath.Join(dstDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return files, written, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return files, written, err
			}
			dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return files, written, err
			}
			n, err := io.Copy(dst, tr)
			dst.Close()
			written += n
			if err != nil {
				return files, written, err
			}
			files++
		}
	}
	return files, written, nil
}
