package bundle

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/skillhost-dev/skillhost/netutil"
)

// Pack writes dir as a gzipped tar archive. Entry names are slash-separated
// paths relative to dir; only regular files and directories are allowed, so
// a bundle can never smuggle a symlink past the unpack guards.
func Pack(dir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return fmt.Errorf("bundle entries must be regular files: %s", path)
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			header.Name += "/"
		}
		// Local account details have no business inside a bundle.
		header.Uid, header.Gid = 0, 0
		header.Uname, header.Gname = "", ""

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("pack %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("pack %s: %w", dir, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("pack %s: %w", dir, err)
	}
	return nil
}

// PackFile archives dir into a bundle file at path.
func PackFile(dir, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Pack(dir, f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// Unpack extracts a gzipped tar archive into dest. Entry paths must stay
// inside dest, entry types other than files and directories are rejected,
// and the decompressed stream is capped at limit bytes, so a hostile
// archive can neither escape the staging directory nor exhaust the disk.
func Unpack(r io.Reader, dest string, limit int64) error {
	if limit <= 0 {
		limit = DefaultMaxBundleSize
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("bundle is not a gzip archive: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(netutil.NewLimitedReader(gz, limit))
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read bundle archive: %w", err)
		}

		target, err := entryTarget(dest, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeEntry(target, tr, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeXGlobalHeader:
			// Metadata-only entry, nothing to place.
		default:
			return fmt.Errorf("bundle entry %q has unsupported type %q", header.Name, header.Typeflag)
		}
	}
}

// entryTarget maps an archive entry name to a path under dest, rejecting
// absolute names and anything that would escape dest.
func entryTarget(dest, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("bundle entry has an empty name")
	}
	local := filepath.FromSlash(name)
	if filepath.IsAbs(local) || !filepath.IsLocal(local) {
		return "", fmt.Errorf("bundle entry %q escapes the bundle directory", name)
	}
	return filepath.Join(dest, local), nil
}

func writeEntry(target string, r io.Reader, perm fs.FileMode) error {
	// The extracting user keeps read/write regardless of what the archive
	// says, so staging stays cleanable.
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o600)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
