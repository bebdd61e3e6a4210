// Package archive unwraps compressed uploads and packs unrecognised
// multi-file uploads into a single deterministic tar.bz2.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/format"
)

// maxDepth bounds nested wrappers such as a gz inside a zip.
const maxDepth = 4

// Kind returns the archive format of path from its suffix, falling back to
// magic bytes; Unknown when path is not an archive.
func Kind(path string) format.Format {
	if f := format.FromSuffix(path); f.IsArchive() {
		if f == format.Gz || f == format.Bz2 {
			// A gz or bz2 wrapping a tar is reported as the compound format.
			if inner := innerTar(path, f); inner != format.Unknown {
				return inner
			}
		}
		return f
	}
	f := format.Sniff(path)
	if f.IsArchive() {
		if inner := innerTar(path, f); inner != format.Unknown {
			return inner
		}
		return f
	}
	return format.Unknown
}

func innerTar(path string, f format.Format) format.Format {
	if f != format.Gz && f != format.Bz2 {
		return format.Unknown
	}
	fh, err := os.Open(path)
	if err != nil {
		return format.Unknown
	}
	defer fh.Close()
	r, err := decompressor(fh, f)
	if err != nil {
		return format.Unknown
	}
	defer r.Close()
	head := make([]byte, 512)
	if n, _ := io.ReadFull(r, head); n < 262 || string(head[257:262]) != "ustar" {
		return format.Unknown
	}
	if f == format.Gz {
		return format.TarGz
	}
	return format.TarBz2
}

func decompressor(r io.Reader, f format.Format) (io.ReadCloser, error) {
	switch f {
	case format.Gz, format.TarGz:
		return gzip.NewReader(r)
	case format.Bz2, format.TarBz2:
		return bzip2.NewReader(r, nil)
	}
	return io.NopCloser(r), nil
}

// Members lists the regular files inside a zip or tar archive, in archive
// order.
func Members(path string) ([]string, error) {
	var names []string
	err := walk(path, Kind(path), func(name string, _ io.Reader) error {
		names = append(names, name)
		return nil
	})
	return names, err
}

// walk calls fn for every regular member of a zip or (compressed) tar.
func walk(path string, kind format.Format, fn func(name string, r io.Reader) error) error {
	switch kind {
	case format.Zip:
		zr, err := zip.OpenReader(path)
		if err != nil {
			return mlerrors.NewExtractError(path, err)
		}
		defer zr.Close()
		for _, zf := range zr.File {
			if zf.FileInfo().IsDir() {
				continue
			}
			rc, err := zf.Open()
			if err != nil {
				return mlerrors.NewExtractError(path, err)
			}
			err = fn(zf.Name, rc)
			rc.Close()
			if err != nil {
				return err
			}
		}
		return nil

	case format.Tar, format.TarGz, format.TarBz2:
		fh, err := os.Open(path)
		if err != nil {
			return mlerrors.NewExtractError(path, err)
		}
		defer fh.Close()
		r, err := decompressor(fh, kind)
		if err != nil {
			return mlerrors.NewExtractError(path, err)
		}
		defer r.Close()
		tr := tar.NewReader(r)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return mlerrors.NewExtractError(path, err)
			}
			if hdr.Typeflag != tar.TypeReg {
				continue
			}
			if err := fn(hdr.Name, tr); err != nil {
				return err
			}
		}
	}
	return mlerrors.NewExtractError(path, fmt.Errorf("%s is not a multi-member archive", kind))
}

// Unnest unwraps a single-member zip or tar (plain or compressed), or a bare
// gz/bz2 stream, into a sibling of path and returns the new path. Archives
// with several members and non-archives come back unchanged. The caller
// removes the returned file when it differs from path.
func Unnest(ctx context.Context, path string) (string, error) {
	current := path
	for depth := 0; depth < maxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return current, err
		}
		next, err := unnestOnce(current)
		if err != nil {
			if current != path {
				os.Remove(current)
			}
			return path, err
		}
		if next == current {
			return current, nil
		}
		if current != path {
			os.Remove(current)
		}
		current = next
	}
	return current, nil
}

func unnestOnce(path string) (string, error) {
	kind := Kind(path)
	switch kind {
	case format.Unknown:
		return path, nil

	case format.Gz, format.Bz2:
		fh, err := os.Open(path)
		if err != nil {
			return "", mlerrors.NewExtractError(path, err)
		}
		defer fh.Close()
		r, err := decompressor(fh, kind)
		if err != nil {
			return "", mlerrors.NewExtractError(path, err)
		}
		defer r.Close()
		dest := siblingPath(path, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		if err := copyTo(dest, r); err != nil {
			return "", mlerrors.NewExtractError(path, err)
		}
		return dest, nil
	}

	names, err := Members(path)
	if err != nil {
		return "", err
	}
	if len(names) != 1 {
		return path, nil
	}
	dest := siblingPath(path, filepath.Base(names[0]))
	err = walk(path, kind, func(_ string, r io.Reader) error {
		return copyTo(dest, r)
	})
	if err != nil {
		if _, ok := mlerrors.Find(err, mlerrors.ErrExtract); ok {
			return "", err
		}
		return "", mlerrors.NewExtractError(path, err)
	}
	return dest, nil
}

// siblingPath returns name next to path, never path itself nor an existing
// file.
func siblingPath(path, name string) string {
	dir := filepath.Dir(path)
	if name == "" || name == "." {
		name = "unpacked"
	}
	candidate := filepath.Join(dir, name)
	for i := 1; candidate == path || exists(candidate); i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%d-%s", i, name))
	}
	return candidate
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func copyTo(dest string, r io.Reader) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

// ExtractAll unpacks every regular member of the archive at path below dir,
// keeping relative paths, and returns the extracted files sorted.
func ExtractAll(ctx context.Context, path, dir string) ([]string, error) {
	kind := Kind(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if kind == format.Gz || kind == format.Bz2 {
		fh, err := os.Open(path)
		if err != nil {
			return nil, mlerrors.NewExtractError(path, err)
		}
		defer fh.Close()
		r, err := decompressor(fh, kind)
		if err != nil {
			return nil, mlerrors.NewExtractError(path, err)
		}
		defer r.Close()
		dest := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		if err := copyTo(dest, r); err != nil {
			return nil, mlerrors.NewExtractError(path, err)
		}
		return []string{dest}, nil
	}

	var out []string
	err := walk(path, kind, func(name string, r io.Reader) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest, err := safeJoin(dir, name)
		if err != nil {
			return mlerrors.NewExtractError(path, err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		if err := copyTo(dest, r); err != nil {
			return mlerrors.NewExtractError(path, err)
		}
		out = append(out, dest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// safeJoin joins a member name below dir, rejecting names that escape it.
func safeJoin(dir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("member %q escapes the extraction directory", name)
	}
	return filepath.Join(dir, cleaned), nil
}

// Expand extracts the archive at path below dir and recursively expands
// every member that is itself an archive (jar, zip, tar, tar.gz, tar.bz2,
// gz, bz2) into a "<member>.d" directory next to it. It returns every
// non-archive file found, sorted.
func Expand(ctx context.Context, path, dir string) ([]string, error) {
	return expand(ctx, path, dir, 0)
}

func expand(ctx context.Context, path, dir string, depth int) ([]string, error) {
	files, err := ExtractAll(ctx, path, dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if depth+1 < maxDepth && Kind(f) != format.Unknown {
			nested, err := expand(ctx, f, f+".d", depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}
