package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/google/uuid"
	mlerrors "github.com/mldata/mldata/internal/errors"
)

// BagName is the name a file gets inside a bag: its last two path
// components.
func BagName(path string) string {
	dir, base := filepath.Split(filepath.Clean(path))
	parent := filepath.Base(filepath.Clean(dir))
	if parent == "." || parent == string(filepath.Separator) || parent == "" {
		return base
	}
	return parent + "/" + base
}

// BagOfStuff packs files into a tar.bz2 at dest. The output depends only on
// file names and contents: entries are sorted by name and carry a zero
// mtime, fixed mode and no owner.
func BagOfStuff(files []string, dest string) (err error) {
	type entry struct{ name, path string }
	entries := make([]entry, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		name := BagName(f)
		if seen[name] {
			return mlerrors.NewWriteError("tar.bz2", fmt.Sprintf("two files map to %q", name), nil)
		}
		seen[name] = true
		entries = append(entries, entry{name: name, path: f})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	tmp := fmt.Sprintf("%s.tmp-%s", dest, uuid.New().String()[:8])
	out, err := os.Create(tmp)
	if err != nil {
		return mlerrors.NewWriteError("tar.bz2", "cannot create bag", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()

	bz, err := bzip2.NewWriter(out, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		return mlerrors.NewWriteError("tar.bz2", "cannot start compressor", err)
	}
	tw := tar.NewWriter(bz)
	for _, e := range entries {
		if err = addFile(tw, e.name, e.path); err != nil {
			return mlerrors.NewWriteError("tar.bz2", "cannot add "+e.path, err)
		}
	}
	if err = tw.Close(); err != nil {
		return mlerrors.NewWriteError("tar.bz2", "cannot finish tar", err)
	}
	if err = bz.Close(); err != nil {
		return mlerrors.NewWriteError("tar.bz2", "cannot finish compression", err)
	}
	if err = out.Close(); err != nil {
		return mlerrors.NewWriteError("tar.bz2", "cannot close bag", err)
	}
	if err = os.Rename(tmp, dest); err != nil {
		return mlerrors.NewWriteError("tar.bz2", "cannot move bag into place", err)
	}
	return nil
}

func addFile(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     st.Size(),
		Mode:     0644,
		ModTime:  time.Unix(0, 0),
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
