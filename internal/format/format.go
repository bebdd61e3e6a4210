// Package format names the file formats the pipeline understands and
// implements the cheap, content-free parts of detection: suffix mapping,
// magic bytes and column separator inference.
package format

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format identifies a container or dialect.
type Format string

const (
	Auto    Format = "auto"
	LibSVM  Format = "libsvm"
	ARFF    Format = "arff"
	H5      Format = "h5"
	CSV     Format = "csv"
	UCI     Format = "uci"
	Matlab  Format = "matlab"
	Octave  Format = "octave"
	XML     Format = "xml"
	R       Format = "r"
	TarGz   Format = "tar.gz"
	TarBz2  Format = "tar.bz2"
	Tar     Format = "tar"
	Zip     Format = "zip"
	Bz2     Format = "bz2"
	Gz      Format = "gz"
	Unknown Format = "unknown"
)

// Parse maps a user-supplied name to a Format. The empty string means Auto.
func Parse(name string) (Format, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Auto, true
	}
	if f, ok := suffixes[name]; ok {
		return f, true
	}
	switch Format(name) {
	case Auto, XML, R, TarGz, TarBz2, Tar, Unknown:
		return Format(name), true
	}
	return Unknown, false
}

// IsArchive reports whether f is a compression or archive wrapper.
func (f Format) IsArchive() bool {
	switch f {
	case TarGz, TarBz2, Tar, Zip, Bz2, Gz:
		return true
	}
	return false
}

// Extension returns the file extension used when storing f.
func (f Format) Extension() string {
	switch f {
	case Matlab:
		return "mat"
	case Octave:
		return "oct"
	case LibSVM:
		return "libsvm"
	case Unknown:
		return "bin"
	}
	return string(f)
}

var suffixes = map[string]Format{
	"svm":    LibSVM,
	"libsvm": LibSVM,
	"arff":   ARFF,
	"h5":     H5,
	"hdf5":   H5,
	"csv":    CSV,
	"tsv":    CSV,
	"uci":    UCI,
	"data":   UCI,
	"mat":    Matlab,
	"m":      Matlab,
	"matlab": Matlab,
	"oct":    Octave,
	"octave": Octave,
	"xml":    XML,
	"r":      R,
	"bz2":    Bz2,
	"gz":     Gz,
	"zip":    Zip,
	"tar":    Tar,
	"tgz":    TarGz,
	"tbz":    TarBz2,
	"tbz2":   TarBz2,
	"jar":    Zip,
}

// FromSuffix maps a path's extension to a Format, or Unknown.
func FromSuffix(path string) Format {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(base, ".tar.gz"):
		return TarGz
	case strings.HasSuffix(base, ".tar.bz2"):
		return TarBz2
	}
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	if f, ok := suffixes[ext]; ok {
		return f
	}
	return Unknown
}

// Magic byte prefixes.
var (
	magicZip   = []byte("PK\x03\x04")
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte("BZh")
	magicMat   = []byte("MATLAB 5.0 MAT-file")
	magicOct   = []byte("# Created by Octave")
)

// Sniff inspects leading bytes for formats recognisable by magic alone.
func Sniff(path string) Format {
	head, err := readHead(path, 512)
	if err != nil {
		return Unknown
	}
	switch {
	case bytes.HasPrefix(head, magicMat):
		return Matlab
	case bytes.HasPrefix(head, magicOct):
		return Octave
	case bytes.HasPrefix(head, magicZip):
		return Zip
	case bytes.HasPrefix(head, magicGzip):
		return Gz
	case bytes.HasPrefix(head, magicBzip2):
		return Bz2
	case len(head) > 262 && string(head[257:262]) == "ustar":
		return Tar
	}
	return Unknown
}

// IsBinary reports whether the first kilobyte of path contains a NUL byte.
func IsBinary(path string) bool {
	head, err := readHead(path, 1024)
	if err != nil {
		return false
	}
	return bytes.IndexByte(head, 0) >= 0
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	k, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:k], nil
}

// Separators are tried in this order; ties go to the earlier one.
var Separators = []string{",", " ", "\t"}

// InferSeparator returns the separator that splits the first multi-token
// line of path into the most tokens, or "" when no line splits.
func InferSeparator(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return InferSeparatorReader(f)
}

// InferSeparatorReader is InferSeparator over an open reader.
func InferSeparatorReader(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		best, bestCount := "", 1
		for _, sep := range Separators {
			if n := len(SplitLine(line, sep)); n > bestCount {
				best, bestCount = sep, n
			}
		}
		if best != "" {
			return best, nil
		}
	}
	return "", scanner.Err()
}

// SplitLine splits a line on sep. A space separator collapses runs of
// spaces and ignores leading and trailing ones.
func SplitLine(line, sep string) []string {
	if sep == " " {
		return strings.FieldsFunc(line, func(r rune) bool { return r == ' ' })
	}
	return strings.Split(line, sep)
}
