package dialect

import "github.com/mldata/mldata/internal/format"

// ParserFor returns the parser for f.
func ParserFor(f format.Format) (Parser, bool) {
	switch f {
	case format.CSV:
		return CSV{}, true
	case format.ARFF:
		return ARFF{}, true
	case format.LibSVM:
		return LibSVM{}, true
	case format.UCI:
		return UCI{}, true
	case format.Matlab:
		return Matlab{}, true
	case format.Octave:
		return Octave{}, true
	}
	return nil, false
}

// WriterFor returns the dataset writer for f. XML is not a dataset writer;
// see XML.Dump.
func WriterFor(f format.Format) (Writer, bool) {
	switch f {
	case format.CSV:
		return CSV{}, true
	case format.ARFF:
		return ARFF{}, true
	case format.LibSVM:
		return LibSVM{}, true
	case format.Matlab:
		return Matlab{Compress: true}, true
	case format.Octave:
		return Octave{}, true
	case format.R:
		return R{}, true
	}
	return nil, false
}

// RoundTrips reports whether f has both a parser and a writer, so that a
// conversion through it can be verified.
func RoundTrips(f format.Format) bool {
	_, p := ParserFor(f)
	_, w := WriterFor(f)
	return p && w
}
