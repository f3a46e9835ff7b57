package extract

import (
	"path"
	"path/filepath"
	"strings"
)

// Classifier decides where an extracted file belongs. name is the entry
// path inside its archive and parentArchive the filename of the archive
// that directly contains it.
type Classifier interface {
	Route(name, parentArchive string) (dest string, ok bool)
}

// LibraryClassifier routes the contents of the monthly rules library.
// XML files go to SRGDir when their immediate parent archive's filename
// contains SRGMarker and to STIGDir otherwise. PDFs whose name starts with
// an underscore go to DocsDir.
type LibraryClassifier struct {
	XMLSuffix string
	SRGMarker string
	STIGDir   string
	SRGDir    string
	DocsDir   string
}

func (c LibraryClassifier) Route(name, parentArchive string) (string, bool) {
	base := path.Base(name)
	switch {
	case strings.HasSuffix(base, c.XMLSuffix):
		if c.SRGMarker != "" && strings.Contains(filepath.Base(parentArchive), c.SRGMarker) {
			return filepath.Join(c.SRGDir, base), true
		}
		return filepath.Join(c.STIGDir, base), true
	case c.DocsDir != "" && strings.HasPrefix(base, "_") && strings.EqualFold(path.Ext(base), ".pdf"):
		return filepath.Join(c.DocsDir, base), true
	}
	return "", false
}

// FlatClassifier routes every file with Suffix into Dir.
type FlatClassifier struct {
	Suffix string
	Dir    string
}

func (c FlatClassifier) Route(name, _ string) (string, bool) {
	base := path.Base(name)
	if !strings.HasSuffix(strings.ToLower(base), strings.ToLower(c.Suffix)) {
		return "", false
	}
	return filepath.Join(c.Dir, base), true
}
