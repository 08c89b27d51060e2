package publish

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tbowman01/shared-github-actions/pkg/ledger"
)

// Markers delimiting the generated compliance-status section.
const (
	BeginMarker = "<!-- compliance-status:begin -->"
	EndMarker   = "<!-- compliance-status:end -->"
)

var (
	ErrMarkersMissing    = errors.New("publish: status markers not found")
	ErrMarkersUnbalanced = errors.New("publish: unbalanced status markers")
	ErrMarkersDuplicated = errors.New("publish: duplicated status markers")
	ErrMarkersReversed   = errors.New("publish: end marker precedes begin marker")
)

// ReplaceBlock replaces everything between the begin and end markers with
// block and preserves the rest of doc byte for byte. It never inserts
// markers: a document without exactly one well-ordered pair is an error.
func ReplaceBlock(doc, begin, end, block string) (string, error) {
	nb, ne := strings.Count(doc, begin), strings.Count(doc, end)
	switch {
	case nb == 0 && ne == 0:
		return "", ErrMarkersMissing
	case nb != ne:
		return "", fmt.Errorf("%w: %d begin, %d end", ErrMarkersUnbalanced, nb, ne)
	case nb > 1:
		return "", fmt.Errorf("%w: %d pairs", ErrMarkersDuplicated, nb)
	}
	b := strings.Index(doc, begin)
	e := strings.Index(doc, end)
	if e < b+len(begin) {
		return "", ErrMarkersReversed
	}

	var out strings.Builder
	out.Grow(len(doc) + len(block))
	out.WriteString(doc[:b+len(begin)])
	out.WriteByte('\n')
	if body := strings.Trim(block, "\n"); body != "" {
		out.WriteString(body)
		out.WriteByte('\n')
	}
	out.WriteString(doc[e:])
	return out.String(), nil
}

// UpdateVerificationDoc rewrites the status block of the document at path.
// It reports whether the file changed.
func UpdateVerificationDoc(path, block string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-configured document
	if err != nil {
		return false, err
	}
	updated, err := ReplaceBlock(string(data), BeginMarker, EndMarker, block)
	if err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	if bytes.Equal(data, []byte(updated)) {
		return false, nil
	}
	if err := ledger.WriteFileAtomic(path, []byte(updated)); err != nil {
		return false, err
	}
	return true, os.Chmod(path, info.Mode().Perm())
}
