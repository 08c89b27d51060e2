package canonicalize

import (
	"bytes"
	"encoding/json"
)

// Pretty renders v as indented JSON with sorted map keys, no HTML escaping and
// a trailing newline. Evidence files are written this way so that identical
// upstream data yields byte-identical files.
func Pretty(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
