package resources

import (
	"bytes"
	"encoding/json"
)

// FormatView pretty-prints a workflow view. Invalid or empty JSON is
// returned unchanged, a missing view reads as an empty object.
func FormatView(raw []byte) []byte {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return []byte("{}\n")
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return raw
	}
	out.WriteByte('\n')
	return out.Bytes()
}
