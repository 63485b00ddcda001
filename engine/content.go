package engine

import (
	"encoding/json"
	"strings"
)

// normalizeContentType lower-cases and trims a content-type string,
// per §4.6's comparison rule. Empty normalizes to the default media type.
func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" {
		ct = "application/octet-stream"
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

func isJSONContentType(ct string) bool {
	return normalizeContentType(ct) == "application/json"
}

// splitJSONElements parses a JSON-array (or single-object, treated as a
// one-element array) body into its top-level element byte ranges, per
// §4.1.2. Returns a BadRequest failure for empty arrays and invalid JSON.
func splitJSONElements(body []byte) ([][]byte, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, badRequest("invalid json body")
	}

	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 0 {
		return nil, badRequest("empty body")
	}

	if trimmed[0] != '[' {
		// A single-object body is a one-element array.
		return [][]byte{[]byte(trimmed)}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, badRequest("invalid json array")
	}
	if len(elems) == 0 {
		return nil, badRequest("empty json array")
	}

	out := make([][]byte, len(elems))
	for i, e := range elems {
		out[i] = []byte(e)
	}
	return out, nil
}
