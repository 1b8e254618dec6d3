// Package extract pulls structured JSON out of free-text model replies.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// fencedJSON matches the first code fence tagged json, in any case.
var fencedJSON = regexp.MustCompile("(?is)```json\\s*(.*?)```")

// Extract returns the structured document carried by reply. It tries the
// first fenced json block, then the whole trimmed reply. ok is false when
// neither parses or the document is JSON null; that is not an error, callers
// treat the reply as prose.
func Extract(reply string) (doc any, ok bool) {
	raw, ok := find(reply)
	if !ok {
		return nil, false
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

// Into decodes the structured document carried by reply into dst.
func Into(reply string, dst any) bool {
	raw, ok := find(reply)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func find(reply string) ([]byte, bool) {
	if m := fencedJSON.FindStringSubmatch(reply); m != nil {
		if b := []byte(strings.TrimSpace(m[1])); usable(b) {
			return b, true
		}
	}
	if b := []byte(strings.TrimSpace(reply)); usable(b) {
		return b, true
	}
	return nil, false
}

func usable(b []byte) bool {
	return len(b) > 0 && string(b) != "null" && json.Valid(b)
}
