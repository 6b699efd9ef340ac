package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint derives a deterministic identity string from a configuration
// value. Equal configurations always fingerprint equal, regardless of map
// iteration order; the result is the hex SHA-256 of a canonical JSON
// rendering (object keys sorted recursively).
func Fingerprint(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("registry: fingerprint: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", fmt.Errorf("registry: fingerprint: %w", err)
	}

	var b strings.Builder
	writeCanonical(&b, decoded)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// writeCanonical renders a decoded JSON value deterministically.
func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case string:
		encoded, _ := json.Marshal(t)
		b.Write(encoded)
	case []any:
		b.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, elem)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for key := range t {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			encoded, _ := json.Marshal(key)
			b.Write(encoded)
			b.WriteByte(':')
			writeCanonical(b, t[key])
		}
		b.WriteByte('}')
	default:
		// json.Unmarshal into any never produces other types.
		encoded, _ := json.Marshal(t)
		b.Write(encoded)
	}
}
