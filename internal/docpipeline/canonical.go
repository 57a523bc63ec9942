package docpipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalInput is the deterministic byte serialization the Idempotency Checker hashes. It is
// built by each stage implementation's CanonicalInput method from (a) the declared subset of
// Document fields the stage's contract names, (b) the specific prerequisite outputs it
// consumes, and (c) a schema_version literal owned by that stage.
type CanonicalInput struct {
	SchemaVersion int            `json:"schema_version"`
	DocumentID    string         `json:"document_id"`
	Fields        map[string]any `json:"fields"`
}

// Canonicalize recursively sorts map keys and re-encodes via encoding/json, so equal values
// always yield identical bytes for content-addressed hashing.
func Canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize round-trips v through encoding/json so map keys come back as a canonical
// map[string]any tree, then recursively sorts object keys into a slice of key/value pairs that
// marshal in a stable order.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return sortKeys(decoded), nil
}

func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]orderedPair, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, orderedPair{Key: k, Value: sortKeys(t[k])})
		}
		return orderedObject(pairs)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = sortKeys(elem)
		}
		return out
	default:
		return t
	}
}

type orderedPair struct {
	Key   string
	Value any
}

// orderedObject marshals as a JSON object preserving the already-sorted pair order, since a
// plain map[string]any would otherwise re-randomize key order under some encoders.
type orderedObject []orderedPair

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, pair := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// HashCanonical returns the lowercase hex SHA-256 digest of a canonical input, the form stored
// in CompletionMarker.DataHash.
func HashCanonical(input CanonicalInput) (string, error) {
	data, err := Canonicalize(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
