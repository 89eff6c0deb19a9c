package livecoll

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Fields holds a document's top-level fields. Values must be JSON-encodable.
type Fields map[string]any

type serverTimestamp struct{}

// ServerTimestamp is a field value placeholder. Stores replace it with their
// own clock (unix milliseconds, strictly increasing per store) when the write
// is applied, so ordering never depends on client clocks.
var ServerTimestamp any = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp placeholder.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// ServerTimestampFields returns the names of the fields holding the
// ServerTimestamp placeholder, sorted.
func (f Fields) ServerTimestampFields() []string {
	var names []string
	for k, v := range f {
		if IsServerTimestamp(v) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// WithServerTime returns a copy of f with every placeholder replaced by ms.
func (f Fields) WithServerTime(ms int64) Fields {
	out := f.Clone()
	for k, v := range out {
		if IsServerTimestamp(v) {
			out[k] = ms
		}
	}
	return out
}

// Int64 reads a numeric field. ok is false when the field is absent, null or
// not a number.
func (f Fields) Int64(name string) (int64, bool) {
	return toInt64(f[name])
}

// String reads a string field, returning "" when absent.
func (f Fields) String(name string) string {
	s, _ := f[name].(string)
	return s
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	}
	return 0, false
}

// EncodeValue serializes a single field value for stores that keep fields as
// strings.
func EncodeValue(v any) (string, error) {
	if IsServerTimestamp(v) {
		return "", fmt.Errorf("livecoll: unresolved server timestamp")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("livecoll: encode field: %w", err)
	}
	return string(b), nil
}

// DecodeValue is the inverse of EncodeValue. Numbers decode as json.Number.
func DecodeValue(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("livecoll: decode field: %w", err)
	}
	return v, nil
}

// Decode copies a document's fields into out, a pointer to a struct with json
// tags.
func Decode(doc Document, out any) error {
	b, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("livecoll: decode %s: %w", doc.Path, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("livecoll: decode %s: %w", doc.Path, err)
	}
	return nil
}

// Millis converts a timestamp field value into a time.
func Millis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// SortDocuments orders docs by the numeric field orderBy, breaking ties by id.
// Documents without the field sort after all ordered ones regardless of
// direction, keeping their relative order.
func SortDocuments(docs []Document, orderBy string, dir Direction) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, aok := docs[i].Fields.Int64(orderBy)
		b, bok := docs[j].Fields.Int64(orderBy)
		switch {
		case aok && !bok:
			return true
		case !aok:
			return false
		case a != b:
			if dir == Desc {
				return a > b
			}
			return a < b
		}
		if dir == Desc {
			return docs[i].ID > docs[j].ID
		}
		return docs[i].ID < docs[j].ID
	})
}

// Tail returns the last n documents of an ascending slice (all when n <= 0).
func Tail(docs []Document, n int) []Document {
	if n <= 0 || len(docs) <= n {
		return docs
	}
	return docs[len(docs)-n:]
}
