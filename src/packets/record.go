package packets

import (
	"encoding/json"

	"github.com/pombredanne/sugar-network-backend-sub001/src/blobs"
	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
)

// Segment kinds.
const (
	Push    = "push"
	Ack     = "ack"
	Pull    = "pull"
	Request = "request"
	Last    = "last"
)

const (
	segmentKey = "segment"
	// legacyKey is how older streams labelled their segments.
	legacyKey = "packet"
)

// Record is one JSON record of a stream.
type Record map[string]interface{}

// Str returns key as a string, or "".
func (r Record) Str(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int returns key as an integer, or 0.
func (r Record) Int(key string) int64 {
	switch v := r[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Ranges decodes key as a range set.
func (r Record) Ranges(key string) (ranges.Ranges, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return ranges.Ranges{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var res ranges.Ranges
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Decode unmarshals the record into v.
func (r Record) Decode(v interface{}) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (r Record) segment() (string, bool) {
	if kind, ok := r[segmentKey].(string); ok {
		return kind, true
	}
	if kind, ok := r[legacyKey].(string); ok {
		return kind, true
	}
	return "", false
}

// Item is what producers yield and segments return: a record, or a blob.
type Item struct {
	Record interface{}
	Blob   *blobs.Blob
}

// Content reports whether the item counts against the encoder limit: blobs,
// and records carrying a guid.
func (i Item) Content() bool {
	if i.Blob != nil {
		return true
	}
	switch rec := i.Record.(type) {
	case Record:
		_, ok := rec["guid"]
		return ok
	case map[string]interface{}:
		_, ok := rec["guid"]
		return ok
	case interface{ IsContent() bool }:
		return rec.IsContent()
	}
	return false
}

// Producer yields the content of a segment. After Finalize it yields only its
// trailing records, then io.EOF.
type Producer interface {
	Next() (Item, error)
	Finalize()
}
