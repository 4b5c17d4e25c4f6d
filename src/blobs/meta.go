package blobs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Sidecar header names.
const (
	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderSeqno         = "x-seqno"
	HeaderStatus        = "status"
	HeaderLocation      = "location"
	HeaderPath          = "path"
	HeaderDigest        = "digest"
)

// Sidecar status values.
const (
	StatusGone  = "410 Gone"
	StatusMoved = "301 Moved Permanently"
)

// Header is one "key: value" line of a sidecar.
type Header struct {
	Key   string
	Value string
}

// Meta is the ordered list of sidecar headers. Keys are lower case.
type Meta []Header

// Get ...
func (m Meta) Get(key string) string {
	key = strings.ToLower(key)
	for _, h := range m {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Has ...
func (m Meta) Has(key string) bool {
	key = strings.ToLower(key)
	for _, h := range m {
		if h.Key == key {
			return true
		}
	}
	return false
}

// Set replaces key in place, or appends it.
func (m *Meta) Set(key, value string) {
	key = strings.ToLower(key)
	for i, h := range *m {
		if h.Key == key {
			(*m)[i].Value = value
			return
		}
	}
	*m = append(*m, Header{key, value})
}

// Del ...
func (m *Meta) Del(key string) {
	key = strings.ToLower(key)
	res := (*m)[:0]
	for _, h := range *m {
		if h.Key != key {
			res = append(res, h)
		}
	}
	*m = res
}

// Update sets every header of patch, keeping the order of m.
func (m *Meta) Update(patch Meta) {
	for _, h := range patch {
		m.Set(h.Key, h.Value)
	}
}

// Clone ...
func (m Meta) Clone() Meta {
	res := make(Meta, len(m))
	copy(res, m)
	return res
}

// Int returns the integer value of key, or 0.
func (m Meta) Int(key string) int64 {
	v, err := strconv.ParseInt(m.Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// WriteTo writes the sidecar representation.
func (m Meta) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, h := range m {
		n, err := fmt.Fprintf(w, "%s: %s\n", h.Key, h.Value)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ParseMeta reads a sidecar.
func ParseMeta(r io.Reader) (Meta, error) {
	var m Meta
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		i := strings.Index(line, ":")
		if i < 0 {
			return nil, fmt.Errorf("malformed sidecar line %q", line)
		}
		m.Set(strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]))
	}
	return m, scanner.Err()
}

// MarshalJSON encodes the headers as an object, the way they travel inside
// packets.
func (m Meta) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{}, len(m))
	for _, h := range m {
		if h.Key == HeaderContentLength || h.Key == HeaderSeqno {
			if n, err := strconv.ParseInt(h.Value, 10, 64); err == nil {
				obj[h.Key] = n
				continue
			}
		}
		obj[h.Key] = h.Value
	}
	return json.Marshal(obj)
}

// MetaFromRecord builds headers out of a decoded packet record. Keys are
// sorted since JSON objects carry no order.
func MetaFromRecord(rec map[string]interface{}) Meta {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var m Meta
	for _, k := range keys {
		switch v := rec[k].(type) {
		case string:
			m.Set(k, v)
		case float64:
			m.Set(k, strconv.FormatInt(int64(v), 10))
		case json.Number:
			m.Set(k, v.String())
		case nil:
		default:
			m.Set(k, fmt.Sprint(v))
		}
	}
	return m
}
