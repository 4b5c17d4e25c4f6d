package db

import (
	"bytes"
	"encoding/json"

	"github.com/ugorji/go/codec"
)

// PropMeta is the stored state of one property.
type PropMeta struct {
	Value interface{} `json:"value"`
	Mtime int64       `json:"mtime"`
	Seqno int64       `json:"seqno,omitempty"`
}

// AggEntry is one entry of an aggregated property. An entry without value is
// deleted.
type AggEntry struct {
	Ctime  int64       `json:"ctime"`
	Mtime  int64       `json:"mtime"`
	Value  interface{} `json:"value,omitempty"`
	Author string      `json:"author,omitempty"`
	Seqno  int64       `json:"seqno,omitempty"`
}

// Record is a resource record with the meta of each property.
type Record struct {
	Resource string
	GUID     string
	Props    map[string]*PropMeta

	schema *Resource
}

// Get returns the value of a property, or nil.
func (r *Record) Get(name string) interface{} {
	if meta, ok := r.Props[name]; ok {
		return meta.Value
	}
	return nil
}

// Seqno is the highest seqno over the properties.
func (r *Record) Seqno() int64 {
	var res int64
	for _, meta := range r.Props {
		if meta.Seqno > res {
			res = meta.Seqno
		}
	}
	return res
}

// State ...
func (r *Record) State() string {
	if s, ok := r.Get(PropState).(string); ok {
		return s
	}
	return StateActive
}

// Mtime is the latest property mtime.
func (r *Record) Mtime() int64 {
	var res int64
	for _, meta := range r.Props {
		if meta.Mtime > res {
			res = meta.Mtime
		}
	}
	return res
}

// Deleted ...
func (r *Record) Deleted() bool {
	return r.State() == StateDeleted
}

// Values returns property values, with deleted aggregated entries dropped.
func (r *Record) Values() map[string]interface{} {
	res := make(map[string]interface{}, len(r.Props))
	for name, meta := range r.Props {
		if r.aggregated(name) {
			entries, _ := aggEntries(meta.Value)
			live := make(map[string]interface{}, len(entries))
			for id, e := range entries {
				if e.Value != nil {
					live[id] = e.Value
				}
			}
			res[name] = live
			continue
		}
		res[name] = meta.Value
	}
	res[PropMtime] = r.Mtime()
	return res
}

// Patch returns the properties whose seqno is accepted by filter, in the
// shape they travel in packets.
func (r *Record) Patch(filter func(seqno int64) bool) map[string]*PropMeta {
	res := make(map[string]*PropMeta)
	for name, meta := range r.Props {
		if filter(meta.Seqno) {
			res[name] = &PropMeta{Value: meta.Value, Mtime: meta.Mtime}
		}
	}
	return res
}

// wins reports whether incoming beats current under last-write-wins: newer
// mtime, then the larger canonical encoding of the value.
func wins(incoming, current *PropMeta) bool {
	if current == nil {
		return true
	}
	if incoming.Mtime != current.Mtime {
		return incoming.Mtime > current.Mtime
	}
	return bytes.Compare(canonical(incoming.Value), canonical(current.Value)) > 0
}

func entryWins(incoming, current AggEntry) bool {
	return wins(&PropMeta{Value: incoming.Value, Mtime: incoming.Mtime},
		&PropMeta{Value: current.Value, Mtime: current.Mtime})
}

func canonical(v interface{}) []byte {
	var b bytes.Buffer
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	if err := codec.NewEncoder(&b, jh).Encode(v); err != nil {
		return nil
	}
	return b.Bytes()
}

// aggEntries decodes the value of an aggregated property.
func aggEntries(v interface{}) (map[string]AggEntry, error) {
	res := make(map[string]AggEntry)
	if v == nil {
		return res, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Record) aggregated(name string) bool {
	if r.schema == nil {
		return false
	}
	p, ok := r.schema.Prop(name)
	return ok && p.Kind == Aggregated
}

func entriesValue(entries map[string]AggEntry) interface{} {
	v, _ := normalize(entries)
	return v
}
