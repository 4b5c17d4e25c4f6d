package db

import (
	"encoding/json"
	"sort"

	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
)

// Kind is the type of a property.
type Kind int

const (
	// Scalar is any JSON value.
	Scalar Kind = iota
	// Localized is a map of language to text.
	Localized
	// Reference is the guid of another record.
	Reference
	// BlobRef is the key of a blob in the blob store.
	BlobRef
	// Aggregated is a map of sub-ids to entries with their own lifecycle.
	Aggregated
)

// String ...
func (k Kind) String() string {
	switch k {
	case Scalar:
		return "scalar"
	case Localized:
		return "localized"
	case Reference:
		return "reference"
	case BlobRef:
		return "blob"
	case Aggregated:
		return "aggregated"
	default:
		return "unknown"
	}
}

// ACL flags of a property.
type ACL uint

const (
	// ACLCreate allows setting the property on create.
	ACLCreate ACL = 1 << iota
	// ACLWrite allows changing the property after create.
	ACLWrite
	// ACLRead ...
	ACLRead
	// ACLLocal keeps the property out of diffs.
	ACLLocal

	// ACLDefault ...
	ACLDefault = ACLCreate | ACLWrite | ACLRead
)

// Built-in properties every record carries.
const (
	PropGUID  = "guid"
	PropCtime = "ctime"
	PropMtime = "mtime"
	PropState = "state"
)

// Record states.
const (
	StateActive  = "active"
	StateDeleted = "deleted"
)

// DefaultLanguage is the language plain strings are stored under in
// localized properties.
const DefaultLanguage = "en"

// Property describes one property of a resource.
type Property struct {
	Name    string
	Kind    Kind
	ACL     ACL
	Default interface{}
	Indexed bool
}

// ReleasePolicy lists the mutations of a resource that bump the volume's
// releases seqno.
type ReleasePolicy struct {
	Props    []string
	OnCreate bool
	OnDelete bool
}

// Resource is the declarative schema of one resource.
type Resource struct {
	Name     string
	Props    []Property
	Releases *ReleasePolicy
}

var builtinProps = []Property{
	{Name: PropGUID, Kind: Scalar, ACL: ACLCreate | ACLRead, Indexed: true},
	{Name: PropCtime, Kind: Scalar, ACL: ACLRead, Indexed: true},
	{Name: PropMtime, Kind: Scalar, ACL: ACLRead, Indexed: true},
	{Name: PropState, Kind: Scalar, ACL: ACLRead, Default: StateActive, Indexed: true},
}

// Prop looks a property up, built-ins included.
func (r *Resource) Prop(name string) (*Property, bool) {
	for i := range builtinProps {
		if builtinProps[i].Name == name {
			return &builtinProps[i], true
		}
	}
	for i := range r.Props {
		if r.Props[i].Name == name {
			return &r.Props[i], true
		}
	}
	return nil, false
}

// AllProps returns the built-ins followed by the declared properties.
func (r *Resource) AllProps() []Property {
	res := make([]Property, 0, len(builtinProps)+len(r.Props))
	res = append(res, builtinProps...)
	return append(res, r.Props...)
}

func (r *Resource) bumpsReleases(event string, props []string) bool {
	p := r.Releases
	if p == nil {
		return false
	}
	switch event {
	case EventCreate:
		return p.OnCreate
	case EventDelete:
		return p.OnDelete
	}
	for _, name := range props {
		for _, trigger := range p.Props {
			if name == trigger {
				return true
			}
		}
	}
	return false
}

// typecast checks v against the kind of p and returns it in its stored form.
func (p *Property) typecast(v interface{}) (interface{}, error) {
	v, err := normalize(v)
	if err != nil {
		return nil, common.NewSyncErr(p.Name, common.BadRequest, err)
	}

	switch p.Kind {
	case Localized:
		switch val := v.(type) {
		case string:
			return map[string]interface{}{DefaultLanguage: val}, nil
		case map[string]interface{}:
			for lang, text := range val {
				if _, ok := text.(string); !ok {
					return nil, common.Errorf(p.Name, common.BadRequest, "%s translation is not a string", lang)
				}
			}
			return val, nil
		}
	case Reference, BlobRef:
		if _, ok := v.(string); ok {
			return v, nil
		}
	case Aggregated:
		if m, ok := v.(map[string]interface{}); ok && len(m) == 0 {
			return v, nil
		}
		return nil, common.Errorf(p.Name, common.BadRequest, "aggregated properties are changed entry by entry")
	default:
		return v, nil
	}
	return nil, common.Errorf(p.Name, common.BadRequest, "invalid %s value %v", p.Kind, v)
}

// Localize picks the text of a localized value following langs, then the
// default language, then the first language in lexical order.
func Localize(value interface{}, langs ...string) string {
	m, ok := value.(map[string]interface{})
	if !ok {
		if s, ok := value.(string); ok {
			return s
		}
		return ""
	}
	for _, lang := range append(langs, DefaultLanguage) {
		if s, ok := m[lang].(string); ok {
			return s
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s
		}
	}
	return ""
}

// normalize brings a Go value to the shape it has after a JSON round trip,
// so values compare the same whether they come from callers, disk or peers.
func normalize(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var res interface{}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return res, nil
}
