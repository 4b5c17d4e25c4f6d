package ranges

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Inf is the open upper bound.
const Inf int64 = math.MaxInt64

// Range is an inclusive [lo, hi] pair.
type Range [2]int64

// Lo ...
func (r Range) Lo() int64 { return r[0] }

// Hi ...
func (r Range) Hi() int64 { return r[1] }

// Open reports whether the range has no upper bound.
func (r Range) Open() bool { return r[1] == Inf }

// MarshalJSON encodes an open upper bound as null.
func (r Range) MarshalJSON() ([]byte, error) {
	if r.Open() {
		return []byte(fmt.Sprintf("[%d,null]", r[0])), nil
	}
	return []byte(fmt.Sprintf("[%d,%d]", r[0], r[1])), nil
}

// UnmarshalJSON ...
func (r *Range) UnmarshalJSON(data []byte) error {
	var pair []*int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 || pair[0] == nil {
		return fmt.Errorf("malformed range %s", data)
	}
	r[0] = *pair[0]
	if pair[1] == nil {
		r[1] = Inf
	} else {
		r[1] = *pair[1]
	}
	if r[0] > r[1] {
		return fmt.Errorf("inverted range %s", data)
	}
	return nil
}

func (r Range) String() string {
	if r.Open() {
		return fmt.Sprintf("[%d,inf]", r[0])
	}
	return fmt.Sprintf("[%d,%d]", r[0], r[1])
}

// Ranges is a normalized set of seqnos.
type Ranges []Range

// New returns the set holding [lo, hi].
func New(lo, hi int64) Ranges {
	r := Ranges{}
	r.Include(lo, hi)
	return r
}

// Full returns [[1, Inf]].
func Full() Ranges {
	return Ranges{{1, Inf}}
}

// Empty ...
func (r Ranges) Empty() bool {
	return len(r) == 0
}

// First returns the lowest seqno of the set, or 0 for an empty set.
func (r Ranges) First() int64 {
	if len(r) == 0 {
		return 0
	}
	return r[0][0]
}

// Last returns the highest bound of the set, possibly Inf, or 0 for an empty
// set.
func (r Ranges) Last() int64 {
	if len(r) == 0 {
		return 0
	}
	return r[len(r)-1][1]
}

// Clone ...
func (r Ranges) Clone() Ranges {
	res := make(Ranges, len(r))
	copy(res, r)
	return res
}

// Equal ...
func (r Ranges) Equal(o Ranges) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if r[i] != o[i] {
			return false
		}
	}
	return true
}

// Contains looks x up by bisection.
func (r Ranges) Contains(x int64) bool {
	i := sort.Search(len(r), func(i int) bool { return r[i][1] >= x })
	return i < len(r) && r[i][0] <= x
}

// Include adds [lo, hi], merging overlapping and adjacent pairs.
func (r *Ranges) Include(lo, hi int64) {
	if lo > hi {
		return
	}
	res := make(Ranges, 0, len(*r)+1)
	i := 0
	cur := *r
	for ; i < len(cur) && before(cur[i], lo); i++ {
		res = append(res, cur[i])
	}
	for ; i < len(cur) && !after(cur[i], hi); i++ {
		if cur[i][0] < lo {
			lo = cur[i][0]
		}
		if cur[i][1] > hi {
			hi = cur[i][1]
		}
	}
	res = append(res, Range{lo, hi})
	res = append(res, cur[i:]...)
	*r = res
}

// Exclude removes [lo, hi], splitting pairs as needed.
func (r *Ranges) Exclude(lo, hi int64) {
	if lo > hi {
		return
	}
	res := make(Ranges, 0, len(*r)+1)
	for _, x := range *r {
		if x[1] < lo || x[0] > hi {
			res = append(res, x)
			continue
		}
		if x[0] < lo {
			res = append(res, Range{x[0], lo - 1})
		}
		if hi != Inf && x[1] > hi {
			res = append(res, Range{hi + 1, x[1]})
		}
	}
	*r = res
}

// IncludeRanges adds every pair of o.
func (r *Ranges) IncludeRanges(o Ranges) {
	for _, x := range o {
		r.Include(x[0], x[1])
	}
}

// ExcludeRanges removes every pair of o.
func (r *Ranges) ExcludeRanges(o Ranges) {
	for _, x := range o {
		r.Exclude(x[0], x[1])
	}
}

// Stretch collapses the set into the single pair covering it.
func (r Ranges) Stretch() Ranges {
	if len(r) == 0 {
		return Ranges{}
	}
	return Ranges{{r[0][0], r[len(r)-1][1]}}
}

// Clip replaces an open upper bound, and any bound above max, with max.
func (r Ranges) Clip(max int64) Ranges {
	res := r.Clone()
	if max != Inf {
		res.Exclude(max+1, Inf)
	}
	return res
}

// Intersect returns the seqnos present in both a and b.
func Intersect(a, b Ranges) Ranges {
	res := Ranges{}
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		lo := max64(a[i][0], b[j][0])
		hi := min64(a[i][1], b[j][1])
		if lo <= hi {
			res = append(res, Range{lo, hi})
		}
		if a[i][1] < b[j][1] {
			i++
		} else {
			j++
		}
	}
	return res
}

// Subtract returns a \ b.
func Subtract(a, b Ranges) Ranges {
	res := a.Clone()
	res.ExcludeRanges(b)
	return res
}

// Union returns a ∪ b.
func Union(a, b Ranges) Ranges {
	res := a.Clone()
	res.IncludeRanges(b)
	return res
}

// MarshalJSON always produces an array, never null.
func (r Ranges) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Range(r))
}

// UnmarshalJSON normalizes whatever pairs it is given.
func (r *Ranges) UnmarshalJSON(data []byte) error {
	var pairs []Range
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	res := Ranges{}
	for _, p := range pairs {
		res.Include(p[0], p[1])
	}
	*r = res
	return nil
}

func (r Ranges) String() string {
	parts := make([]string, len(r))
	for i, x := range r {
		parts[i] = x.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// before reports whether x ends strictly before lo, leaving a gap.
func before(x Range, lo int64) bool {
	return x[1] != Inf && x[1]+1 < lo
}

// after reports whether x starts strictly after hi, leaving a gap.
func after(x Range, hi int64) bool {
	return hi != Inf && hi+1 < x[0]
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
