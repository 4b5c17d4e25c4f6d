// Package ranges implements the algebra over sets of seqnos that peers use to
// describe what they have pushed, pulled, and acknowledged.
//
// A Ranges value is a sorted list of disjoint, non-adjacent, inclusive
// [lo, hi] pairs. The upper bound of the last pair may be Inf, which is
// serialized as JSON null, so the full set of seqnos is [[1, null]].
package ranges
